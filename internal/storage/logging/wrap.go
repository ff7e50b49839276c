// Package logging decorates a storage.Backend with OpenTelemetry spans and
// trace/debug log lines per operation.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/resvd/internal/correlation"
	"pkt.systems/resvd/internal/loggingutil"
	"pkt.systems/resvd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with tracing and debug logging tagged with sys.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer("pkt.systems/resvd/storage"),
		sys:    sys,
	}
}

type opScope struct {
	span   trace.Span
	logger pslog.Logger
	begin  time.Time
	op     string
}

func (b *backend) start(ctx context.Context, op, table, key string) (context.Context, *opScope) {
	ctx, span := b.tracer.Start(ctx, "resvd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("resvd.storage.operation", op),
		attribute.String("resvd.storage.table", table),
		attribute.String("resvd.sys", b.sys),
	)
	logger := b.logger
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("resvd.correlation_id", corr))
	}
	logger = logger.With("table", table, "key", key)
	logger.Trace("storage." + op + ".begin")
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, &opScope{span: span, logger: logger, begin: time.Now(), op: op}
}

func (s *opScope) finish(err error, keyvals ...any) {
	defer s.span.End()
	elapsed := time.Since(s.begin)
	keyvals = append(keyvals, "elapsed", elapsed)
	switch {
	case err == nil:
		s.span.SetStatus(codes.Ok, "")
		s.logger.Debug("storage."+s.op+".success", keyvals...)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
		// Expected outcomes of conditional operations.
		s.span.SetAttributes(attribute.String("resvd.storage.result", err.Error()))
		s.span.SetStatus(codes.Ok, "")
		s.logger.Debug("storage."+s.op+".miss", append(keyvals, "error", err)...)
	default:
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, "storage_error")
		s.logger.Debug("storage."+s.op+".error", append(keyvals, "error", err)...)
	}
	s.span.SetAttributes(attribute.Int64("resvd.storage.duration_ms", elapsed.Milliseconds()))
}

func (b *backend) Get(ctx context.Context, table, key string) (storage.Object, error) {
	ctx, scope := b.start(ctx, "get", table, key)
	obj, err := b.inner.Get(ctx, table, key)
	scope.finish(err, "etag", obj.ETag, "bytes", len(obj.Value))
	return obj, err
}

func (b *backend) Put(ctx context.Context, table, key string, value []byte, opts storage.PutOptions) (string, error) {
	ctx, scope := b.start(ctx, "put", table, key)
	scope.span.SetAttributes(
		attribute.Bool("resvd.storage.cas", opts.ExpectedETag != ""),
		attribute.Bool("resvd.storage.if_not_exists", opts.IfNotExists),
	)
	etag, err := b.inner.Put(ctx, table, key, value, opts)
	scope.finish(err, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists, "etag", etag, "bytes", len(value))
	return etag, err
}

func (b *backend) Delete(ctx context.Context, table, key string, opts storage.DeleteOptions) error {
	ctx, scope := b.start(ctx, "delete", table, key)
	err := b.inner.Delete(ctx, table, key, opts)
	scope.finish(err, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)
	return err
}

func (b *backend) List(ctx context.Context, table string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, scope := b.start(ctx, "list", table, opts.Prefix)
	res, err := b.inner.List(ctx, table, opts)
	count := 0
	truncated := false
	if res != nil {
		count = len(res.Objects)
		truncated = res.Truncated
	}
	scope.span.SetAttributes(attribute.Int("resvd.storage.objects", count))
	scope.finish(err, "start_after", opts.StartAfter, "limit", opts.Limit, "objects", count, "truncated", truncated)
	return res, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
