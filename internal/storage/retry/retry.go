// Package retry decorates a storage.Backend with bounded exponential backoff
// for errors marked transient.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/loggingutil"
	"pkt.systems/resvd/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		clock:  clock.Ensure(clk),
		cfg:    cfg.normalized(),
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) Get(ctx context.Context, table, key string) (storage.Object, error) {
	var obj storage.Object
	err := b.withRetry(ctx, "get", table, key, func(ctx context.Context) error {
		var err error
		obj, err = b.inner.Get(ctx, table, key)
		return err
	})
	return obj, err
}

func (b *backend) Put(ctx context.Context, table, key string, value []byte, opts storage.PutOptions) (string, error) {
	var etag string
	err := b.withRetry(ctx, "put", table, key, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.Put(ctx, table, key, value, opts)
		return err
	})
	return etag, err
}

func (b *backend) Delete(ctx context.Context, table, key string, opts storage.DeleteOptions) error {
	return b.withRetry(ctx, "delete", table, key, func(ctx context.Context) error {
		return b.inner.Delete(ctx, table, key, opts)
	})
}

func (b *backend) List(ctx context.Context, table string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list", table, opts.Prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.List(ctx, table, opts)
		return err
	})
	return res, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, table, key string, fn func(context.Context) error) error {
	delay := b.cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !storage.IsTransient(err) || attempt >= b.cfg.MaxAttempts {
			return err
		}
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"table", table,
			"key", key,
			"attempt", attempt,
			"max_attempts", b.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
}
