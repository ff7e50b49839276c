// Package httpapi exposes task status, dispatch, cancellation and the
// reservation bookkeeping tables over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/resvd/api"
	"pkt.systems/resvd/internal/correlation"
	"pkt.systems/resvd/internal/loggingutil"
	"pkt.systems/resvd/internal/rebalance"
	"pkt.systems/resvd/internal/resources"
	"pkt.systems/resvd/internal/taskstatus"
	"pkt.systems/resvd/internal/tasks"
)

const defaultJSONMaxBytes = 1 << 20

// TaskService dispatches and cancels tasks.
type TaskService interface {
	Dispatch(ctx context.Context, task string, args any, opts ...tasks.DispatchOption) (tasks.AsyncResult, error)
	DispatchWithReservation(ctx context.Context, resourceType, resourceID, task string, args any, opts ...tasks.DispatchOption) (tasks.AsyncResult, error)
	Cancel(ctx context.Context, taskID string) error
}

// StatusReader reads task statuses.
type StatusReader interface {
	Get(ctx context.Context, taskID string) (taskstatus.Status, error)
	List(ctx context.Context, filter taskstatus.Filter) ([]taskstatus.Status, error)
}

// ResourceReader reads the reservation and queue load tables.
type ResourceReader interface {
	ListQueueLoads(ctx context.Context) ([]resources.QueueLoad, error)
	ListReservations(ctx context.Context) ([]resources.Reservation, error)
}

// Reconciler runs a single rebalance pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (rebalance.Report, error)
}

// Config wires a Handler.
type Config struct {
	Tasks      TaskService
	Statuses   StatusReader
	Resources  ResourceReader
	Reconciler Reconciler
	// QueueDepth reports pending messages per queue; optional.
	QueueDepth         func() map[string]int
	Logger             pslog.Logger
	JSONMaxBytes       int64
	DisableHTTPTracing bool
}

// Handler serves the resvd HTTP API.
type Handler struct {
	tasks              TaskService
	statuses           StatusReader
	resources          ResourceReader
	reconciler         Reconciler
	queueDepth         func() map[string]int
	logger             pslog.Logger
	tracer             trace.Tracer
	jsonMaxBytes       int64
	httpTracingEnabled bool
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultJSONMaxBytes
	}
	return &Handler{
		tasks:              cfg.Tasks,
		statuses:           cfg.Statuses,
		resources:          cfg.Resources,
		reconciler:         cfg.Reconciler,
		queueDepth:         cfg.QueueDepth,
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		tracer:             otel.Tracer("pkt.systems/resvd/httpapi"),
		jsonMaxBytes:       maxBytes,
		httpTracingEnabled: !cfg.DisableHTTPTracing,
	}
}

// Register installs every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/tasks", h.wrap("task.list", h.handleTaskList))
	mux.Handle("POST /v1/tasks", h.wrap("task.dispatch", h.handleTaskDispatch))
	mux.Handle("GET /v1/tasks/{id}", h.wrap("task.get", h.handleTaskGet))
	mux.Handle("DELETE /v1/tasks/{id}", h.wrap("task.cancel", h.handleTaskCancel))
	mux.Handle("GET /v1/queues", h.wrap("queue.list", h.handleQueueList))
	mux.Handle("GET /v1/reservations", h.wrap("reservation.list", h.handleReservationList))
	mux.Handle("POST /v1/reconcile", h.wrap("reconcile", h.handleReconcile))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "resvd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if h.httpTracingEnabled {
			span.SetAttributes(
				attribute.String("resvd.operation", operation),
				attribute.String("resvd.sys", sys),
			)
		}

		ctx = correlation.With(ctx, r.Header.Get(correlation.HeaderName))
		ctx = correlation.Ensure(ctx)
		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", xid.New().String(),
			"method", r.Method,
			"path", r.URL.Path,
			"cid", correlation.ID(ctx),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.HeaderName, correlation.ID(ctx))

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			if h.httpTracingEnabled {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		mapped, ok := mapError(err)
		if !ok {
			logger.Error("http.request.internal_error", "error", err)
			h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
				ErrorCode: "internal_error",
				Detail:    "internal server error",
			}, nil)
			return
		}
		httpErr = mapped
	}
	logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	headers := map[string]string{}
	if httpErr.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
	}
	h.writeJSON(w, httpErr.Status, api.ErrorResponse{
		ErrorCode:         httpErr.Code,
		Detail:            httpErr.Detail,
		RetryAfterSeconds: httpErr.RetryAfter,
	}, headers)
}
