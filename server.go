package resvd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/resvd/internal/broker"
	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/httpapi"
	"pkt.systems/resvd/internal/loggingutil"
	"pkt.systems/resvd/internal/rebalance"
	"pkt.systems/resvd/internal/reservation"
	"pkt.systems/resvd/internal/resources"
	"pkt.systems/resvd/internal/storage"
	loggingbackend "pkt.systems/resvd/internal/storage/logging"
	"pkt.systems/resvd/internal/storage/retry"
	"pkt.systems/resvd/internal/tasks"
	"pkt.systems/resvd/internal/taskstatus"
)

// TaskFunc is the body of a registered task.
type TaskFunc = tasks.Func

// DispatchOption customises a single dispatch.
type DispatchOption = tasks.DispatchOption

// DispatchResult describes a dispatched task.
type DispatchResult = tasks.AsyncResult

// ReconcileReport summarises one queue reconciliation pass.
type ReconcileReport = rebalance.Report

var (
	// WithTags attaches tags to a dispatched task.
	WithTags = tasks.WithTags
	// WithTaskID pins the id of a dispatched task.
	WithTaskID = tasks.WithTaskID
	// OnQueue routes a plain dispatch to a specific queue.
	OnQueue = tasks.OnQueue
	// ReportProgress stores progress for the task executing under ctx.
	ReportProgress = tasks.ReportProgress
	// TaskID returns the id of the task executing under ctx.
	TaskID = tasks.TaskID
)

// Server wires storage, the in-process broker, the reservation machinery and
// the HTTP API.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	backend    storage.Backend
	ownBackend bool
	broker     *broker.Local
	statuses   *taskstatus.Store
	resources  *resources.Store
	manager    *reservation.Manager
	wrapper    *tasks.Wrapper
	rebalancer *rebalance.Rebalancer
	httpSrv    *http.Server
	telemetry  *telemetry

	mu            sync.Mutex
	listener      net.Listener
	shutdown      bool
	lastServeErr  error
	readyOnce     sync.Once
	readyCh       chan struct{}
	babysitCancel context.CancelFunc
	babysitDone   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
	Tasks   map[string]TaskFunc
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The server
// does not close injected backends.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithTask registers an application task body under name.
func WithTask(name string, fn TaskFunc) Option {
	return func(o *options) {
		if o.Tasks == nil {
			o.Tasks = make(map[string]TaskFunc)
		}
		o.Tasks[name] = fn
	}
}

// NewServer constructs a resvd server according to cfg. The broker starts
// consuming and one reconcile pass runs before NewServer returns, so
// reservations can be made as soon as it does.
//
//	srv, err := resvd.NewServer(resvd.Config{Store: "sqlite:///var/lib/resvd/state.db"},
//	    resvd.WithTask("render", render))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := clock.Ensure(o.Clock)

	registry := tasks.NewRegistry()
	registerBuiltinTasks(registry)
	for name, fn := range o.Tasks {
		if err := registry.Register(name, fn); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	tel, err := startTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "server"),
		clock:     serverClock,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.broker != nil {
			_ = s.broker.Close(shutdownCtx)
		}
		if s.ownBackend && s.backend != nil {
			_ = s.backend.Close()
		}
		_ = tel.Shutdown(shutdownCtx)
	}

	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(ctx, cfg)
		if err != nil {
			cleanup()
			return nil, err
		}
		s.ownBackend = true
	}
	s.backend = backend
	if !cfg.DisableStorageTracing {
		backend = loggingbackend.Wrap(backend, logger, "storage.backend")
	}
	backend = retry.Wrap(backend, loggingutil.WithSubsystem(logger, "storage.retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	s.statuses = taskstatus.New(backend, serverClock)
	s.resources = resources.New(backend, serverClock)
	s.manager = reservation.New(s.resources, reservation.WithLogger(logger), reservation.WithClock(serverClock))
	s.broker = broker.NewLocal(broker.WithLogger(logger), broker.WithClock(serverClock))
	s.wrapper = tasks.New(s.broker, s.statuses, s.manager, registry,
		tasks.WithLogger(logger),
		tasks.WithClock(serverClock),
		tasks.WithCoordinationQueue(cfg.CoordinationQueue),
		tasks.WithDefaultQueue(cfg.DefaultQueue),
	)
	s.rebalancer = rebalance.New(s.broker, s.resources, rebalance.Config{
		Prefix:       cfg.ReservedWorkerPrefix,
		Interval:     cfg.BabysitInterval,
		MissingGrace: cfg.BabysitMissingGrace,
	}, rebalance.WithLogger(logger), rebalance.WithClock(serverClock), rebalance.WithDeleter(s.wrapper))

	if err := s.recoverState(ctx); err != nil {
		cleanup()
		return nil, err
	}
	if err := s.startWorkers(); err != nil {
		cleanup()
		return nil, err
	}
	report, err := s.rebalancer.Reconcile(ctx)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("initial reconcile: %w", err)
	}
	s.logger.Info("server.reconcile.initial", "queues", report.Observed, "created", len(report.Created), "deleted", len(report.Deleted))

	handler := httpapi.New(httpapi.Config{
		Tasks:              s.wrapper,
		Statuses:           s.statuses,
		Resources:          s.resources,
		Reconciler:         s.rebalancer,
		QueueDepth:         s.broker.QueueDepth,
		Logger:             logger,
		JSONMaxBytes:       cfg.JSONMaxBytes,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// LostOnRestart is the traceback recorded on tasks that were waiting or
// running when the previous server process stopped.
const LostOnRestart = "lost on restart: the task was queued in a previous server process"

// recoverState clears what the previous process left behind. The broker is
// in-memory, so every pending body and release died with it; persisted
// reservations and statuses that still refer to them would never settle.
func (s *Server) recoverState(ctx context.Context) error {
	dropped, err := s.manager.Reset(ctx)
	if err != nil {
		return fmt.Errorf("recover reservations: %w", err)
	}
	abandoned, err := s.wrapper.AbandonIncomplete(ctx, LostOnRestart)
	if err != nil {
		return fmt.Errorf("recover task statuses: %w", err)
	}
	if dropped > 0 || abandoned > 0 {
		s.logger.Warn("server.recover.done", "reservations", dropped, "tasks", abandoned)
	}
	return nil
}

// startWorkers binds the coordination worker, the default worker and the
// reserved workers. Reserved workers start without queues; reconciliation
// binds each one to its dedicated queue.
func (s *Server) startWorkers() error {
	if err := s.broker.AddWorker(s.cfg.CoordinationQueue, s.cfg.CoordinationQueue); err != nil {
		return err
	}
	if err := s.broker.AddWorker(s.cfg.DefaultQueue, s.cfg.DefaultQueue); err != nil {
		return err
	}
	for _, name := range s.cfg.ReservedWorkerNames() {
		if err := s.broker.AddWorker(name); err != nil {
			return err
		}
	}
	return s.broker.Start(s.wrapper)
}

func registerBuiltinTasks(registry *tasks.Registry) {
	registry.MustRegister("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args, nil
	})
	registry.MustRegister("sleep", func(ctx context.Context, args json.RawMessage) (any, error) {
		var req struct {
			DurationMS int64 `json:"duration_ms"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("sleep: decode args: %w", err)
			}
		}
		timer := time.NewTimer(time.Duration(req.DurationMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return map[string]int64{"slept_ms": req.DurationMS}, nil
		}
	})
}

// Handler exposes the HTTP handler so embedders can mount it on their own mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Dispatch enqueues a tracked task without a reservation.
func (s *Server) Dispatch(ctx context.Context, task string, args any, opts ...DispatchOption) (DispatchResult, error) {
	return s.wrapper.Dispatch(ctx, task, args, opts...)
}

// DispatchWithReservation runs task on the queue reserved for
// resourceType:resourceID.
func (s *Server) DispatchWithReservation(ctx context.Context, resourceType, resourceID, task string, args any, opts ...DispatchOption) (DispatchResult, error) {
	return s.wrapper.DispatchWithReservation(ctx, resourceType, resourceID, task, args, opts...)
}

// Cancel revokes a tracked task.
func (s *Server) Cancel(ctx context.Context, taskID string) error {
	return s.wrapper.Cancel(ctx, taskID)
}

// Reconcile runs one queue reconciliation pass.
func (s *Server) Reconcile(ctx context.Context) (ReconcileReport, error) {
	return s.rebalancer.Reconcile(ctx)
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	if !s.cfg.DisableBabysit {
		babysitCtx, cancel := context.WithCancel(context.Background())
		s.babysitCancel = cancel
		s.babysitDone = make(chan struct{})
		go func() {
			defer close(s.babysitDone)
			_ = s.rebalancer.Run(babysitCtx)
		}()
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening", "network", "tcp", "address", ln.Addr().String(), "store", s.cfg.Store, "workers", s.cfg.Workers)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancelBabysit, babysitDone := s.babysitCancel, s.babysitDone
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if cancelBabysit != nil {
		cancelBabysit()
		select {
		case <-babysitDone:
		case <-ctx.Done():
		}
	}
	if err := s.broker.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("broker shutdown: %w", err))
	}
	if s.ownBackend {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastServeErr = err
}

// LastServeError returns the most recent error returned by the HTTP serve loop.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and waits until it listens.
// The returned stop function shuts it down; it also runs when ctx ends.
//
//	srv, stop, err := resvd.StartServer(ctx, resvd.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyErr := make(chan error, 1)
	go func() {
		readyErr <- srv.WaitUntilReady(waitCtx)
	}()
	select {
	case err := <-readyErr:
		if err != nil {
			_ = srv.Close()
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = fmt.Errorf("server stopped before listening")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout+time.Second)
			defer cancel()
			_ = stop(shutdownCtx)
		}()
	}
	return srv, stop, nil
}
