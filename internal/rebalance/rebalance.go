// Package rebalance keeps queue load records in line with the live worker
// topology: dedicated queues of reserved workers get a record, records of
// vanished queues are removed and reserved workers are bound to their own
// queue.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/loggingutil"
	"pkt.systems/resvd/internal/resources"
)

const (
	// DefaultPrefix marks workers that own a dedicated queue.
	DefaultPrefix = "reserved_resource_worker-"
	// DefaultInterval is the pause between reconcile passes.
	DefaultInterval = 90 * time.Second
)

// Topology is the broker view the rebalancer reconciles against.
type Topology interface {
	ActiveQueues(ctx context.Context) (map[string][]string, error)
	AddConsumer(ctx context.Context, queue, worker string) error
}

// QueueDeleter removes a vanished queue together with whatever is pinned to it.
type QueueDeleter interface {
	DeleteQueue(ctx context.Context, queue string) error
}

// Config tunes reconciliation.
type Config struct {
	// Prefix selects reserved workers by name.
	Prefix string
	// Interval separates passes in Run.
	Interval time.Duration
	// MissingGrace delays deletion of a record whose queue vanished. Zero
	// deletes on the first pass that misses it.
	MissingGrace time.Duration
}

// Report summarises one reconcile pass.
type Report struct {
	Observed       []string `json:"observed"`
	Created        []string `json:"created,omitempty"`
	Restored       []string `json:"restored,omitempty"`
	MarkedMissing  []string `json:"marked_missing,omitempty"`
	Deleted        []string `json:"deleted,omitempty"`
	ConsumersAdded []string `json:"consumers_added,omitempty"`
}

// Rebalancer reconciles queue load records against a Topology.
type Rebalancer struct {
	topology Topology
	store    *resources.Store
	deleter  QueueDeleter
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
}

// Option customises a Rebalancer.
type Option func(*Rebalancer)

// WithLogger sets the rebalancer logger.
func WithLogger(logger pslog.Logger) Option {
	return func(r *Rebalancer) {
		r.logger = logger
	}
}

// WithClock sets the clock driving Run and the missing grace period.
func WithClock(clk clock.Clock) Option {
	return func(r *Rebalancer) {
		r.clock = clk
	}
}

// WithDeleter routes record deletion through d instead of dropping only the
// load record.
func WithDeleter(d QueueDeleter) Option {
	return func(r *Rebalancer) {
		r.deleter = d
	}
}

// New builds a Rebalancer. Zero Config fields take the package defaults.
func New(topology Topology, store *resources.Store, cfg Config, opts ...Option) *Rebalancer {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MissingGrace < 0 {
		cfg.MissingGrace = 0
	}
	r := &Rebalancer{topology: topology, store: store, cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = loggingutil.WithSubsystem(r.logger, "rebalance.babysit")
	r.clock = clock.Ensure(r.clock)
	return r
}

// Reconcile runs one pass. A topology failure aborts the pass; failures on
// individual queues are joined and returned after the rest of the pass ran.
func (r *Rebalancer) Reconcile(ctx context.Context) (Report, error) {
	var report Report
	active, err := r.topology.ActiveQueues(ctx)
	if err != nil {
		return report, fmt.Errorf("rebalance: active queues: %w", err)
	}
	for worker := range active {
		if strings.HasPrefix(worker, r.cfg.Prefix) {
			report.Observed = append(report.Observed, worker)
		}
	}
	slices.Sort(report.Observed)

	loads, err := r.store.ListQueueLoads(ctx)
	if err != nil {
		return report, fmt.Errorf("rebalance: list queue loads: %w", err)
	}
	known := make(map[string]resources.QueueLoad, len(loads))
	for _, load := range loads {
		known[load.Queue] = load
	}

	var errs []error
	for _, queue := range report.Observed {
		load, ok := known[queue]
		if !ok {
			created, err := r.store.CreateQueueLoad(ctx, queue)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if created {
				report.Created = append(report.Created, queue)
				r.logger.Info("rebalance.queue.created", "queue", queue)
			}
			continue
		}
		if _, missing := load.MissingSince(); missing {
			if _, err := r.store.ClearQueueMissing(ctx, queue); err != nil && !errors.Is(err, resources.ErrNotFound) {
				errs = append(errs, err)
				continue
			}
			report.Restored = append(report.Restored, queue)
			r.logger.Info("rebalance.queue.restored", "queue", queue)
		}
	}

	now := r.clock.Now()
	for _, load := range loads {
		if slices.Contains(report.Observed, load.Queue) {
			continue
		}
		if r.cfg.MissingGrace > 0 {
			since, marked := load.MissingSince()
			if !marked {
				if _, err := r.store.MarkQueueMissing(ctx, load.Queue, now); err != nil && !errors.Is(err, resources.ErrNotFound) {
					errs = append(errs, err)
					continue
				}
				report.MarkedMissing = append(report.MarkedMissing, load.Queue)
				r.logger.Warn("rebalance.queue.missing", "queue", load.Queue, "grace", r.cfg.MissingGrace)
				continue
			}
			if now.Sub(since) < r.cfg.MissingGrace {
				continue
			}
		}
		if err := r.deleteQueue(ctx, load.Queue); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Deleted = append(report.Deleted, load.Queue)
		r.logger.Info("rebalance.queue.deleted", "queue", load.Queue, "load", load.Count)
	}

	for _, worker := range report.Observed {
		if slices.Contains(active[worker], worker) {
			continue
		}
		if err := r.topology.AddConsumer(ctx, worker, worker); err != nil {
			errs = append(errs, fmt.Errorf("rebalance: add consumer %s: %w", worker, err))
			continue
		}
		report.ConsumersAdded = append(report.ConsumersAdded, worker)
		r.logger.Info("rebalance.consumer.added", "worker", worker)
	}

	if err := errors.Join(errs...); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Rebalancer) deleteQueue(ctx context.Context, queue string) error {
	if r.deleter != nil {
		return r.deleter.DeleteQueue(ctx, queue)
	}
	return r.store.DeleteQueueLoad(ctx, queue)
}

// Run reconciles immediately and then every Interval until ctx is done.
// Failed passes are logged and retried on the next tick.
func (r *Rebalancer) Run(ctx context.Context) error {
	r.logger.Info("rebalance.loop.start", "interval", r.cfg.Interval, "prefix", r.cfg.Prefix, "missing_grace", r.cfg.MissingGrace)
	for {
		report, err := r.Reconcile(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("rebalance.pass.failed", "error", err)
		} else {
			r.logger.Debug("rebalance.pass.complete",
				"observed", len(report.Observed),
				"created", len(report.Created),
				"deleted", len(report.Deleted),
				"consumers_added", len(report.ConsumersAdded),
			)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("rebalance.loop.stop")
			return nil
		case <-r.clock.After(r.cfg.Interval):
		}
	}
}
