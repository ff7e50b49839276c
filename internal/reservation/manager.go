// Package reservation pins resources to dedicated queues. A resource reserved
// for the first time lands on the least-loaded known queue; further
// reservations reuse that queue until every reservation has been released.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/loggingutil"
	"pkt.systems/resvd/internal/resources"
)

var (
	// ErrNoAvailableQueues is returned by Reserve when no queue load records
	// exist to pin a new resource to.
	ErrNoAvailableQueues = errors.New("reservation: no available queues")
	// ErrInvalidResource is returned for an empty resource name.
	ErrInvalidResource = errors.New("reservation: invalid resource name")
)

// Manager implements reserve/release bookkeeping over a resources.Store.
type Manager struct {
	store   *resources.Store
	logger  pslog.Logger
	clock   clock.Clock
	metrics *metrics
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the clock used for duration metrics.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
	}
}

// New builds a Manager over store.
func New(store *resources.Store, opts ...Option) *Manager {
	m := &Manager{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = loggingutil.WithSubsystem(m.logger, "reservation.manager")
	m.clock = clock.Ensure(m.clock)
	m.metrics = newMetrics(m.logger)
	return m
}

// Reserve returns the queue resource is pinned to, pinning it to the
// least-loaded queue when it has no reservation yet.
func (m *Manager) Reserve(ctx context.Context, resource string) (string, error) {
	if strings.TrimSpace(resource) == "" {
		return "", ErrInvalidResource
	}
	begin := m.clock.Now()
	queue, outcome, err := m.reserve(ctx, resource)
	m.metrics.recordReserve(ctx, outcome, clock.Since(m.clock, begin))
	if err != nil {
		if !errors.Is(err, ErrNoAvailableQueues) {
			m.logger.Warn("reservation.reserve.error", "resource", resource, "error", err)
		}
		return "", err
	}
	return queue, nil
}

func (m *Manager) reserve(ctx context.Context, resource string) (string, string, error) {
	for {
		rec, err := m.store.IncrementReservation(ctx, resource)
		if err == nil {
			m.logger.Debug("reservation.reserve.existing", "resource", resource, "queue", rec.Queue, "count", rec.Count)
			return rec.Queue, "existing", nil
		}
		if !errors.Is(err, resources.ErrNotFound) {
			return "", "error", fmt.Errorf("reserve %q: %w", resource, err)
		}

		loads, err := m.store.ListQueueLoads(ctx)
		if err != nil {
			return "", "error", fmt.Errorf("reserve %q: %w", resource, err)
		}
		queue, ok := leastLoaded(loads)
		if !ok {
			m.logger.Warn("reservation.reserve.no_queues", "resource", resource)
			return "", "no_queues", ErrNoAvailableQueues
		}
		if _, err := m.store.CreateReservation(ctx, resource, queue); err != nil {
			if errors.Is(err, resources.ErrExists) {
				// Another reserve pinned it first; join that reservation.
				continue
			}
			return "", "error", fmt.Errorf("reserve %q: %w", resource, err)
		}
		load, err := m.store.IncrementQueueLoad(ctx, queue)
		if err != nil {
			return "", "error", fmt.Errorf("reserve %q: increment load of %q: %w", resource, queue, err)
		}
		m.metrics.setLoad(queue, load.Count)
		m.logger.Info("reservation.reserve.assigned", "resource", resource, "queue", queue, "queue_load", load.Count)
		return queue, "assigned", nil
	}
}

// leastLoaded picks the queue with the lowest count. Loads are listed in
// ascending name order so the first minimum wins ties. Queues currently
// missing from the worker topology are only used when nothing else exists.
func leastLoaded(loads []resources.QueueLoad) (string, bool) {
	pick := func(skipMissing bool) (string, bool) {
		best := -1
		for i, load := range loads {
			if _, missing := load.MissingSince(); missing && skipMissing {
				continue
			}
			if best < 0 || load.Count < loads[best].Count {
				best = i
			}
		}
		if best < 0 {
			return "", false
		}
		return loads[best].Queue, true
	}
	if queue, ok := pick(true); ok {
		return queue, true
	}
	return pick(false)
}

// Release drops one reservation of resource. The last release deletes the
// reservation and frees a slot on its queue. Unknown resources are ignored.
func (m *Manager) Release(ctx context.Context, resource string) error {
	if strings.TrimSpace(resource) == "" {
		return ErrInvalidResource
	}
	outcome, err := m.release(ctx, resource)
	m.metrics.recordRelease(ctx, outcome)
	if err != nil {
		m.logger.Warn("reservation.release.error", "resource", resource, "error", err)
	}
	return err
}

func (m *Manager) release(ctx context.Context, resource string) (string, error) {
	rec, deleted, err := m.store.DecrementReservation(ctx, resource)
	if errors.Is(err, resources.ErrNotFound) {
		m.logger.Debug("reservation.release.missing", "resource", resource)
		return "missing", nil
	}
	if err != nil {
		return "error", fmt.Errorf("release %q: %w", resource, err)
	}
	if !deleted {
		m.logger.Debug("reservation.release.decremented", "resource", resource, "queue", rec.Queue, "count", rec.Count)
		return "decremented", nil
	}
	load, found, err := m.store.DecrementQueueLoad(ctx, rec.Queue)
	if err != nil {
		return "error", fmt.Errorf("release %q: decrement load of %q: %w", resource, rec.Queue, err)
	}
	if found {
		m.metrics.setLoad(rec.Queue, load.Count)
	}
	m.logger.Info("reservation.release.freed", "resource", resource, "queue", rec.Queue, "queue_load", load.Count, "queue_known", found)
	return "released", nil
}

// DeleteQueue removes every reservation pinned to queue and then the queue's
// load record. Missing records are ignored.
func (m *Manager) DeleteQueue(ctx context.Context, queue string) error {
	pinned, err := m.store.ListReservationsByQueue(ctx, queue)
	if err != nil {
		return fmt.Errorf("delete queue %q: %w", queue, err)
	}
	for _, rec := range pinned {
		if err := m.store.DeleteReservation(ctx, rec.Resource); err != nil {
			return fmt.Errorf("delete queue %q: %w", queue, err)
		}
	}
	if err := m.store.DeleteQueueLoad(ctx, queue); err != nil {
		return fmt.Errorf("delete queue %q: %w", queue, err)
	}
	m.metrics.dropLoad(queue)
	m.logger.Info("reservation.queue.deleted", "queue", queue, "reservations", len(pinned))
	return nil
}

// Reset drops every reservation and zeroes every queue load. It is only
// correct while no reserve, release or reserved task is queued anywhere,
// which holds at startup because the broker keeps nothing across restarts.
func (m *Manager) Reset(ctx context.Context) (int, error) {
	pinned, err := m.store.ListReservations(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset reservations: %w", err)
	}
	for _, rec := range pinned {
		if err := m.store.DeleteReservation(ctx, rec.Resource); err != nil {
			return 0, fmt.Errorf("reset reservations: %w", err)
		}
	}
	loads, err := m.store.ListQueueLoads(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset queue loads: %w", err)
	}
	for _, load := range loads {
		rec, err := m.store.ResetQueueLoad(ctx, load.Queue)
		if err != nil && !errors.Is(err, resources.ErrNotFound) {
			return 0, fmt.Errorf("reset queue loads: %w", err)
		}
		m.metrics.setLoad(load.Queue, rec.Count)
	}
	if len(pinned) > 0 {
		m.logger.Warn("reservation.reset.dropped", "reservations", len(pinned), "queues", len(loads))
	}
	return len(pinned), nil
}
