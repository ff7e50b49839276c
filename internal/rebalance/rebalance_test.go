package rebalance_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/rebalance"
	"pkt.systems/resvd/internal/resources"
	"pkt.systems/resvd/internal/storage/memory"
)

type fakeTopology struct {
	mu      sync.Mutex
	active  map[string][]string
	added   [][2]string
	calls   int
	failErr error
}

func (f *fakeTopology) ActiveQueues(ctx context.Context) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	out := make(map[string][]string, len(f.active))
	for k, v := range f.active {
		out[k] = slices.Clone(v)
	}
	return out, nil
}

func (f *fakeTopology) AddConsumer(ctx context.Context, queue, worker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, [2]string{queue, worker})
	f.active[worker] = append(f.active[worker], queue)
	return nil
}

func (f *fakeTopology) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingDeleter struct {
	store   *resources.Store
	deleted []string
}

func (d *recordingDeleter) DeleteQueue(ctx context.Context, queue string) error {
	d.deleted = append(d.deleted, queue)
	return d.store.DeleteQueueLoad(ctx, queue)
}

func queueNames(t *testing.T, store *resources.Store) []string {
	t.Helper()
	loads, err := store.ListQueueLoads(context.Background())
	if err != nil {
		t.Fatalf("list loads: %v", err)
	}
	names := make([]string, 0, len(loads))
	for _, load := range loads {
		names = append(names, load.Queue)
	}
	return names
}

func TestReconcileTopology(t *testing.T) {
	t.Parallel()
	store := resources.New(memory.New(), nil)
	topo := &fakeTopology{active: map[string][]string{
		"reserved_worker_1": {"reserved_worker_1", "default"},
		"reserved_worker_2": {"reserved_worker_2"},
		"reserved_worker_3": {"default"},
		"general_worker":    {"default"},
	}}
	r := rebalance.New(topo, store, rebalance.Config{Prefix: "reserved_worker"})

	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := strings.Join(queueNames(t, store), ","); got != "reserved_worker_1,reserved_worker_2,reserved_worker_3" {
		t.Fatalf("unexpected queue records %q", got)
	}
	if len(topo.added) != 1 || topo.added[0] != [2]string{"reserved_worker_3", "reserved_worker_3"} {
		t.Fatalf("expected one add_consumer for reserved_worker_3, got %v", topo.added)
	}
	if len(report.Created) != 3 || len(report.ConsumersAdded) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	// A second pass is a no-op.
	report, err = r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(report.Created)+len(report.Deleted)+len(report.ConsumersAdded) != 0 || len(topo.added) != 1 {
		t.Fatalf("second pass changed state: %+v added=%v", report, topo.added)
	}
}

func TestReconcileDeletesStaleRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := resources.New(memory.New(), nil)
	for _, queue := range []string{"reserved_worker_1", "reserved_worker_9"} {
		if _, err := store.CreateQueueLoad(ctx, queue); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		if _, err := store.IncrementQueueLoad(ctx, "reserved_worker_1"); err != nil {
			t.Fatalf("seed load: %v", err)
		}
	}
	topo := &fakeTopology{active: map[string][]string{"reserved_worker_1": {"reserved_worker_1"}}}
	deleter := &recordingDeleter{store: store}
	r := rebalance.New(topo, store, rebalance.Config{Prefix: "reserved_worker"}, rebalance.WithDeleter(deleter))

	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := strings.Join(queueNames(t, store), ","); got != "reserved_worker_1" {
		t.Fatalf("unexpected queue records %q", got)
	}
	if len(deleter.deleted) != 1 || deleter.deleted[0] != "reserved_worker_9" {
		t.Fatalf("expected deleter call for reserved_worker_9, got %v", deleter.deleted)
	}
	load, err := store.GetQueueLoad(ctx, "reserved_worker_1")
	if err != nil || load.Count != 4 {
		t.Fatalf("present record must be untouched, got %+v %v", load, err)
	}
}

func TestReconcileMissingGrace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := resources.New(memory.New(), clk)
	if _, err := store.CreateQueueLoad(ctx, "reserved_worker_1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	topo := &fakeTopology{active: map[string][]string{}}
	r := rebalance.New(topo, store, rebalance.Config{Prefix: "reserved_worker", MissingGrace: time.Minute}, rebalance.WithClock(clk))

	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(report.MarkedMissing) != 1 || len(report.Deleted) != 0 {
		t.Fatalf("expected queue marked missing, got %+v", report)
	}
	clk.Advance(30 * time.Second)
	if report, _ = r.Reconcile(ctx); len(report.Deleted) != 0 {
		t.Fatalf("deleted inside grace period: %+v", report)
	}

	// The worker comes back before the grace period ends.
	topo.mu.Lock()
	topo.active["reserved_worker_1"] = []string{"reserved_worker_1"}
	topo.mu.Unlock()
	if report, _ = r.Reconcile(ctx); len(report.Restored) != 1 {
		t.Fatalf("expected restore, got %+v", report)
	}
	load, err := store.GetQueueLoad(ctx, "reserved_worker_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, missing := load.MissingSince(); missing {
		t.Fatal("missing stamp should be cleared")
	}

	// Gone for good.
	topo.mu.Lock()
	delete(topo.active, "reserved_worker_1")
	topo.mu.Unlock()
	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatalf("mark pass: %v", err)
	}
	clk.Advance(time.Minute)
	report, err = r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("delete pass: %v", err)
	}
	if len(report.Deleted) != 1 {
		t.Fatalf("expected deletion after grace, got %+v", report)
	}
	if _, err := store.GetQueueLoad(ctx, "reserved_worker_1"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
}

func TestReconcileTopologyFailureAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := resources.New(memory.New(), nil)
	if _, err := store.CreateQueueLoad(ctx, "reserved_worker_1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	boom := errors.New("broker down")
	topo := &fakeTopology{failErr: boom}
	r := rebalance.New(topo, store, rebalance.Config{Prefix: "reserved_worker"})

	if _, err := r.Reconcile(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected topology error, got %v", err)
	}
	if got := queueNames(t, store); len(got) != 1 {
		t.Fatalf("failed pass must not delete records, got %v", got)
	}
}

func TestRunReconcilesOnInterval(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := resources.New(memory.New(), clk)
	topo := &fakeTopology{active: map[string][]string{"reserved_worker_1": {"default"}}}
	r := rebalance.New(topo, store, rebalance.Config{Prefix: "reserved_worker", Interval: time.Minute}, rebalance.WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	if !clk.WaitForTimers(1, 5*time.Second) {
		t.Fatal("run loop never scheduled its timer")
	}
	if got := topo.callCount(); got != 1 {
		t.Fatalf("expected one pass before the first tick, got %d", got)
	}
	clk.Advance(time.Minute)
	if !clk.WaitForTimers(1, 5*time.Second) {
		t.Fatal("run loop never rescheduled")
	}
	if got := topo.callCount(); got != 2 {
		t.Fatalf("expected two passes, got %d", got)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestReconcileBindsWorkerWithEmptyBindings(t *testing.T) {
	t.Parallel()
	store := resources.New(memory.New(), nil)
	topo := &fakeTopology{active: map[string][]string{
		"reserved_worker_1": {"reserved_worker_1", "default"},
		"reserved_worker_2": {"reserved_worker_2"},
		"reserved_worker_3": {},
		"general_worker":    {"default"},
	}}
	r := rebalance.New(topo, store, rebalance.Config{Prefix: "reserved_worker"})

	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := strings.Join(queueNames(t, store), ","); got != "reserved_worker_1,reserved_worker_2,reserved_worker_3" {
		t.Fatalf("unexpected queue records %q", got)
	}
	if len(topo.added) != 1 || topo.added[0] != [2]string{"reserved_worker_3", "reserved_worker_3"} {
		t.Fatalf("expected one add_consumer for reserved_worker_3, got %v", topo.added)
	}
	if len(report.Created) != 3 || len(report.ConsumersAdded) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}
