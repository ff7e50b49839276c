package reservation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/reservation"
	"pkt.systems/resvd/internal/resources"
	"pkt.systems/resvd/internal/storage/memory"
)

type harness struct {
	store   *resources.Store
	manager *reservation.Manager
}

func newHarness(t *testing.T, loads map[string]int64) harness {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := resources.New(memory.New(), clk)
	ctx := context.Background()
	for queue, count := range loads {
		if _, err := store.CreateQueueLoad(ctx, queue); err != nil {
			t.Fatalf("create queue %s: %v", queue, err)
		}
		for i := int64(0); i < count; i++ {
			if _, err := store.IncrementQueueLoad(ctx, queue); err != nil {
				t.Fatalf("seed queue %s: %v", queue, err)
			}
		}
	}
	return harness{store: store, manager: reservation.New(store, reservation.WithClock(clk))}
}

func (h harness) load(t *testing.T, queue string) int64 {
	t.Helper()
	rec, err := h.store.GetQueueLoad(context.Background(), queue)
	if err != nil {
		t.Fatalf("get queue %s: %v", queue, err)
	}
	return rec.Count
}

func (h harness) reservation(t *testing.T, resource string) (resources.Reservation, bool) {
	t.Helper()
	rec, err := h.store.GetReservation(context.Background(), resource)
	if errors.Is(err, resources.ErrNotFound) {
		return resources.Reservation{}, false
	}
	if err != nil {
		t.Fatalf("get reservation %s: %v", resource, err)
	}
	return rec, true
}

func TestReserveWithoutQueuesFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.manager.Reserve(context.Background(), "repository:1")
	if !errors.Is(err, reservation.ErrNoAvailableQueues) {
		t.Fatalf("expected ErrNoAvailableQueues, got %v", err)
	}
	if _, ok := h.reservation(t, "repository:1"); ok {
		t.Fatal("no reservation must be created")
	}
}

func TestReservePicksLeastLoadedQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"reserved_worker_1": 7, "reserved_worker_2": 3, "reserved_worker_3": 10})
	ctx := context.Background()

	queue, err := h.manager.Reserve(ctx, "repository:1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if queue != "reserved_worker_2" {
		t.Fatalf("expected reserved_worker_2, got %s", queue)
	}
	if got := h.load(t, "reserved_worker_2"); got != 4 {
		t.Fatalf("expected load 4, got %d", got)
	}
	rec, ok := h.reservation(t, "repository:1")
	if !ok || rec.Count != 1 || rec.Queue != "reserved_worker_2" {
		t.Fatalf("unexpected reservation %+v ok=%v", rec, ok)
	}
	if h.load(t, "reserved_worker_1") != 7 || h.load(t, "reserved_worker_3") != 10 {
		t.Fatal("other queue loads must not change")
	}
}

func TestReserveExistingReusesQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q1": 0, "q2": 5})
	ctx := context.Background()

	first, err := h.manager.Reserve(ctx, "repository:1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Make the other queue look more attractive; the pin must hold.
	if _, err := h.store.IncrementQueueLoad(ctx, first); err != nil {
		t.Fatalf("bump: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := h.store.IncrementQueueLoad(ctx, first); err != nil {
			t.Fatalf("bump: %v", err)
		}
	}
	before := h.load(t, first)
	second, err := h.manager.Reserve(ctx, "repository:1")
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if second != first {
		t.Fatalf("expected %s, got %s", first, second)
	}
	if got := h.load(t, first); got != before {
		t.Fatalf("existing reservation must not change queue load: %d -> %d", before, got)
	}
	rec, _ := h.reservation(t, "repository:1")
	if rec.Count != 2 {
		t.Fatalf("expected count 2, got %d", rec.Count)
	}
}

func TestReserveBreaksTiesByName(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q_c": 1, "q_a": 1, "q_b": 1})

	queue, err := h.manager.Reserve(context.Background(), "repository:1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if queue != "q_a" {
		t.Fatalf("expected q_a, got %s", queue)
	}
}

func TestReserveAvoidsQueuesMarkedMissing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q1": 0, "q2": 4})
	ctx := context.Background()
	if _, err := h.store.MarkQueueMissing(ctx, "q1", time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("mark: %v", err)
	}

	queue, err := h.manager.Reserve(ctx, "repository:1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if queue != "q2" {
		t.Fatalf("expected q2, got %s", queue)
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q1": 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.manager.Reserve(ctx, "repository:1"); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if got := h.load(t, "q1"); got != 3 {
		t.Fatalf("expected load 3, got %d", got)
	}
	for i := 0; i < 2; i++ {
		if err := h.manager.Release(ctx, "repository:1"); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		if got := h.load(t, "q1"); got != 3 {
			t.Fatalf("partial release changed load to %d", got)
		}
	}
	if err := h.manager.Release(ctx, "repository:1"); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if _, ok := h.reservation(t, "repository:1"); ok {
		t.Fatal("reservation should be deleted")
	}
	if got := h.load(t, "q1"); got != 2 {
		t.Fatalf("expected load restored to 2, got %d", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q1": 0})
	ctx := context.Background()

	if err := h.manager.Release(ctx, "unknown:1"); err != nil {
		t.Fatalf("release unknown: %v", err)
	}
	if _, err := h.manager.Reserve(ctx, "repository:1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := h.manager.Release(ctx, "repository:1"); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if got := h.load(t, "q1"); got != 0 {
		t.Fatalf("expected load 0, got %d", got)
	}
}

func TestReleaseClampsQueueLoad(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q1": 0})
	ctx := context.Background()

	if _, err := h.store.CreateReservation(ctx, "repository:1", "q1"); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	if err := h.manager.Release(ctx, "repository:1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := h.load(t, "q1"); got != 0 {
		t.Fatalf("load went to %d", got)
	}
}

func TestReleaseWithMissingQueueRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.store.CreateReservation(ctx, "repository:1", "gone"); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	if err := h.manager.Release(ctx, "repository:1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := h.store.GetQueueLoad(ctx, "gone"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("release must not create queue records, got %v", err)
	}
}

func TestReserveRecreatesVanishedQueueRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q1": 0})
	ctx := context.Background()

	if _, err := h.manager.Reserve(ctx, "a:1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := h.store.DeleteQueueLoad(ctx, "q1"); err != nil {
		t.Fatalf("delete load: %v", err)
	}
	if _, err := h.manager.Reserve(ctx, "a:1"); err != nil {
		t.Fatalf("reserve existing: %v", err)
	}
	if _, err := h.store.GetQueueLoad(ctx, "q1"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("existing reservation must not touch load, got %v", err)
	}
}

func TestReserveRejectsEmptyResource(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q1": 0})

	if _, err := h.manager.Reserve(context.Background(), " "); !errors.Is(err, reservation.ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
	if err := h.manager.Release(context.Background(), ""); !errors.Is(err, reservation.ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
}

func TestDeleteQueueCascades(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q1": 0, "q2": 5})
	ctx := context.Background()

	for _, resource := range []string{"a:1", "a:2"} {
		if _, err := h.manager.Reserve(ctx, resource); err != nil {
			t.Fatalf("reserve %s: %v", resource, err)
		}
	}
	if _, err := h.store.CreateReservation(ctx, "b:1", "q2"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := h.manager.DeleteQueue(ctx, "q1"); err != nil {
		t.Fatalf("delete queue: %v", err)
	}
	for _, resource := range []string{"a:1", "a:2"} {
		if _, ok := h.reservation(t, resource); ok {
			t.Fatalf("%s should be deleted", resource)
		}
	}
	if _, ok := h.reservation(t, "b:1"); !ok {
		t.Fatal("reservation on other queue must survive")
	}
	if _, err := h.store.GetQueueLoad(ctx, "q1"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("queue record should be deleted, got %v", err)
	}
	if err := h.manager.DeleteQueue(ctx, "q1"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestResetDropsReservationsAndZeroesLoads(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]int64{"q1": 0, "q2": 0})
	ctx := context.Background()

	for _, resource := range []string{"a:1", "a:1", "a:2", "a:3"} {
		if _, err := h.manager.Reserve(ctx, resource); err != nil {
			t.Fatalf("reserve %s: %v", resource, err)
		}
	}
	dropped, err := h.manager.Reset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if dropped != 3 {
		t.Fatalf("expected 3 reservations dropped, got %d", dropped)
	}
	for _, resource := range []string{"a:1", "a:2", "a:3"} {
		if _, ok := h.reservation(t, resource); ok {
			t.Fatalf("%s should be gone", resource)
		}
	}
	for _, queue := range []string{"q1", "q2"} {
		if got := h.load(t, queue); got != 0 {
			t.Fatalf("queue %s load %d after reset", queue, got)
		}
	}

	queue, err := h.manager.Reserve(ctx, "a:1")
	if err != nil || queue != "q1" {
		t.Fatalf("reserve after reset: %q, %v", queue, err)
	}
	if dropped, err := h.manager.Reset(ctx); err != nil || dropped != 1 {
		t.Fatalf("second reset: %d, %v", dropped, err)
	}
}
