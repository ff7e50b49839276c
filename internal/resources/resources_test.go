package resources_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/resources"
	"pkt.systems/resvd/internal/storage/memory"
)

func newStore(t *testing.T) (*resources.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	return resources.New(memory.New(), clk), clk
}

func TestReservationLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore(t)

	if _, err := store.GetReservation(ctx, "repo:1"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	rec, err := store.CreateReservation(ctx, "repo:1", "q1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Count != 1 || rec.Queue != "q1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := store.CreateReservation(ctx, "repo:1", "q2"); !errors.Is(err, resources.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	rec, err = store.IncrementReservation(ctx, "repo:1")
	if err != nil || rec.Count != 2 {
		t.Fatalf("increment: %+v %v", rec, err)
	}
	rec, deleted, err := store.DecrementReservation(ctx, "repo:1")
	if err != nil || deleted || rec.Count != 1 {
		t.Fatalf("first decrement: %+v deleted=%v err=%v", rec, deleted, err)
	}
	_, deleted, err = store.DecrementReservation(ctx, "repo:1")
	if err != nil || !deleted {
		t.Fatalf("second decrement should delete: deleted=%v err=%v", deleted, err)
	}
	if _, err := store.GetReservation(ctx, "repo:1"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
	if _, _, err := store.DecrementReservation(ctx, "repo:1"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing decrement, got %v", err)
	}
	if _, err := store.IncrementReservation(ctx, "repo:1"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing increment, got %v", err)
	}
}

func TestListReservationsByQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore(t)

	for _, pair := range [][2]string{{"a:1", "q1"}, {"a:2", "q2"}, {"a:3", "q1"}} {
		if _, err := store.CreateReservation(ctx, pair[0], pair[1]); err != nil {
			t.Fatalf("create %s: %v", pair[0], err)
		}
	}
	all, err := store.ListReservations(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
	pinned, err := store.ListReservationsByQueue(ctx, "q1")
	if err != nil {
		t.Fatalf("list q1: %v", err)
	}
	if len(pinned) != 2 || pinned[0].Resource != "a:1" || pinned[1].Resource != "a:3" {
		t.Fatalf("unexpected q1 reservations %+v", pinned)
	}
	if err := store.DeleteReservation(ctx, "a:2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteReservation(ctx, "a:2"); err != nil {
		t.Fatalf("delete is idempotent: %v", err)
	}
}

func TestQueueLoadClampsAtZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore(t)

	created, err := store.CreateQueueLoad(ctx, "q1")
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if created, _ := store.CreateQueueLoad(ctx, "q1"); created {
		t.Fatal("second create should report existing")
	}
	rec, found, err := store.DecrementQueueLoad(ctx, "q1")
	if err != nil || !found || rec.Count != 0 {
		t.Fatalf("decrement at zero: %+v found=%v err=%v", rec, found, err)
	}
	if _, found, err := store.DecrementQueueLoad(ctx, "missing"); err != nil || found {
		t.Fatalf("missing decrement should be a no-op: found=%v err=%v", found, err)
	}
	if _, err := store.GetQueueLoad(ctx, "missing"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("decrement must not create records, got %v", err)
	}
}

func TestIncrementQueueLoadRecreatesMissingRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore(t)

	rec, err := store.IncrementQueueLoad(ctx, "q9")
	if err != nil || rec.Count != 1 {
		t.Fatalf("increment missing: %+v %v", rec, err)
	}
	rec, err = store.IncrementQueueLoad(ctx, "q9")
	if err != nil || rec.Count != 2 {
		t.Fatalf("increment existing: %+v %v", rec, err)
	}
	if err := store.DeleteQueueLoad(ctx, "q9"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	loads, err := store.ListQueueLoads(ctx)
	if err != nil || len(loads) != 0 {
		t.Fatalf("expected no loads, got %+v %v", loads, err)
	}
}

func TestMissingSinceStampIsSticky(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clk := newStore(t)

	if _, err := store.CreateQueueLoad(ctx, "q1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := clk.Now()
	rec, err := store.MarkQueueMissing(ctx, "q1", first)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	since, ok := rec.MissingSince()
	if !ok || !since.Equal(first) {
		t.Fatalf("expected missing since %v, got %v ok=%v", first, since, ok)
	}
	rec, err = store.MarkQueueMissing(ctx, "q1", clk.Advance(time.Minute))
	if err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	if since, _ := rec.MissingSince(); !since.Equal(first) {
		t.Fatalf("stamp moved to %v", since)
	}
	rec, err = store.ClearQueueMissing(ctx, "q1")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := rec.MissingSince(); ok {
		t.Fatal("expected stamp cleared")
	}
	if _, err := store.MarkQueueMissing(ctx, "nope", first); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentQueueLoadUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore(t)
	if _, err := store.CreateQueueLoad(ctx, "q1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := store.IncrementQueueLoad(ctx, "q1"); err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	rec, err := store.GetQueueLoad(ctx, "q1")
	if err != nil || rec.Count != 80 {
		t.Fatalf("expected 80, got %+v %v", rec, err)
	}
}

func TestResetQueueLoadKeepsMissingStamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore(t)

	for i := 0; i < 3; i++ {
		if _, err := store.IncrementQueueLoad(ctx, "q1"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	stamp := time.Unix(1_700_000_500, 0)
	if _, err := store.MarkQueueMissing(ctx, "q1", stamp); err != nil {
		t.Fatalf("mark missing: %v", err)
	}
	rec, err := store.ResetQueueLoad(ctx, "q1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if rec.Count != 0 {
		t.Fatalf("expected count 0, got %d", rec.Count)
	}
	if since, ok := rec.MissingSince(); !ok || !since.Equal(stamp) {
		t.Fatalf("missing stamp lost: %v %v", since, ok)
	}
	if _, err := store.ResetQueueLoad(ctx, "missing"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("reset of unknown queue: %v", err)
	}
}
