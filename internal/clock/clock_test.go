package clock_test

import (
	"testing"
	"time"

	"pkt.systems/resvd/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
}

func TestEnsureDefaultsToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Ensure(nil).(clock.Real); !ok {
		t.Fatal("expected Real clock for nil input")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if clock.Ensure(manual) != manual {
		t.Fatal("expected supplied clock to be returned")
	}
}

func TestManualAdvanceFiresDueTimersInOrder(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	late := clk.After(2 * time.Second)
	early := clk.After(time.Second)
	if clk.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", clk.Pending())
	}

	clk.Advance(time.Second)
	select {
	case got := <-early:
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("early timer did not fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}

	clk.Advance(time.Second)
	select {
	case <-late:
	default:
		t.Fatal("late timer did not fire")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualSetIgnoresBackwardsMoves(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0).UTC()
	clk := clock.NewManual(start)
	clk.Set(start.Add(-time.Hour))
	if !clk.Now().Equal(start) {
		t.Fatalf("clock moved backwards to %v", clk.Now())
	}
	if got := clock.Since(clk, start.Add(-time.Minute)); got != time.Minute {
		t.Fatalf("Since = %v, want 1m", got)
	}
}

func TestManualWaitForTimers(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	go func() {
		clk.Sleep(time.Minute)
	}()
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatal("timer was never registered")
	}
	clk.Advance(time.Minute)
	if clk.WaitForTimers(5, 10*time.Millisecond) {
		t.Fatal("expected wait for five timers to time out")
	}
}
