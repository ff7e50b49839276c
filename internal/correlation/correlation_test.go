package correlation_test

import (
	"context"
	"strings"
	"testing"

	"pkt.systems/resvd/internal/correlation"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	if got, ok := correlation.Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := correlation.Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := correlation.Normalize(strings.Repeat("a", correlation.MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := correlation.Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestWithAndEnsure(t *testing.T) {
	t.Parallel()

	ctx := correlation.With(context.Background(), "req-1")
	if got := correlation.ID(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	if got := correlation.ID(correlation.Ensure(ctx)); got != "req-1" {
		t.Fatalf("Ensure replaced existing id: %q", got)
	}
	if correlation.ID(correlation.With(context.Background(), "\x00")) != "" {
		t.Fatal("invalid id should not be stored")
	}
	generated := correlation.ID(correlation.Ensure(context.Background()))
	if generated == "" {
		t.Fatal("expected generated id")
	}
}
