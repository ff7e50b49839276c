package resvd

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"pkt.systems/resvd/internal/storage/bolt"
	"pkt.systems/resvd/internal/storage/memory"
	"pkt.systems/resvd/internal/storage/sqlite"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, err := openBackend(context.Background(), Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestOpenBackendSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	backend, err := openBackend(context.Background(), Config{Store: "sqlite://" + path, SQLiteBusyTimeout: DefaultSQLiteBusyTimeout})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite backend, got %T", backend)
	}
}

func TestOpenBackendBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.bolt")
	backend, err := openBackend(context.Background(), Config{Store: "bolt://" + path})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*bolt.Store); !ok {
		t.Fatalf("expected bolt backend, got %T", backend)
	}
}

func TestOpenBackendRejectsUnknownScheme(t *testing.T) {
	if _, err := openBackend(context.Background(), Config{Store: "s3://bucket"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStorePath(t *testing.T) {
	cases := map[string]string{
		"sqlite:///var/lib/resvd/state.db": "/var/lib/resvd/state.db",
		"sqlite://data/state.db":           "data/state.db",
		"bolt://state.db":                  "state.db",
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		got, err := storePath(u)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%s: expected %q, got %q", raw, want, got)
		}
	}
	u, _ := url.Parse("sqlite://")
	if _, err := storePath(u); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
