package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/resvd/internal/storage"
	"pkt.systems/resvd/internal/storage/sqlite"
	"pkt.systems/resvd/internal/storage/storagetest"
)

func TestSQLiteBackendContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store, err := sqlite.Open(context.Background(), sqlite.Config{
			Path: filepath.Join(t.TempDir(), "resvd.db"),
		})
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return store
	})
}

func TestSQLiteReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "resvd.db")
	store, err := sqlite.Open(ctx, sqlite.Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	etag, err := store.Put(ctx, "available_queues", "reserved_worker_1", []byte(`{"count":2}`), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := sqlite.Open(ctx, sqlite.Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	obj, err := reopened.Get(ctx, "available_queues", "reserved_worker_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if obj.ETag != etag || string(obj.Value) != `{"count":2}` {
		t.Fatalf("unexpected object after reopen: %+v", obj)
	}
}

func TestSQLiteRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := sqlite.Open(context.Background(), sqlite.Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
