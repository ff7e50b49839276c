package bolt_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/resvd/internal/storage"
	"pkt.systems/resvd/internal/storage/bolt"
	"pkt.systems/resvd/internal/storage/storagetest"
)

func TestBoltBackendContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store, err := bolt.Open(bolt.Config{Path: filepath.Join(t.TempDir(), "resvd.bolt")})
		if err != nil {
			t.Fatalf("open bolt: %v", err)
		}
		return store
	})
}

func TestBoltSecondOpenTimesOutAsTransient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.bolt")
	first, err := bolt.Open(bolt.Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer first.Close()

	_, err = bolt.Open(bolt.Config{Path: path, OpenTimeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected second open to fail while the file is locked")
	}
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestBoltListStartAfterBeforePrefix(t *testing.T) {
	ctx := context.Background()
	store, err := bolt.Open(bolt.Config{Path: filepath.Join(t.TempDir(), "list.bolt")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	for _, key := range []string{"a", "b:1", "b:2"} {
		if _, err := store.Put(ctx, "t", key, []byte("v"), storage.PutOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	res, err := store.List(ctx, "t", storage.ListOptions{Prefix: "b:", StartAfter: "a"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].Key != "b:1" {
		t.Fatalf("unexpected objects %+v", res.Objects)
	}
}
