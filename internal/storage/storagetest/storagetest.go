// Package storagetest holds the behavioural checks every storage.Backend
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"pkt.systems/resvd/internal/storage"
)

// Factory returns a fresh, empty backend. Run closes it when the subtest ends.
type Factory func(t *testing.T) storage.Backend

// Run executes the backend contract against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, storage.Backend)
	}{
		{"GetMissing", testGetMissing},
		{"CreateOnly", testCreateOnly},
		{"CompareAndSwap", testCompareAndSwap},
		{"Delete", testDelete},
		{"ListOrderAndPaging", testListOrderAndPaging},
		{"ListPrefix", testListPrefix},
		{"TablesAreIsolated", testTablesAreIsolated},
		{"ConcurrentIncrements", testConcurrentIncrements},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newBackend(t)
			t.Cleanup(func() { _ = backend.Close() })
			tc.fn(t, backend)
		})
	}
}

func testGetMissing(t *testing.T, b storage.Backend) {
	_, err := b.Get(context.Background(), "records", "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCreateOnly(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	etag, err := b.Put(ctx, "records", "alpha", []byte(`{"count":1}`), storage.PutOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if etag == "" {
		t.Fatal("expected etag on create")
	}
	if _, err := b.Put(ctx, "records", "alpha", []byte(`{"count":2}`), storage.PutOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch on duplicate create, got %v", err)
	}
	obj, err := b.Get(ctx, "records", "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(obj.Value) != `{"count":1}` || obj.ETag != etag {
		t.Fatalf("unexpected object %+v", obj)
	}
}

func testCompareAndSwap(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	if _, err := b.Put(ctx, "records", "ghost", []byte("x"), storage.PutOptions{ExpectedETag: "nope"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for CAS on missing key, got %v", err)
	}
	first, err := b.Put(ctx, "records", "beta", []byte("1"), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := b.Put(ctx, "records", "beta", []byte("2"), storage.PutOptions{ExpectedETag: first})
	if err != nil {
		t.Fatalf("cas put: %v", err)
	}
	if second == first {
		t.Fatal("expected etag to change on write")
	}
	if _, err := b.Put(ctx, "records", "beta", []byte("3"), storage.PutOptions{ExpectedETag: first}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch for stale etag, got %v", err)
	}
	if _, err := b.Put(ctx, "records", "beta", []byte("4"), storage.PutOptions{}); err != nil {
		t.Fatalf("unconditional overwrite: %v", err)
	}
	obj, err := b.Get(ctx, "records", "beta")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(obj.Value) != "4" {
		t.Fatalf("expected value 4, got %q", obj.Value)
	}
}

func testDelete(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	if err := b.Delete(ctx, "records", "missing", storage.DeleteOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.Delete(ctx, "records", "missing", storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("expected nil with IgnoreNotFound, got %v", err)
	}
	etag, err := b.Put(ctx, "records", "gamma", []byte("1"), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.Delete(ctx, "records", "gamma", storage.DeleteOptions{ExpectedETag: "stale"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
	if err := b.Delete(ctx, "records", "gamma", storage.DeleteOptions{ExpectedETag: etag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Get(ctx, "records", "gamma"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func testListOrderAndPaging(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for _, key := range []string{"q3", "q1", "q5", "q2", "q4"} {
		if _, err := b.Put(ctx, "queues", key, []byte(key), storage.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	page, err := b.List(ctx, "queues", storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := keysOf(page); got != "q1,q2" {
		t.Fatalf("first page = %s", got)
	}
	if !page.Truncated || page.NextStartAfter != "q2" {
		t.Fatalf("expected truncated page ending at q2, got %+v", page)
	}
	page, err = b.List(ctx, "queues", storage.ListOptions{StartAfter: page.NextStartAfter})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := keysOf(page); got != "q3,q4,q5" {
		t.Fatalf("second page = %s", got)
	}
	if page.Truncated {
		t.Fatal("expected final page")
	}

	var visited []string
	if err := storage.ListAll(ctx, b, "queues", "", func(obj storage.Object) error {
		visited = append(visited, obj.Key)
		return nil
	}); err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(visited) != 5 {
		t.Fatalf("expected 5 keys, got %v", visited)
	}
}

func testListPrefix(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for _, key := range []string{"repo:1", "repo:2", "task:1", "a"} {
		if _, err := b.Put(ctx, "mixed", key, []byte("v"), storage.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	page, err := b.List(ctx, "mixed", storage.ListOptions{Prefix: "repo:"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := keysOf(page); got != "repo:1,repo:2" {
		t.Fatalf("prefix list = %s", got)
	}
}

func testTablesAreIsolated(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	if _, err := b.Put(ctx, "left", "k", []byte("l"), storage.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := b.Get(ctx, "right", "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tables, got %v", err)
	}
	page, err := b.List(ctx, "right", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list empty table: %v", err)
	}
	if len(page.Objects) != 0 {
		t.Fatalf("expected empty table, got %d objects", len(page.Objects))
	}
}

func testConcurrentIncrements(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	if _, err := b.Put(ctx, "counters", "c", []byte("0"), storage.PutOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < perWorker; n++ {
				if err := increment(ctx, b); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment: %v", err)
	}
	obj, err := b.Get(ctx, "counters", "c")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := fmt.Sprint(workers * perWorker); string(obj.Value) != want {
		t.Fatalf("counter = %s, want %s", obj.Value, want)
	}
}

func increment(ctx context.Context, b storage.Backend) error {
	for {
		obj, err := b.Get(ctx, "counters", "c")
		if err != nil {
			return err
		}
		var n int
		if _, err := fmt.Sscan(string(obj.Value), &n); err != nil {
			return err
		}
		_, err = b.Put(ctx, "counters", "c", []byte(fmt.Sprint(n+1)), storage.PutOptions{ExpectedETag: obj.ETag})
		if errors.Is(err, storage.ErrCASMismatch) || storage.IsTransient(err) {
			continue
		}
		return err
	}
}

func keysOf(res *storage.ListResult) string {
	out := ""
	for i, obj := range res.Objects {
		if i > 0 {
			out += ","
		}
		out += obj.Key
	}
	return out
}
