package logging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/resvd/internal/storage"
	"pkt.systems/resvd/internal/storage/logging"
	"pkt.systems/resvd/internal/storage/memory"
)

func TestWrapPassesThroughAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.TraceLevel,
	})
	backend := logging.Wrap(memory.New(), logger, "storage.test")
	ctx := context.Background()

	etag, err := backend.Put(ctx, "available_queues", "q1", []byte(`{"count":0}`), storage.PutOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, err := backend.Get(ctx, "available_queues", "q1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if obj.ETag != etag {
		t.Fatalf("etag mismatch: %s vs %s", obj.ETag, etag)
	}
	if _, err := backend.Get(ctx, "available_queues", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	res, err := backend.List(ctx, "available_queues", storage.ListOptions{})
	if err != nil || len(res.Objects) != 1 {
		t.Fatalf("list: %v %+v", err, res)
	}
	if err := backend.Delete(ctx, "available_queues", "q1", storage.DeleteOptions{ExpectedETag: etag}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"storage.put.success", "storage.get.miss", "storage.list.success", "storage.delete.success"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
}
