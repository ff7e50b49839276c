// Package resources persists the two counter tables behind reservations:
// per-resource reservation records and per-queue load records. Every mutation
// is an ETag compare-and-swap loop so concurrent writers never lose updates.
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/storage"
)

const (
	// ReservationsTable holds one Reservation per reserved resource name.
	ReservationsTable = "reserved_resources"
	// QueueLoadsTable holds one QueueLoad per known dedicated queue.
	QueueLoadsTable = "available_queues"
)

var (
	// ErrNotFound reports a missing reservation or queue load record.
	ErrNotFound = errors.New("resources: record not found")
	// ErrExists reports a create against an existing record.
	ErrExists = errors.New("resources: record already exists")
)

// Reservation pins a resource to the queue its tasks run on.
type Reservation struct {
	Resource          string `json:"resource"`
	Queue             string `json:"queue"`
	Count             int64  `json:"count"`
	CreatedAtUnixNano int64  `json:"created_at"`
	UpdatedAtUnixNano int64  `json:"updated_at"`
}

// QueueLoad counts the distinct resources pinned to a queue.
type QueueLoad struct {
	Queue string `json:"queue"`
	Count int64  `json:"count"`
	// MissingSinceUnixNano is set while the queue is absent from the worker
	// topology; zero means present.
	MissingSinceUnixNano int64 `json:"missing_since,omitempty"`
	CreatedAtUnixNano    int64 `json:"created_at"`
	UpdatedAtUnixNano    int64 `json:"updated_at"`
}

// MissingSince returns when the queue was first seen missing.
func (q QueueLoad) MissingSince() (time.Time, bool) {
	if q.MissingSinceUnixNano == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, q.MissingSinceUnixNano).UTC(), true
}

// Store reads and mutates reservation and queue load records.
type Store struct {
	backend storage.Backend
	clock   clock.Clock
}

// New returns a Store over backend. A nil clock uses wall time.
func New(backend storage.Backend, clk clock.Clock) *Store {
	return &Store{backend: backend, clock: clock.Ensure(clk)}
}

type action int

const (
	keep action = iota
	write
	remove
)

// update runs fn against the current value of table/key until the resulting
// write or delete lands without a CAS conflict.
func update[T any](ctx context.Context, b storage.Backend, table, key string, fn func(*T) (action, error)) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var rec T
		etag, err := storage.GetJSON(ctx, b, table, key, &rec)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return zero, ErrNotFound
			}
			return zero, fmt.Errorf("load %s/%s: %w", table, key, err)
		}
		act, err := fn(&rec)
		if err != nil {
			return zero, err
		}
		switch act {
		case keep:
			return rec, nil
		case write:
			_, err = storage.PutJSON(ctx, b, table, key, rec, storage.PutOptions{ExpectedETag: etag})
		case remove:
			err = b.Delete(ctx, table, key, storage.DeleteOptions{ExpectedETag: etag})
		}
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		return zero, fmt.Errorf("store %s/%s: %w", table, key, err)
	}
}

func listAll[T any](ctx context.Context, b storage.Backend, table string, keepFn func(T) bool) ([]T, error) {
	var out []T
	err := storage.ListAll(ctx, b, table, "", func(obj storage.Object) error {
		var rec T
		if err := json.Unmarshal(obj.Value, &rec); err != nil {
			return fmt.Errorf("decode %s/%s: %w", table, obj.Key, err)
		}
		if keepFn == nil || keepFn(rec) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	return out, nil
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixNano()
}
