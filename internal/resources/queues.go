package resources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/resvd/internal/storage"
)

// GetQueueLoad returns the load record for queue or ErrNotFound.
func (s *Store) GetQueueLoad(ctx context.Context, queue string) (QueueLoad, error) {
	var rec QueueLoad
	if _, err := storage.GetJSON(ctx, s.backend, QueueLoadsTable, queue, &rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return QueueLoad{}, ErrNotFound
		}
		return QueueLoad{}, fmt.Errorf("load queue %q: %w", queue, err)
	}
	return rec, nil
}

// ListQueueLoads returns every queue load record ordered by queue name.
func (s *Store) ListQueueLoads(ctx context.Context) ([]QueueLoad, error) {
	return listAll[QueueLoad](ctx, s.backend, QueueLoadsTable, nil)
}

// CreateQueueLoad stores a zero-count record for queue. It reports false when
// the record already exists.
func (s *Store) CreateQueueLoad(ctx context.Context, queue string) (bool, error) {
	return s.createQueueLoad(ctx, queue, 0)
}

func (s *Store) createQueueLoad(ctx context.Context, queue string, count int64) (bool, error) {
	now := s.now()
	rec := QueueLoad{Queue: queue, Count: count, CreatedAtUnixNano: now, UpdatedAtUnixNano: now}
	_, err := storage.PutJSON(ctx, s.backend, QueueLoadsTable, queue, rec, storage.PutOptions{IfNotExists: true})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrCASMismatch):
		return false, nil
	default:
		return false, fmt.Errorf("create queue %q: %w", queue, err)
	}
}

// IncrementQueueLoad adds one to the queue's load, creating the record with
// count 1 when it does not exist.
func (s *Store) IncrementQueueLoad(ctx context.Context, queue string) (QueueLoad, error) {
	for {
		rec, err := update(ctx, s.backend, QueueLoadsTable, queue, func(rec *QueueLoad) (action, error) {
			rec.Count++
			rec.UpdatedAtUnixNano = s.now()
			return write, nil
		})
		if !errors.Is(err, ErrNotFound) {
			return rec, err
		}
		created, err := s.createQueueLoad(ctx, queue, 1)
		if err != nil {
			return QueueLoad{}, err
		}
		if created {
			return s.GetQueueLoad(ctx, queue)
		}
	}
}

// DecrementQueueLoad subtracts one from the queue's load, never going below
// zero. A missing record is not an error; found reports whether it existed.
func (s *Store) DecrementQueueLoad(ctx context.Context, queue string) (rec QueueLoad, found bool, err error) {
	rec, err = update(ctx, s.backend, QueueLoadsTable, queue, func(rec *QueueLoad) (action, error) {
		if rec.Count <= 0 {
			rec.Count = 0
			return keep, nil
		}
		rec.Count--
		rec.UpdatedAtUnixNano = s.now()
		return write, nil
	})
	if errors.Is(err, ErrNotFound) {
		return QueueLoad{}, false, nil
	}
	if err != nil {
		return QueueLoad{}, false, err
	}
	return rec, true, nil
}

// MarkQueueMissing stamps missing_since on the queue's record unless it is
// already set, and returns the stored record.
func (s *Store) MarkQueueMissing(ctx context.Context, queue string, at time.Time) (QueueLoad, error) {
	return update(ctx, s.backend, QueueLoadsTable, queue, func(rec *QueueLoad) (action, error) {
		if rec.MissingSinceUnixNano != 0 {
			return keep, nil
		}
		rec.MissingSinceUnixNano = at.UnixNano()
		rec.UpdatedAtUnixNano = s.now()
		return write, nil
	})
}

// ClearQueueMissing removes a missing_since stamp from the queue's record.
func (s *Store) ClearQueueMissing(ctx context.Context, queue string) (QueueLoad, error) {
	return update(ctx, s.backend, QueueLoadsTable, queue, func(rec *QueueLoad) (action, error) {
		if rec.MissingSinceUnixNano == 0 {
			return keep, nil
		}
		rec.MissingSinceUnixNano = 0
		rec.UpdatedAtUnixNano = s.now()
		return write, nil
	})
}

// DeleteQueueLoad removes the queue's load record if present.
func (s *Store) DeleteQueueLoad(ctx context.Context, queue string) error {
	err := s.backend.Delete(ctx, QueueLoadsTable, queue, storage.DeleteOptions{IgnoreNotFound: true})
	if err != nil {
		return fmt.Errorf("delete queue %q: %w", queue, err)
	}
	return nil
}

// ResetQueueLoad sets the queue's count back to zero.
func (s *Store) ResetQueueLoad(ctx context.Context, queue string) (QueueLoad, error) {
	return update(ctx, s.backend, QueueLoadsTable, queue, func(rec *QueueLoad) (action, error) {
		if rec.Count == 0 {
			return keep, nil
		}
		rec.Count = 0
		rec.UpdatedAtUnixNano = s.now()
		return write, nil
	})
}
