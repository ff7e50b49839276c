package resources

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/resvd/internal/storage"
)

// GetReservation returns the reservation for resource or ErrNotFound.
func (s *Store) GetReservation(ctx context.Context, resource string) (Reservation, error) {
	var rec Reservation
	if _, err := storage.GetJSON(ctx, s.backend, ReservationsTable, resource, &rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("load reservation %q: %w", resource, err)
	}
	return rec, nil
}

// CreateReservation stores a new reservation with count 1 pinned to queue.
// It returns ErrExists when a record for resource is already present.
func (s *Store) CreateReservation(ctx context.Context, resource, queue string) (Reservation, error) {
	now := s.now()
	rec := Reservation{
		Resource:          resource,
		Queue:             queue,
		Count:             1,
		CreatedAtUnixNano: now,
		UpdatedAtUnixNano: now,
	}
	if _, err := storage.PutJSON(ctx, s.backend, ReservationsTable, resource, rec, storage.PutOptions{IfNotExists: true}); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return Reservation{}, ErrExists
		}
		return Reservation{}, fmt.Errorf("create reservation %q: %w", resource, err)
	}
	return rec, nil
}

// IncrementReservation adds one to the reservation count.
func (s *Store) IncrementReservation(ctx context.Context, resource string) (Reservation, error) {
	return update(ctx, s.backend, ReservationsTable, resource, func(rec *Reservation) (action, error) {
		rec.Count++
		rec.UpdatedAtUnixNano = s.now()
		return write, nil
	})
}

// DecrementReservation subtracts one from the reservation count. When the
// count would reach zero the record is deleted instead and deleted is true.
func (s *Store) DecrementReservation(ctx context.Context, resource string) (rec Reservation, deleted bool, err error) {
	rec, err = update(ctx, s.backend, ReservationsTable, resource, func(r *Reservation) (action, error) {
		r.Count--
		r.UpdatedAtUnixNano = s.now()
		if r.Count <= 0 {
			r.Count = 0
			deleted = true
			return remove, nil
		}
		deleted = false
		return write, nil
	})
	if err != nil {
		return Reservation{}, false, err
	}
	return rec, deleted, nil
}

// DeleteReservation removes the reservation for resource if present.
func (s *Store) DeleteReservation(ctx context.Context, resource string) error {
	err := s.backend.Delete(ctx, ReservationsTable, resource, storage.DeleteOptions{IgnoreNotFound: true})
	if err != nil {
		return fmt.Errorf("delete reservation %q: %w", resource, err)
	}
	return nil
}

// ListReservations returns every reservation ordered by resource name.
func (s *Store) ListReservations(ctx context.Context) ([]Reservation, error) {
	return listAll[Reservation](ctx, s.backend, ReservationsTable, nil)
}

// ListReservationsByQueue returns the reservations pinned to queue.
func (s *Store) ListReservationsByQueue(ctx context.Context, queue string) ([]Reservation, error) {
	return listAll(ctx, s.backend, ReservationsTable, func(rec Reservation) bool {
		return rec.Queue == queue
	})
}
