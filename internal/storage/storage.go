// Package storage defines the compare-and-swap key/value contract that backs
// every persisted resvd record (reservations, queue loads and task statuses).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the requested table/key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent writer.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented is returned by backends for unsupported operations.
	ErrNotImplemented = errors.New("storage: not implemented")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: backend closed")
)

// Object is a stored value together with its opaque ETag.
type Object struct {
	Key       string
	Value     []byte
	ETag      string
	UpdatedAt time.Time
}

// PutOptions controls conditional writes.
type PutOptions struct {
	// ExpectedETag enables CAS semantics: the write succeeds only when the
	// stored ETag matches. A missing key yields ErrNotFound.
	ExpectedETag string
	// IfNotExists makes the write create-only; an existing key yields
	// ErrCASMismatch. Ignored when ExpectedETag is set.
	IfNotExists bool
}

// DeleteOptions controls conditional deletes.
type DeleteOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides List traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures one page of a List call.
type ListResult struct {
	Objects        []Object
	NextStartAfter string
	Truncated      bool
}

// Backend is the storage contract resvd components are written against.
// Keys are listed in ascending lexical order within a table.
type Backend interface {
	// Get returns the value and ETag stored under table/key.
	Get(ctx context.Context, table, key string) (Object, error)
	// Put writes value under table/key honouring opts and returns the new ETag.
	Put(ctx context.Context, table, key string, value []byte, opts PutOptions) (string, error)
	// Delete removes table/key, optionally enforcing an ETag.
	Delete(ctx context.Context, table, key string, opts DeleteOptions) error
	// List enumerates the objects of a table.
	List(ctx context.Context, table string, opts ListOptions) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// GetJSON loads table/key and decodes it into v, returning the ETag.
func GetJSON(ctx context.Context, b Backend, table, key string, v any) (string, error) {
	obj, err := b.Get(ctx, table, key)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(obj.Value, v); err != nil {
		return "", fmt.Errorf("storage: decode %s/%s: %w", table, key, err)
	}
	return obj.ETag, nil
}

// PutJSON encodes v and writes it under table/key.
func PutJSON(ctx context.Context, b Backend, table, key string, v any, opts PutOptions) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: encode %s/%s: %w", table, key, err)
	}
	return b.Put(ctx, table, key, payload, opts)
}

// ListAll pages through a table and calls visit for every object.
func ListAll(ctx context.Context, b Backend, table, prefix string, visit func(Object) error) error {
	opts := ListOptions{Prefix: prefix, Limit: defaultListPage}
	for {
		res, err := b.List(ctx, table, opts)
		if err != nil {
			return err
		}
		for _, obj := range res.Objects {
			if err := visit(obj); err != nil {
				return err
			}
		}
		if !res.Truncated || res.NextStartAfter == "" {
			return nil
		}
		opts.StartAfter = res.NextStartAfter
	}
}

const defaultListPage = 256
