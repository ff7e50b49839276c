// Package memory implements storage.Backend in process memory; intended for
// tests and single-node development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/resvd/internal/storage"
	"pkt.systems/resvd/internal/uuidv7"
)

// Store keeps every table in a map guarded by one RWMutex.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
	closed bool
}

type table struct {
	entries    map[string]*entry
	sortedKeys []string
}

type entry struct {
	value   []byte
	etag    string
	updated time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// Close marks the store closed; subsequent calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Get returns the value stored under tbl/key.
func (s *Store) Get(_ context.Context, tbl, key string) (storage.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.Object{}, storage.ErrClosed
	}
	t, ok := s.tables[tbl]
	if !ok {
		return storage.Object{}, storage.ErrNotFound
	}
	e, ok := t.entries[key]
	if !ok {
		return storage.Object{}, storage.ErrNotFound
	}
	return storage.Object{
		Key:       key,
		Value:     append([]byte(nil), e.value...),
		ETag:      e.etag,
		UpdatedAt: e.updated,
	}, nil
}

// Put stores value under tbl/key depending on opts.
func (s *Store) Put(_ context.Context, tbl, key string, value []byte, opts storage.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", storage.ErrClosed
	}
	t := s.tables[tbl]
	if t == nil {
		t = &table{entries: make(map[string]*entry)}
		s.tables[tbl] = t
	}
	current, exists := t.entries[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return "", storage.ErrNotFound
		}
		if current.etag != opts.ExpectedETag {
			return "", storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return "", storage.ErrCASMismatch
	}
	etag := uuidv7.NewString()
	t.entries[key] = &entry{
		value:   append([]byte(nil), value...),
		etag:    etag,
		updated: time.Now().UTC(),
	}
	if !exists {
		t.insertKey(key)
	}
	return etag, nil
}

// Delete removes tbl/key with optional CAS.
func (s *Store) Delete(_ context.Context, tbl, key string, opts storage.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	var current *entry
	t := s.tables[tbl]
	if t != nil {
		current = t.entries[key]
	}
	if current == nil {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && current.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(t.entries, key)
	t.removeKey(key)
	return nil
}

// List returns the objects of tbl in ascending key order.
func (s *Store) List(_ context.Context, tbl string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	result := &storage.ListResult{}
	t := s.tables[tbl]
	if t == nil {
		return result, nil
	}
	keys := t.sortedKeys
	start := 0
	if opts.Prefix != "" {
		start = sort.SearchStrings(keys, opts.Prefix)
	}
	if opts.StartAfter != "" {
		if idx := sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter }); idx > start {
			start = idx
		}
	}
	for idx := start; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		e := t.entries[key]
		result.Objects = append(result.Objects, storage.Object{
			Key:       key,
			Value:     append([]byte(nil), e.value...),
			ETag:      e.etag,
			UpdatedAt: e.updated,
		})
	}
	return result, nil
}

func (t *table) insertKey(key string) {
	idx := sort.SearchStrings(t.sortedKeys, key)
	if idx < len(t.sortedKeys) && t.sortedKeys[idx] == key {
		return
	}
	t.sortedKeys = append(t.sortedKeys, "")
	copy(t.sortedKeys[idx+1:], t.sortedKeys[idx:])
	t.sortedKeys[idx] = key
}

func (t *table) removeKey(key string) {
	idx := sort.SearchStrings(t.sortedKeys, key)
	if idx < len(t.sortedKeys) && t.sortedKeys[idx] == key {
		t.sortedKeys = append(t.sortedKeys[:idx], t.sortedKeys[idx+1:]...)
	}
}
