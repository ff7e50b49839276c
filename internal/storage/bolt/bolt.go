// Package bolt implements storage.Backend on a bbolt file with one bucket per
// table.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"

	"pkt.systems/resvd/internal/storage"
	"pkt.systems/resvd/internal/uuidv7"
)

// Config configures the bolt backend.
type Config struct {
	Path string
	// OpenTimeout bounds how long Open waits for the file lock.
	OpenTimeout time.Duration
}

// Store is a storage.Backend backed by bbolt.
type Store struct {
	db *bbolt.DB
}

// record is the on-disk envelope; the ETag travels with the value so CAS
// checks happen inside one bbolt transaction.
type record struct {
	ETag    string `json:"etag"`
	Updated int64  `json:"updated"`
	Value   []byte `json:"value"`
}

// Open opens or creates the bolt file at cfg.Path.
func Open(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("bolt: path required")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, storage.NewTransientError(fmt.Errorf("bolt: open %s: %w", path, err))
		}
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the bolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under tbl/key.
func (s *Store) Get(_ context.Context, tbl, key string) (storage.Object, error) {
	var obj storage.Object
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tbl))
		if bucket == nil {
			return storage.ErrNotFound
		}
		rec, ok, err := decode(bucket.Get([]byte(key)))
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		obj = rec.object(key)
		return nil
	})
	return obj, mapErr(err)
}

// Put writes value under tbl/key honouring opts.
func (s *Store) Put(_ context.Context, tbl, key string, value []byte, opts storage.PutOptions) (string, error) {
	etag := uuidv7.NewString()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(tbl))
		if err != nil {
			return fmt.Errorf("bolt: create bucket %s: %w", tbl, err)
		}
		current, exists, err := decode(bucket.Get([]byte(key)))
		if err != nil {
			return err
		}
		switch {
		case opts.ExpectedETag != "":
			if !exists {
				return storage.ErrNotFound
			}
			if current.ETag != opts.ExpectedETag {
				return storage.ErrCASMismatch
			}
		case opts.IfNotExists && exists:
			return storage.ErrCASMismatch
		}
		payload, err := json.Marshal(record{
			ETag:    etag,
			Updated: time.Now().UTC().UnixNano(),
			Value:   value,
		})
		if err != nil {
			return fmt.Errorf("bolt: encode %s/%s: %w", tbl, key, err)
		}
		return bucket.Put([]byte(key), payload)
	})
	if err != nil {
		return "", mapErr(err)
	}
	return etag, nil
}

// Delete removes tbl/key, enforcing opts.ExpectedETag when set.
func (s *Store) Delete(_ context.Context, tbl, key string, opts storage.DeleteOptions) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tbl))
		if bucket == nil {
			return storage.ErrNotFound
		}
		current, exists, err := decode(bucket.Get([]byte(key)))
		if err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}
		if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
			return storage.ErrCASMismatch
		}
		return bucket.Delete([]byte(key))
	})
	if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
		return nil
	}
	return mapErr(err)
}

// List enumerates tbl in ascending key order using a bucket cursor.
func (s *Store) List(_ context.Context, tbl string, opts storage.ListOptions) (*storage.ListResult, error) {
	result := &storage.ListResult{}
	prefix := []byte(opts.Prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tbl))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		seek := prefix
		if opts.StartAfter != "" && opts.StartAfter >= opts.Prefix {
			seek = []byte(opts.StartAfter)
		}
		k, v := cursor.Seek(seek)
		if k != nil && opts.StartAfter != "" && string(k) == opts.StartAfter {
			k, v = cursor.Next()
		}
		for ; k != nil; k, v = cursor.Next() {
			if len(prefix) > 0 && !bytes.HasPrefix(k, prefix) {
				break
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				break
			}
			rec, _, err := decode(v)
			if err != nil {
				return err
			}
			result.Objects = append(result.Objects, rec.object(string(k)))
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return result, nil
}

func decode(raw []byte) (record, bool, error) {
	if raw == nil {
		return record{}, false, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, false, fmt.Errorf("bolt: decode record: %w", err)
	}
	return rec, true, nil
}

func (r record) object(key string) storage.Object {
	return storage.Object{
		Key:       key,
		Value:     append([]byte(nil), r.Value...),
		ETag:      r.ETag,
		UpdatedAt: time.Unix(0, r.Updated).UTC(),
	}
}

func mapErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}
