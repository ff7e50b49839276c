// Package sqlite implements storage.Backend on a single SQLite database file
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/resvd/internal/storage"
	"pkt.systems/resvd/internal/uuidv7"
)

const schema = `CREATE TABLE IF NOT EXISTS records (
	tbl        TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      BLOB    NOT NULL,
	etag       TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tbl, key)
) WITHOUT ROWID`

// Config configures the SQLite backend.
type Config struct {
	// Path is the database file; parent directories are created.
	Path string
	// BusyTimeout bounds how long SQLite waits on a locked database.
	BusyTimeout time.Duration
}

// Store is a storage.Backend backed by one SQLite table.
type Store struct {
	db *sql.DB
}

// Open opens (creating when needed) the database at cfg.Path and enforces WAL
// journaling plus a busy timeout before returning.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: path required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serializes writers inside the process and keeps the
	// pragmas below applied to every statement.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %s: %w", path, pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite %s: create schema: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under tbl/key.
func (s *Store) Get(ctx context.Context, tbl, key string) (storage.Object, error) {
	var (
		obj     storage.Object
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, etag, updated_at FROM records WHERE tbl = ? AND key = ?`, tbl, key,
	).Scan(&obj.Value, &obj.ETag, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Object{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Object{}, classify(err)
	}
	obj.Key = key
	obj.UpdatedAt = time.Unix(0, updated).UTC()
	return obj, nil
}

// Put writes value under tbl/key honouring opts.
func (s *Store) Put(ctx context.Context, tbl, key string, value []byte, opts storage.PutOptions) (string, error) {
	etag := uuidv7.NewString()
	now := time.Now().UTC().UnixNano()
	if value == nil {
		value = []byte{}
	}
	var (
		res sql.Result
		err error
	)
	switch {
	case opts.ExpectedETag != "":
		res, err = s.db.ExecContext(ctx,
			`UPDATE records SET value = ?, etag = ?, updated_at = ? WHERE tbl = ? AND key = ? AND etag = ?`,
			value, etag, now, tbl, key, opts.ExpectedETag)
	case opts.IfNotExists:
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO records (tbl, key, value, etag, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (tbl, key) DO NOTHING`,
			tbl, key, value, etag, now)
	default:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO records (tbl, key, value, etag, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (tbl, key) DO UPDATE SET value = excluded.value, etag = excluded.etag, updated_at = excluded.updated_at`,
			tbl, key, value, etag, now)
		if err != nil {
			return "", classify(err)
		}
		return etag, nil
	}
	if err != nil {
		return "", classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", classify(err)
	}
	if affected == 1 {
		return etag, nil
	}
	if opts.IfNotExists && opts.ExpectedETag == "" {
		return "", storage.ErrCASMismatch
	}
	return "", s.missOrMismatch(ctx, tbl, key)
}

// Delete removes tbl/key, enforcing opts.ExpectedETag when set.
func (s *Store) Delete(ctx context.Context, tbl, key string, opts storage.DeleteOptions) error {
	var (
		res sql.Result
		err error
	)
	if opts.ExpectedETag != "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND key = ? AND etag = ?`, tbl, key, opts.ExpectedETag)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND key = ?`, tbl, key)
	}
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 1 {
		return nil
	}
	err = storage.ErrNotFound
	if opts.ExpectedETag != "" {
		err = s.missOrMismatch(ctx, tbl, key)
	}
	if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
		return nil
	}
	return err
}

// List enumerates tbl in ascending key order.
func (s *Store) List(ctx context.Context, tbl string, opts storage.ListOptions) (*storage.ListResult, error) {
	query := `SELECT key, value, etag, updated_at FROM records WHERE tbl = ? AND key > ?`
	args := []any{tbl, opts.StartAfter}
	if opts.Prefix != "" {
		query += ` AND substr(key, 1, ?) = ?`
		args = append(args, len(opts.Prefix), opts.Prefix)
	}
	query += ` ORDER BY key`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit+1)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	result := &storage.ListResult{}
	for rows.Next() {
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		var (
			obj     storage.Object
			updated int64
		)
		if err := rows.Scan(&obj.Key, &obj.Value, &obj.ETag, &updated); err != nil {
			return nil, classify(err)
		}
		obj.UpdatedAt = time.Unix(0, updated).UTC()
		result.Objects = append(result.Objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (s *Store) missOrMismatch(ctx context.Context, tbl, key string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM records WHERE tbl = ? AND key = ?`, tbl, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return classify(err)
	}
	return storage.ErrCASMismatch
}

// classify marks lock contention as transient so the retry decorator can
// back off and try again.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return storage.NewTransientError(fmt.Errorf("sqlite: %w", err))
	}
	return fmt.Errorf("sqlite: %w", err)
}
