package resvd

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"pkt.systems/resvd/internal/storage"
	"pkt.systems/resvd/internal/storage/bolt"
	"pkt.systems/resvd/internal/storage/memory"
	"pkt.systems/resvd/internal/storage/sqlite"
)

func openBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "sqlite":
		path, err := storePath(u)
		if err != nil {
			return nil, err
		}
		store, err := sqlite.Open(ctx, sqlite.Config{Path: path, BusyTimeout: cfg.SQLiteBusyTimeout})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "bolt":
		path, err := storePath(u)
		if err != nil {
			return nil, err
		}
		store, err := bolt.Open(bolt.Config{Path: path})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// storePath resolves sqlite:///abs/file.db and sqlite://relative/file.db
// into a filesystem path.
func storePath(u *url.URL) (string, error) {
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = host
		} else {
			pathPart = host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("%s store path required (e.g. %s:///var/lib/resvd/state.db)", u.Scheme, u.Scheme)
	}
	return filepath.Clean(pathPart), nil
}
