// Package store persists engine snapshots as opaque byte records keyed per user.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotFound is returned by Load when no snapshot exists for the key.
var ErrNotFound = errors.New("snapshot not found")

// Store is durable key-value storage for serialized snapshots.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// SnapshotKey scopes a snapshot to one user so accounts on the same device never share state.
func SnapshotKey(userID string) string {
	return "snapshot/" + userID
}

// Config selects and configures a backend.
type Config struct {
	Backend string // memory | file | badger | leveldb | postgres
	Path    string
	DSN     string
	Logger  *slog.Logger
}

// Open returns the backend named by cfg.Backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "badger", "":
		bc := DefaultBadgerConfig()
		bc.Path = cfg.Path
		bc.Logger = cfg.Logger
		return OpenBadger(bc)
	case "leveldb":
		return OpenLevelDB(cfg.Path)
	case "postgres":
		return NewPGStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
