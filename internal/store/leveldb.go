package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDBStore keeps snapshots in a LevelDB directory.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, errors.New("leveldb store: path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Load(_ context.Context, key string) ([]byte, error) {
	data, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *LevelDBStore) Save(_ context.Context, key string, data []byte) error {
	return s.db.Put([]byte(key), data, &opt.WriteOptions{Sync: true})
}

func (s *LevelDBStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), &opt.WriteOptions{Sync: true})
}

func (s *LevelDBStore) Close() error { return s.db.Close() }
