package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelStore is a persistent KV backed by LevelDB.
type LevelStore struct {
	// serializes version check and batch write
	mu   sync.Mutex
	db   *leveldb.DB
	sync bool
}

// NewLevelStore creates or opens a LevelDB database at path. With
// syncWrites every commit is fsynced before it returns.
func NewLevelStore(path string, syncWrites bool) (*LevelStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return &LevelStore{db: db, sync: syncWrites}, nil
}

func (s *LevelStore) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return nil, ErrClosed
	case err != nil:
		return nil, err
	}
	return value, nil
}

func (s *LevelStore) Write(ws *WriteSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Version()
	if err != nil {
		return err
	}
	if ws.Base() != current {
		return fmt.Errorf("%w: opened at %d, now %d", ErrVersionConflict, ws.Base(), current)
	}

	batch := new(leveldb.Batch)
	ws.Each(func(key, value []byte) {
		batch.Put(key, value)
	})
	batch.Put(keyVersion, encodeUint64(current+1))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: s.sync}); err != nil {
		return fmt.Errorf("commit write set: %w", err)
	}
	return nil
}

func (s *LevelStore) Version() (uint64, error) {
	raw, err := s.Get(keyVersion)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load version: %w", err)
	}
	return decodeUint64(raw)
}

// Close releases the underlying LevelDB resources.
func (s *LevelStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
