// Package kv is the public string-keyed surface over the storage engine.
package kv

import (
	"errors"
	"fmt"

	"github.com/strata-kv/strata/internal/lsm"
)

var (
	// ErrClosed is returned when the DB has been closed.
	ErrClosed = errors.New("kv: db is closed")
)

// Config re-exports the engine configuration record.
type Config = lsm.Config

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return lsm.DefaultConfig()
}

// Stats re-exports the engine counters.
type Stats = lsm.Stats

// DB is a key-value database over one data directory.
type DB struct {
	db *lsm.DB
}

// Open opens a database at path with default configuration, creating it
// if needed.
func Open(path string) (*DB, error) {
	return OpenWith(path, DefaultConfig())
}

// OpenWith opens a database at path with an explicit configuration.
func OpenWith(path string, cfg Config) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("kv: path cannot be empty")
	}

	db, err := lsm.Open(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open database: %w", err)
	}
	return &DB{db: db}, nil
}

// Put stores a key-value pair, overwriting any previous value.
func (db *DB) Put(key, value string) error {
	if db.db == nil {
		return ErrClosed
	}
	if err := db.db.Put(key, value); err != nil {
		if errors.Is(err, lsm.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("kv: put failed: %w", err)
	}
	return nil
}

// Get retrieves the value for key. A missing (or deleted) key is
// (value="", found=false, err=nil); absence is not an error.
func (db *DB) Get(key string) (string, bool, error) {
	if db.db == nil {
		return "", false, ErrClosed
	}
	val, found, err := db.db.Get(key)
	if err != nil {
		if errors.Is(err, lsm.ErrClosed) {
			return "", false, ErrClosed
		}
		return "", false, fmt.Errorf("kv: get failed: %w", err)
	}
	return val, found, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (db *DB) Delete(key string) error {
	if db.db == nil {
		return ErrClosed
	}
	if err := db.db.Delete(key); err != nil {
		if errors.Is(err, lsm.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("kv: delete failed: %w", err)
	}
	return nil
}

// Compact runs one compaction pass synchronously.
func (db *DB) Compact() error {
	if db.db == nil {
		return ErrClosed
	}
	return db.db.Compact()
}

// Stats returns engine counters.
func (db *DB) Stats() Stats {
	if db.db == nil {
		return Stats{}
	}
	return db.db.Stats()
}

// Close flushes in-memory state and releases all resources.
func (db *DB) Close() error {
	if db.db == nil {
		return ErrClosed
	}
	err := db.db.Close()
	db.db = nil
	return err
}
