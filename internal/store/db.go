package store

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

// DB is the embedded Badger database shared by the lease store, the job
// queue and the repair failure log.
type DB struct {
	hold   *badgerhold.Store
	path   string
	logger *slog.Logger
}

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	options := badgerhold.DefaultOptions
	if path == "" {
		options.Options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		options.Dir = path
		options.ValueDir = path
	}
	options.Logger = nil

	hold, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug("badger database opened", "path", path, "in_memory", path == "")
	return &DB{hold: hold, path: path, logger: logger}, nil
}

// Hold returns the badgerhold store.
func (d *DB) Hold() *badgerhold.Store {
	return d.hold
}

// Badger returns the raw Badger database.
func (d *DB) Badger() *badger.DB {
	return d.hold.Badger()
}

// InMemory reports whether the database has no backing directory.
func (d *DB) InMemory() bool {
	return d.path == ""
}

// Close closes the database.
func (d *DB) Close() error {
	if d.hold != nil {
		return d.hold.Close()
	}
	return nil
}
