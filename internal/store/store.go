// Package store persists the engine's opaque blobs in SQLite.
//
// The store never sees plaintext or master keys: it holds the base64
// securityKey, the sealed mnemonic and salt, and the recovery envelope JSON
// exactly as produced by keymgmt. Per-user password changes are serialized
// with an optimistic version column.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

// Errors
var (
	ErrNotFound        = errors.New("store: record not found")
	ErrExists          = errors.New("store: record already exists")
	ErrVersionConflict = errors.New("store: record was modified concurrently")
	ErrIntegrity       = errors.New("store: event history failed integrity check")
)

// Store is the SQLite key record store.
type Store struct {
	db           *sql.DB
	integrityKey []byte
}

type options struct {
	busyTimeoutMs int
	integrityKey  []byte
}

// Option configures Open.
type Option func(*options)

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(ms int) Option {
	return func(o *options) { o.busyTimeoutMs = ms }
}

// WithIntegrityKey enables HMAC tagging of key_events under key.
func WithIntegrityKey(key []byte) Option {
	return func(o *options) {
		o.integrityKey = append([]byte(nil), key...)
	}
}

// Open opens or creates the database at path and applies migrations.
// The database file is restricted to its owner.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{busyTimeoutMs: 5000}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, o.busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db, integrityKey: o.integrityKey}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
