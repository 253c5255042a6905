package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrPartitionMismatch   = errors.New("partition mismatch")
)

type Database struct {
	db *sql.DB

	mu    sync.Mutex
	ready map[string]bool
}

// New opens (or creates) the SQLite file at dbPath. Tables are created lazily
// by the first operation on each collection.
func New(dbPath string) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageUnavailable, dbPath, err)
	}
	// one writer at a time; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrStorageUnavailable, dbPath, err)
	}

	return &Database{db: db, ready: make(map[string]bool)}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

// ensure runs the table's DDL once per Database.
func (db *Database) ensure(ctx context.Context, name, ddl string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.ready[name] {
		return nil
	}
	if _, err := db.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrStorageUnavailable, name, err)
	}
	db.ready[name] = true
	return nil
}

// classify maps driver errors onto the store's error taxonomy.
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s: %w", ErrConstraintViolation, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
