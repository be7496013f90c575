package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var connMaxLifetime = time.Hour

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite ledger at path.
// ":memory:" is accepted for tests.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	// An in-memory database lives and dies with its only connection.
	if path != ":memory:" {
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	return &Database{DB: db}, nil
}

// Ledger returns the order ledger bound to this database.
func (d *Database) Ledger() *Ledger {
	return NewLedger(d.DB)
}

// Ping verifies the handle is usable.
func (d *Database) Ping() error {
	if d == nil || d.DB == nil {
		return errors.New("database is not initialized")
	}
	return d.DB.Ping()
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
