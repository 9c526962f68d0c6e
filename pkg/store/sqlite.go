package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens a SQLite-backed SQLStore at path (or ":memory:")
// and ensures its schema exists. Intended for local development and
// single-process deployments that want persistence without a Postgres
// instance; modernc.org/sqlite is a pure-Go driver so this needs no cgo.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite serializes writers at the file level; a single connection
	// avoids SQLITE_BUSY errors under this kernel's already-serialized
	// per-gateID/per-stream write pattern (§5).
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("store: sqlite pragma: %w", err)
	}
	return newSQLStore(db, sqliteDialect())
}

// NewSQLiteStoreFull builds a complete Store backed by one SQLite
// database, with a MemoryLocker as its Locker.
func NewSQLiteStoreFull(path string) (*Store, error) {
	sqlStore, err := NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		Events:      sqlStore,
		Wallets:     sqlStore,
		Artifacts:   sqlStore,
		Grants:      grantStore{s: sqlStore},
		Gates:       sqlStore,
		Idempotency: sqlStore,
		Locker:      NewMemoryLocker(),
	}, nil
}
