package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresStore opens a Postgres-backed SQLStore at dsn and ensures its
// schema exists. Grounded on the teacher's
// core/pkg/store/ledger/postgres_ledger.go: plain database/sql over
// lib/pq, hand-written SQL, no ORM.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return newSQLStore(db, postgresDialect())
}

// NewPostgresStoreFull builds a complete Store backed by one Postgres
// database: every sub-store plus a PostgresLocker using session-level
// advisory locks for the per-gateID/per-stream single-writer guarantee
// described in §5.
func NewPostgresStoreFull(dsn string) (*Store, error) {
	sqlStore, err := NewPostgresStore(dsn)
	if err != nil {
		return nil, err
	}
	lockDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres (locker): %w", err)
	}
	return &Store{
		Events:      sqlStore,
		Wallets:     sqlStore,
		Artifacts:   sqlStore,
		Grants:      grantStore{s: sqlStore},
		Gates:       sqlStore,
		Idempotency: sqlStore,
		Locker:      &PostgresLocker{db: lockDB},
	}, nil
}

// PostgresLocker serializes named critical sections across every process
// sharing a database using pg_advisory_lock, held for the lifetime of a
// single checked-out connection (advisory locks are session-scoped, so
// the lock and its matching unlock must run on the same *sql.Conn).
type PostgresLocker struct {
	db *sql.DB
}

// WithLock blocks until it holds the advisory lock for key, runs fn, then
// releases it.
func (l *PostgresLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	lockKey := int64(fnv64a(key) &^ (1 << 63))
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockKey); err != nil {
		return fmt.Errorf("store: advisory lock: %w", err)
	}
	defer func() { _, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockKey) }()

	return fn(ctx)
}
