// Package store is the persistence contract (component 5) consumed by
// every higher layer: the chained event log, the escrow ledger, the
// artifact chain, and the grant registry each depend only on the
// narrow Backend/Store interface they declare in their own package
// (eventlog.Backend, escrow.Backend, artifacts.Store, grants.Store,
// idempotency.Store). This package supplies the concrete
// implementations — in-memory, Postgres (lib/pq), and SQLite
// (modernc.org/sqlite) — plus a per-key Locker. No component in this
// module takes the Locker; gate.Machine does not serialize transitions
// through it.
package store

import (
	"context"
	"sync"

	"github.com/settld/kernel/pkg/artifacts"
	"github.com/settld/kernel/pkg/escrow"
	"github.com/settld/kernel/pkg/eventlog"
	"github.com/settld/kernel/pkg/gate"
	"github.com/settld/kernel/pkg/grants"
	"github.com/settld/kernel/pkg/idempotency"
)

// Store aggregates every sub-store a deployment needs to construct the
// kernel's components. It is not itself consumed by any component —
// components take their own narrow interface — but it is the thing
// cmd/settld-server wires up and hands out pieces of.
type Store struct {
	Events      eventlog.Backend
	Wallets     escrow.Backend
	Artifacts   artifacts.Store
	Grants      interface {
		grants.Store
		grants.Registry
	}
	Gates       gate.Store
	Idempotency idempotency.Store
	Locker      Locker
}

// Locker provides named mutual exclusion keyed by an arbitrary string.
// pkg/gate does not use it: gate.Machine holds no Locker, so transitions
// on one gateID are not serialized by this lock.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// MemoryLocker is a sharded in-memory Locker: one mutex per key, created
// lazily and kept for the process lifetime.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *MemoryLocker) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// WithLock runs fn while holding the mutex for key.
func (l *MemoryLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	m := l.lockFor(key)
	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}
