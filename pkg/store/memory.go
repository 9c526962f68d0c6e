package store

import (
	"time"

	"github.com/settld/kernel/pkg/artifacts"
	"github.com/settld/kernel/pkg/escrow"
	"github.com/settld/kernel/pkg/eventlog"
	"github.com/settld/kernel/pkg/gate"
	"github.com/settld/kernel/pkg/grants"
	"github.com/settld/kernel/pkg/idempotency"
)

// NewMemoryStore composes the in-memory backend each package already
// provides into one Store, for tests and the in-memory deployment mode.
func NewMemoryStore(idempotencyTTL time.Duration) *Store {
	return &Store{
		Events:      eventlog.NewMemoryBackend(),
		Wallets:     escrow.NewMemoryBackend(),
		Artifacts:   artifacts.NewMemoryStore(),
		Grants:      grants.NewMemoryStore(),
		Gates:       gate.NewMemoryStore(),
		Idempotency: idempotency.NewMemoryStore(idempotencyTTL),
		Locker:      NewMemoryLocker(),
	}
}

var (
	_ eventlog.Backend  = (*eventlog.MemoryBackend)(nil)
	_ escrow.Backend    = (*escrow.MemoryBackend)(nil)
	_ artifacts.Store   = (*artifacts.MemoryStore)(nil)
	_ idempotency.Store = (*idempotency.MemoryStore)(nil)
)
