package escrow

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process Backend. txMu serializes whole
// transitions (standing in for the per-wallet-set row locks a relational
// backend takes in sorted order, §5); mu guards the underlying maps so
// reads outside a transition (Ledger.Get) stay safe to call concurrently
// with one in flight.
type MemoryBackend struct {
	txMu sync.Mutex

	mu      sync.Mutex
	wallets map[WalletRef]*Wallet
	applied map[string]bool
}

// NewMemoryBackend creates an empty in-memory escrow backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		wallets: make(map[WalletRef]*Wallet),
		applied: make(map[string]bool),
	}
}

func (b *MemoryBackend) GetOrCreate(_ context.Context, ref WalletRef) (*Wallet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.wallets[ref]
	if !ok {
		w = &Wallet{Ref: ref}
		b.wallets[ref] = w
	}
	cp := *w
	return &cp, nil
}

func (b *MemoryBackend) Put(_ context.Context, w *Wallet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *w
	b.wallets[w.Ref] = &cp
	return nil
}

// WithLock serializes transitions against each other. Real relational
// backends instead take per-row locks in refs' sorted order; the
// in-memory backend's coarser lock is behaviorally equivalent for a
// single process.
func (b *MemoryBackend) WithLock(ctx context.Context, _ []WalletRef, fn func(ctx context.Context) error) error {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	return fn(ctx)
}

func (b *MemoryBackend) TransitionApplied(_ context.Context, transitionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied[transitionID], nil
}

func (b *MemoryBackend) MarkTransitionApplied(_ context.Context, transitionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applied[transitionID] = true
	return nil
}
