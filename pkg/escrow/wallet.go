// Package escrow implements the two-sided escrow ledger (§4.5): per-agent
// wallets with available/escrowLocked/totalDebited counters, and atomic
// multi-account transitions applied as a balanced list of typed moves.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrCurrencyMismatch is returned when a move's source and destination
// wallets disagree on currency; conversions are forbidden (§4.5).
var ErrCurrencyMismatch = errors.New("escrow: currency mismatch")

// ErrInsufficientFunds is returned when a move would drive a counter
// negative.
var ErrInsufficientFunds = errors.New("escrow: insufficient funds")

// ErrWalletNotFound is returned when a referenced wallet does not exist.
var ErrWalletNotFound = errors.New("escrow: wallet not found")

// WalletRef identifies one wallet.
type WalletRef struct {
	TenantID string
	AgentID  string
	Currency string
}

// Less orders WalletRefs by (tenantID, agentID, currency), the deterministic
// lock-acquisition order required to avoid deadlock across multi-wallet
// transitions (§5).
func (w WalletRef) Less(o WalletRef) bool {
	if w.TenantID != o.TenantID {
		return w.TenantID < o.TenantID
	}
	if w.AgentID != o.AgentID {
		return w.AgentID < o.AgentID
	}
	return w.Currency < o.Currency
}

// Wallet holds the three counters from §3. All three are always >= 0.
type Wallet struct {
	Ref              WalletRef
	AvailableCents   int64
	EscrowLockedCents int64
	TotalDebitedCents int64
}

// MoveKind enumerates the typed moves a Transition can contain (§4.5).
type MoveKind string

const (
	MoveCredit  MoveKind = "credit"
	MoveLock    MoveKind = "lock"
	MoveRelease MoveKind = "release"
	MoveRefund  MoveKind = "refund"
	MoveVoid    MoveKind = "void"
)

// Move is one typed ledger operation within a Transition.
type Move struct {
	Kind   MoveKind
	Wallet WalletRef
	// To, for release/refund, names the wallet credited with the funds
	// taken from Wallet's locked balance. With To nil, a refund returns
	// them to Wallet's own available balance and a release credits no
	// wallet.
	To          *WalletRef
	AmountCents int64
}

// Backend is the persistence contract for wallets, consumed by Ledger. A
// single implementation (memory or relational) backs every tenant.
type Backend interface {
	// GetOrCreate returns the wallet for ref, creating a zeroed wallet on
	// first credit per §3's lifecycle note.
	GetOrCreate(ctx context.Context, ref WalletRef) (*Wallet, error)
	// Put persists an updated wallet snapshot.
	Put(ctx context.Context, w *Wallet) error
	// WithLock runs fn while holding exclusive locks on every ref in refs,
	// acquired in the order given (callers must pre-sort per WalletRef.Less).
	WithLock(ctx context.Context, refs []WalletRef, fn func(ctx context.Context) error) error
	// TransitionApplied reports whether transitionID has already been
	// committed, for idempotent replay (§4.5: "replaying the same id is a
	// no-op").
	TransitionApplied(ctx context.Context, transitionID string) (bool, error)
	MarkTransitionApplied(ctx context.Context, transitionID string) error
}

// Ledger applies balanced Transitions to wallets atomically.
type Ledger struct {
	backend Backend
}

// NewLedger creates a Ledger over backend.
func NewLedger(backend Backend) *Ledger {
	return &Ledger{backend: backend}
}

// Apply applies moves as a single all-or-nothing Transition identified by
// transitionID. Replaying the same transitionID is a no-op (§4.5).
func (l *Ledger) Apply(ctx context.Context, transitionID string, moves []Move) error {
	if len(moves) == 0 {
		return nil
	}

	applied, err := l.backend.TransitionApplied(ctx, transitionID)
	if err != nil {
		return fmt.Errorf("escrow: transition lookup: %w", err)
	}
	if applied {
		return nil
	}

	if err := validateBalance(moves); err != nil {
		return err
	}

	refs := lockSet(moves)
	return l.backend.WithLock(ctx, refs, func(ctx context.Context) error {
		// Re-check inside the lock: another goroutine may have committed
		// the same transitionID between our outer check and acquiring it.
		applied, err := l.backend.TransitionApplied(ctx, transitionID)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		wallets := make(map[WalletRef]*Wallet, len(refs))
		for _, ref := range refs {
			w, err := l.backend.GetOrCreate(ctx, ref)
			if err != nil {
				return fmt.Errorf("escrow: load wallet %+v: %w", ref, err)
			}
			wallets[ref] = w
		}

		for _, m := range moves {
			if err := applyMove(wallets, m); err != nil {
				return err
			}
		}

		for _, ref := range refs {
			if err := l.backend.Put(ctx, wallets[ref]); err != nil {
				return fmt.Errorf("escrow: persist wallet %+v: %w", ref, err)
			}
		}
		return l.backend.MarkTransitionApplied(ctx, transitionID)
	})
}

// Get returns the current snapshot of a wallet.
func (l *Ledger) Get(ctx context.Context, ref WalletRef) (*Wallet, error) {
	return l.backend.GetOrCreate(ctx, ref)
}

func lockSet(moves []Move) []WalletRef {
	seen := make(map[WalletRef]bool)
	var refs []WalletRef
	add := func(r WalletRef) {
		if !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	}
	for _, m := range moves {
		add(m.Wallet)
		if m.To != nil {
			add(*m.To)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs
}

// validateBalance rejects a transition before any counter is touched:
// negative amounts, and moves whose Wallet/To disagree on currency (§4.5
// forbids conversions). It does not check that locked/debited amounts
// sum to a matching credit/release across the transition — credit, refund,
// and void are legitimately one-sided (money entering or leaving the
// ledger from outside it), so "balanced" here means per-move currency
// consistency, not double-entry balance across the whole move list.
func validateBalance(moves []Move) error {
	for _, m := range moves {
		if m.AmountCents < 0 {
			return fmt.Errorf("escrow: negative move amount %d", m.AmountCents)
		}
		if m.To != nil && m.To.Currency != m.Wallet.Currency {
			return ErrCurrencyMismatch
		}
	}
	return nil
}

func applyMove(wallets map[WalletRef]*Wallet, m Move) error {
	w := wallets[m.Wallet]
	switch m.Kind {
	case MoveCredit:
		w.AvailableCents += m.AmountCents
	case MoveLock:
		if w.AvailableCents < m.AmountCents {
			return ErrInsufficientFunds
		}
		w.AvailableCents -= m.AmountCents
		w.EscrowLockedCents += m.AmountCents
	case MoveRelease:
		if w.EscrowLockedCents < m.AmountCents {
			return ErrInsufficientFunds
		}
		w.EscrowLockedCents -= m.AmountCents
		w.TotalDebitedCents += m.AmountCents
		if m.To != nil {
			to := wallets[*m.To]
			to.AvailableCents += m.AmountCents
		}
	case MoveRefund:
		if w.EscrowLockedCents < m.AmountCents {
			return ErrInsufficientFunds
		}
		w.EscrowLockedCents -= m.AmountCents
		if m.To != nil {
			to := wallets[*m.To]
			to.AvailableCents += m.AmountCents
		} else {
			w.AvailableCents += m.AmountCents
		}
	case MoveVoid:
		if w.EscrowLockedCents < m.AmountCents {
			return ErrInsufficientFunds
		}
		w.EscrowLockedCents -= m.AmountCents
		w.AvailableCents += m.AmountCents
	default:
		return fmt.Errorf("escrow: unknown move kind %q", m.Kind)
	}
	if w.AvailableCents < 0 || w.EscrowLockedCents < 0 || w.TotalDebitedCents < 0 {
		return ErrInsufficientFunds
	}
	return nil
}
