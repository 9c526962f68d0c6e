package escrow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refA() WalletRef { return WalletRef{TenantID: "t1", AgentID: "agent-a", Currency: "USD"} }
func refB() WalletRef { return WalletRef{TenantID: "t1", AgentID: "agent-b", Currency: "USD"} }

func TestApply_CreditThenLock(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryBackend())

	require.NoError(t, l.Apply(ctx, "tx1", []Move{{Kind: MoveCredit, Wallet: refA(), AmountCents: 1000}}))
	require.NoError(t, l.Apply(ctx, "tx2", []Move{{Kind: MoveLock, Wallet: refA(), AmountCents: 400}}))

	w, err := l.Get(ctx, refA())
	require.NoError(t, err)
	assert.Equal(t, int64(600), w.AvailableCents)
	assert.Equal(t, int64(400), w.EscrowLockedCents)
}

func TestApply_LockBeyondAvailableFails(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryBackend())

	require.NoError(t, l.Apply(ctx, "tx1", []Move{{Kind: MoveCredit, Wallet: refA(), AmountCents: 100}}))
	err := l.Apply(ctx, "tx2", []Move{{Kind: MoveLock, Wallet: refA(), AmountCents: 500}})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestApply_ReleaseMovesLockedToCounterparty(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryBackend())
	b := refB()

	require.NoError(t, l.Apply(ctx, "tx1", []Move{{Kind: MoveCredit, Wallet: refA(), AmountCents: 1000}}))
	require.NoError(t, l.Apply(ctx, "tx2", []Move{{Kind: MoveLock, Wallet: refA(), AmountCents: 1000}}))
	require.NoError(t, l.Apply(ctx, "tx3", []Move{{Kind: MoveRelease, Wallet: refA(), To: &b, AmountCents: 700}}))

	wa, err := l.Get(ctx, refA())
	require.NoError(t, err)
	assert.Equal(t, int64(0), wa.AvailableCents)
	assert.Equal(t, int64(300), wa.EscrowLockedCents)
	assert.Equal(t, int64(700), wa.TotalDebitedCents)

	wb, err := l.Get(ctx, refB())
	require.NoError(t, err)
	assert.Equal(t, int64(700), wb.AvailableCents)
}

func TestApply_RefundReturnsLockedFundsToOwner(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryBackend())

	require.NoError(t, l.Apply(ctx, "tx1", []Move{{Kind: MoveCredit, Wallet: refA(), AmountCents: 500}}))
	require.NoError(t, l.Apply(ctx, "tx2", []Move{{Kind: MoveLock, Wallet: refA(), AmountCents: 500}}))
	require.NoError(t, l.Apply(ctx, "tx3", []Move{{Kind: MoveRefund, Wallet: refA(), AmountCents: 500}}))

	w, err := l.Get(ctx, refA())
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.AvailableCents)
	assert.Equal(t, int64(0), w.EscrowLockedCents)
}

func TestApply_ReplayingTransitionIDIsNoOp(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryBackend())

	moves := []Move{{Kind: MoveCredit, Wallet: refA(), AmountCents: 250}}
	require.NoError(t, l.Apply(ctx, "dup", moves))
	require.NoError(t, l.Apply(ctx, "dup", moves))

	w, err := l.Get(ctx, refA())
	require.NoError(t, err)
	assert.Equal(t, int64(250), w.AvailableCents)
}

func TestApply_CurrencyMismatchRejected(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryBackend())
	eur := WalletRef{TenantID: "t1", AgentID: "agent-b", Currency: "EUR"}

	err := l.Apply(ctx, "tx1", []Move{{Kind: MoveRelease, Wallet: refA(), To: &eur, AmountCents: 100}})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestApply_ConcurrentReplaysOfSameTransitionIDApplyOnce(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryBackend())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Apply(ctx, "credit-a", []Move{{Kind: MoveCredit, Wallet: refA(), AmountCents: 10}})
		}(i)
	}
	wg.Wait()

	w, err := l.Get(ctx, refA())
	require.NoError(t, err)
	// All 50 goroutines raced on the SAME transitionID "credit-a"; per
	// idempotent-replay semantics only the first commit should count.
	assert.Equal(t, int64(10), w.AvailableCents)
}
