package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settld/kernel/pkg/artifacts"
	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/escrow"
	"github.com/settld/kernel/pkg/grants"
	"github.com/settld/kernel/pkg/idempotency"
	"github.com/settld/kernel/pkg/kernel"
	"github.com/settld/kernel/pkg/policy"
	"github.com/settld/kernel/pkg/rail"
)

type harness struct {
	machine  *Machine
	ledger   *escrow.Ledger
	payerRef escrow.WalletRef
	payeeRef escrow.WalletRef
	now      time.Time
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	backend := escrow.NewMemoryBackend()
	ledger := escrow.NewLedger(backend)
	m := &Machine{
		Store:             NewMemoryStore(),
		Wallets:           ledger,
		Rail:              rail.NewStub(),
		Idempotency:       idempotency.NewMemoryStore(time.Hour),
		OverrideSecret:    []byte("test-override-secret"),
		WalletTokenSecret: []byte("test-wallet-token-secret"),
		Clock:             func() time.Time { return now },
	}
	return &harness{
		machine:  m,
		ledger:   ledger,
		payerRef: escrow.WalletRef{TenantID: "t1", AgentID: "agent-a", Currency: "USD"},
		payeeRef: escrow.WalletRef{TenantID: "t1", AgentID: "agent-b", Currency: "USD"},
		now:      now,
	}
}

func (h *harness) fundPayer(t *testing.T, amountCents int64) {
	t.Helper()
	require.NoError(t, h.ledger.Apply(t.Context(), "fund:"+h.payerRef.AgentID, []escrow.Move{
		{Kind: escrow.MoveCredit, Wallet: h.payerRef, AmountCents: amountCents},
	}))
}

// kernelFixture builds a complete, independently-signed kernel.Input bound
// to a gate's payer/payee/amount, mirroring pkg/kernel's own test fixture.
func kernelFixture(t *testing.T, now time.Time, toolID, payer, payee string, amountCents int64, latencyMs, maxLatencyMs int64) kernel.Input {
	t.Helper()
	manifestKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	agreementKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	evidenceKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)

	manifest := &artifacts.ToolManifest{TenantID: "t1", ToolID: toolID, Name: "echo"}
	require.NoError(t, manifest.Sign(manifestKP, now))

	grant := &grants.Grant{
		GrantID:        "grant-1",
		Kind:           grants.KindAuthority,
		GranteeAgentID: payer,
		Scope:          grants.Scope{ToolIDs: []string{toolID}},
		SpendEnvelope:  grants.SpendEnvelope{Currency: "USD", MaxPerCallCents: 100000, MaxTotalCents: 1000000},
		Validity:       grants.Validity{IssuedAt: now.Add(-time.Hour), NotBefore: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)},
		ChainBinding:   grants.ChainBinding{Depth: 0, MaxDepth: 3},
	}
	require.NoError(t, grant.Sign(agreementKP, now))

	agreement := &artifacts.ToolCallAgreement{
		TenantID:           "t1",
		ArtifactID:         "ag-1",
		ToolID:             toolID,
		ToolManifestHash:   manifest.ManifestHash,
		AuthorityGrantID:   grant.GrantID,
		AuthorityGrantHash: grant.GrantHash,
		Payer:              payer,
		Payee:              payee,
		AmountCents:        amountCents,
		Currency:           "USD",
		CallID:             "call-1",
		InputHash:          "input-hash-1",
		AcceptanceCriteria: artifacts.AcceptanceCriteria{MaxLatencyMs: maxLatencyMs, RequireOutput: true},
	}
	require.NoError(t, agreement.Sign(agreementKP, now))

	evidence := &artifacts.ToolCallEvidence{
		TenantID:      "t1",
		ArtifactID:    "ev-1",
		AgreementID:   agreement.ArtifactID,
		AgreementHash: agreement.AgreementHash,
		CallID:        "call-1",
		InputHash:     "input-hash-1",
		Output:        map[string]any{"result": "ok"},
		StartedAt:     now,
		CompletedAt:   now.Add(time.Duration(latencyMs) * time.Millisecond),
	}
	require.NoError(t, evidence.Sign(evidenceKP, now))

	return kernel.Input{
		Manifest:  manifest,
		Grant:     kernel.GrantValidation{Result: grants.Result{OK: true, Reason: grants.ReasonOK}, GrantHash: grant.GrantHash},
		Agreement: agreement,
		Evidence:  evidence,
		Policy:    policy.DefaultProfile(),
		SignerKeys: kernel.SignerKeys{
			ManifestSigner:  manifestKP.Public,
			AgreementSigner: agreementKP.Public,
			EvidenceSigner:  evidenceKP.Public,
		},
	}
}

func TestMachine_HappyPathSettles(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := t.Context()
	h.fundPayer(t, 1000)

	g, err := h.machine.Create(ctx, CreateInput{
		TenantID: "t1", Payer: "agent-a", Payee: "agent-b", ToolID: "tool-1",
		AmountCents: 1000, Currency: "USD",
		Passport: Passport{Wallet: h.payerRef, Policy: Policy{Name: "default", Version: "v1"}},
	})
	require.NoError(t, err)
	require.Equal(t, StateCreated, g.State)

	token, err := h.machine.IssueWalletDecisionToken(g)
	require.NoError(t, err)
	g, err = h.machine.Authorize(ctx, AuthorizeInput{GateID: g.GateID, WalletDecisionToken: token})
	require.NoError(t, err)
	require.Equal(t, StateAuthorized, g.State)

	g, err = h.machine.Verify(ctx, VerifyInput{GateID: g.GateID, Status: VerificationGreen})
	require.NoError(t, err)
	require.Equal(t, StateVerified, g.State)

	kin := kernelFixture(t, now, "tool-1", "agent-a", "agent-b", 1000, 100, 1000)
	g, err = h.machine.Settle(ctx, SettleInput{GateID: g.GateID, KernelInput: kin})
	require.NoError(t, err)
	require.Equal(t, StateSettled, g.State)
	require.Equal(t, kernel.DecisionAccepted, g.Settlement.Decision)
	require.NotEmpty(t, g.Settlement.ReceiptID)

	payee, err := h.ledger.Get(ctx, h.payeeRef)
	require.NoError(t, err)
	require.Equal(t, int64(1000), payee.AvailableCents)
	payer, err := h.ledger.Get(ctx, h.payerRef)
	require.NoError(t, err)
	require.Equal(t, int64(0), payer.EscrowLockedCents)
}

func TestMachine_CreateLocksEscrowImmediately(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := t.Context()
	h.fundPayer(t, 1000)

	g, err := h.machine.Create(ctx, CreateInput{
		TenantID: "t1", Payer: "agent-a", Payee: "agent-b", ToolID: "tool-1",
		AmountCents: 1000, Currency: "USD",
		Passport: Passport{Wallet: h.payerRef, Policy: Policy{Name: "default", Version: "v1"}},
	})
	require.NoError(t, err)
	require.Equal(t, StateCreated, g.State)

	payer, err := h.ledger.Get(ctx, h.payerRef)
	require.NoError(t, err)
	require.Equal(t, int64(1000), payer.EscrowLockedCents, "create() must lock escrow before authorize() ever runs")
	require.Equal(t, int64(0), payer.AvailableCents)

	_, err = h.machine.Create(ctx, CreateInput{
		TenantID: "t1", Payer: "agent-a", Payee: "agent-b", ToolID: "tool-1",
		AmountCents: 1000, Currency: "USD",
		Passport: Passport{Wallet: h.payerRef, Policy: Policy{Name: "default", Version: "v1"}},
	})
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds, "a second gate against the same exhausted balance must collide at create(), not at authorize()")
}

func TestMachine_IdempotentSettle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := t.Context()
	h.fundPayer(t, 1000)

	g, err := h.machine.Create(ctx, CreateInput{
		TenantID: "t1", Payer: "agent-a", Payee: "agent-b", ToolID: "tool-1",
		AmountCents: 1000, Currency: "USD",
		Passport: Passport{Wallet: h.payerRef, Policy: Policy{Name: "default", Version: "v1"}},
	})
	require.NoError(t, err)
	token, err := h.machine.IssueWalletDecisionToken(g)
	require.NoError(t, err)
	g, err = h.machine.Authorize(ctx, AuthorizeInput{GateID: g.GateID, WalletDecisionToken: token, IdempotencyKey: "idem-auth"})
	require.NoError(t, err)
	g, err = h.machine.Verify(ctx, VerifyInput{GateID: g.GateID, Status: VerificationGreen, IdempotencyKey: "idem-verify"})
	require.NoError(t, err)

	kin := kernelFixture(t, now, "tool-1", "agent-a", "agent-b", 1000, 100, 1000)
	first, err := h.machine.Settle(ctx, SettleInput{GateID: g.GateID, KernelInput: kin, IdempotencyKey: "idem-settle"})
	require.NoError(t, err)

	second, err := h.machine.Settle(ctx, SettleInput{GateID: g.GateID, KernelInput: kin, IdempotencyKey: "idem-settle"})
	require.NoError(t, err)
	require.Equal(t, first.Settlement.ReceiptID, second.Settlement.ReceiptID)

	payee, err := h.ledger.Get(ctx, h.payeeRef)
	require.NoError(t, err)
	require.Equal(t, int64(1000), payee.AvailableCents, "replaying settle must not double-credit the payee")
}

// TestMachine_EscalationApproveThenRetry reproduces the §8 scenario:
// authorize on a gate whose policy caps daily authorization at the gate's
// own amount trips the cap on the first attempt, an operator approval
// mints a single-use override token that lets exactly one retry through,
// and a third retry with no fresh token trips the same fail-closed code
// again.
func TestMachine_EscalationApproveThenRetry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := t.Context()
	h.fundPayer(t, 10000)

	g, err := h.machine.Create(ctx, CreateInput{
		TenantID: "t1", Payer: "agent-a", Payee: "agent-b", ToolID: "tool-1",
		AmountCents: 300, Currency: "USD",
		Passport: Passport{Wallet: h.payerRef, Policy: Policy{Name: "default", Version: "v1", MaxDailyAuthorizationCents: 300}},
	})
	require.NoError(t, err)
	token, err := h.machine.IssueWalletDecisionToken(g)
	require.NoError(t, err)

	_, err = h.machine.Authorize(ctx, AuthorizeInput{GateID: g.GateID, WalletDecisionToken: token})
	require.ErrorIs(t, err, ErrEscalationRequired)

	g, err = h.machine.Store.GetGate(ctx, g.GateID)
	require.NoError(t, err)
	require.True(t, g.EscalationPending)

	esc, err := h.machine.ResolveEscalation(ctx, g.GateID, true, "operator-1")
	require.NoError(t, err)
	require.Equal(t, EscalationApproved, esc.Status)
	require.NotEmpty(t, esc.OverrideToken)

	g, err = h.machine.Authorize(ctx, AuthorizeInput{GateID: g.GateID, WalletDecisionToken: token, EscalationOverrideToken: esc.OverrideToken})
	require.NoError(t, err)
	require.Equal(t, StateAuthorized, g.State)

	g, err = h.machine.Verify(ctx, VerifyInput{GateID: g.GateID, Status: VerificationGreen})
	require.NoError(t, err)

	kin := kernelFixture(t, now, "tool-1", "agent-a", "agent-b", 300, 100, 1000)
	g, err = h.machine.Settle(ctx, SettleInput{GateID: g.GateID, KernelInput: kin})
	require.NoError(t, err)
	require.Equal(t, StateSettled, g.State)
	require.NotEmpty(t, g.Settlement.ReceiptID)

	_, err = h.machine.Authorize(ctx, AuthorizeInput{GateID: g.GateID, WalletDecisionToken: token})
	require.ErrorIs(t, err, ErrEscalationRequired, "a third retry with no fresh token trips the same hold again")
}

// TestMachine_EscalationRetripsWithoutFreshToken covers the narrower claim
// from the same scenario in isolation: a second authorize attempt on a
// gate still short of being settled, using a stale/absent token, trips the
// same cap check again rather than silently proceeding.
func TestMachine_EscalationRetripsWithoutFreshToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := t.Context()
	h.fundPayer(t, 10000)

	g, err := h.machine.Create(ctx, CreateInput{
		TenantID: "t1", Payer: "agent-a", Payee: "agent-b", ToolID: "tool-1",
		AmountCents: 300, Currency: "USD",
		Passport: Passport{Wallet: h.payerRef, Policy: Policy{Name: "default", Version: "v1", MaxDailyAuthorizationCents: 300}},
	})
	require.NoError(t, err)
	token, err := h.machine.IssueWalletDecisionToken(g)
	require.NoError(t, err)

	_, err = h.machine.Authorize(ctx, AuthorizeInput{GateID: g.GateID, WalletDecisionToken: token})
	require.ErrorIs(t, err, ErrEscalationRequired)

	_, err = h.machine.Authorize(ctx, AuthorizeInput{GateID: g.GateID, WalletDecisionToken: token})
	require.ErrorIs(t, err, ErrEscalationRequired, "retrying with no token must trip the same hold again")
}

// TestMachine_ReversalChain reproduces the §8 reversal-chain scenario:
// request_refund then resolve_refund append two linked ReversalEvents
// whose prevEventHash fields chain correctly.
func TestMachine_ReversalChain(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := t.Context()
	h.fundPayer(t, 1000)

	g, err := h.machine.Create(ctx, CreateInput{
		TenantID: "t1", Payer: "agent-a", Payee: "agent-b", ToolID: "tool-1",
		AmountCents: 1000, Currency: "USD",
		Passport: Passport{Wallet: h.payerRef, Policy: Policy{Name: "default", Version: "v1"}},
	})
	require.NoError(t, err)
	token, err := h.machine.IssueWalletDecisionToken(g)
	require.NoError(t, err)
	g, err = h.machine.Authorize(ctx, AuthorizeInput{GateID: g.GateID, WalletDecisionToken: token})
	require.NoError(t, err)
	g, err = h.machine.Verify(ctx, VerifyInput{GateID: g.GateID, Status: VerificationGreen})
	require.NoError(t, err)
	kin := kernelFixture(t, now, "tool-1", "agent-a", "agent-b", 1000, 100, 1000)
	g, err = h.machine.Settle(ctx, SettleInput{GateID: g.GateID, KernelInput: kin})
	require.NoError(t, err)

	requestCmd := ReversalCommand{Action: ReversalActionRequestRefund, GateID: g.GateID, RequestSHA256: "req-hash-1", SignedBy: "operator-1"}
	g, err = h.machine.RequestRefund(ctx, g.GateID, requestCmd, true)
	require.NoError(t, err)
	require.Equal(t, StateRefundRequested, g.State)

	resolveCmd := ReversalCommand{Action: ReversalActionResolveRefund, GateID: g.GateID, RequestSHA256: "req-hash-2", SignedBy: "operator-1"}
	g, err = h.machine.ResolveRefund(ctx, g.GateID, true, 1000, resolveCmd, true, "provider-decision-1", true)
	require.NoError(t, err)
	require.Equal(t, StateRefunded, g.State)

	events, err := h.machine.Store.ListReversalEvents(ctx, g.GateID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ReversalActionRequestRefund, events[0].Action)
	require.Equal(t, ReversalActionResolveRefund, events[1].Action)
	require.Equal(t, events[0].EventHash, events[1].PrevEventHash, "the second reversal event must chain to the first's hash")
	require.Equal(t, events[1].EventHash, g.ReversalChainHead)

	payer, err := h.ledger.Get(ctx, h.payerRef)
	require.NoError(t, err)
	require.Equal(t, int64(1000), payer.AvailableCents, "the refund must return the full amount to the payer")
	payee, err := h.ledger.Get(ctx, h.payeeRef)
	require.NoError(t, err)
	require.Equal(t, int64(0), payee.AvailableCents)
}

// TestMachine_RedVerificationVoids covers settle()'s branch for a red
// verification outcome: escrow is released back to the payer and the gate
// moves to voided without the settlement kernel ever running.
func TestMachine_RedVerificationVoids(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := t.Context()
	h.fundPayer(t, 1000)

	g, err := h.machine.Create(ctx, CreateInput{
		TenantID: "t1", Payer: "agent-a", Payee: "agent-b", ToolID: "tool-1",
		AmountCents: 1000, Currency: "USD",
		Passport: Passport{Wallet: h.payerRef, Policy: Policy{Name: "default", Version: "v1"}},
	})
	require.NoError(t, err)
	token, err := h.machine.IssueWalletDecisionToken(g)
	require.NoError(t, err)
	g, err = h.machine.Authorize(ctx, AuthorizeInput{GateID: g.GateID, WalletDecisionToken: token})
	require.NoError(t, err)
	g, err = h.machine.Verify(ctx, VerifyInput{GateID: g.GateID, Status: VerificationRed})
	require.NoError(t, err)

	g, err = h.machine.Settle(ctx, SettleInput{GateID: g.GateID})
	require.NoError(t, err)
	require.Equal(t, StateVoided, g.State)

	payer, err := h.ledger.Get(ctx, h.payerRef)
	require.NoError(t, err)
	require.Equal(t, int64(1000), payer.AvailableCents)
	require.Equal(t, int64(0), payer.EscrowLockedCents)
}
