package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/escrow"
	"github.com/settld/kernel/pkg/eventlog"
	"github.com/settld/kernel/pkg/idempotency"
	"github.com/settld/kernel/pkg/kernel"
	"github.com/settld/kernel/pkg/rail"
)

// Machine runs the §4.8 state machine: create locks the payer's escrow,
// authorize advances the gate (reserving against an external rail when
// the policy requires it), verify
// binds a provider-reported outcome, and settle either releases escrow
// through the settlement kernel or voids it outright on a red
// verification. Grounded on the teacher's envelope.EnvelopeGate: one
// mutex-free, store-backed object per gate, fail-closed on every
// ambiguous path.
type Machine struct {
	Store       Store
	Wallets     *escrow.Ledger
	Rail        rail.Adapter
	Idempotency idempotency.Store

	// OverrideSecret seeds escalation override token derivation (§4.8).
	OverrideSecret []byte
	// WalletTokenSecret seeds wallet authorization decision token
	// derivation for the /x402/gate/{id}/wallet-token route (§6).
	WalletTokenSecret []byte

	Clock func() time.Time
}

func (m *Machine) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

// CreateInput is the input to Create.
type CreateInput struct {
	TenantID    string
	Payer       string
	Payee       string
	ToolID      string
	AmountCents int64
	Currency    string
	Passport    Passport
}

// Create opens a new gate in StateCreated and locks the payer's escrow for
// the gate's amount (§4.8: create()'s two effects are "state=created, lock
// payer escrow = amount"). The external-rail reserve stays a separate
// effect of authorize(), as §4.8 splits them — only the ledger hold moves
// here, so two gates against the same balance now collide at create()
// instead of silently both reaching authorize().
func (m *Machine) Create(ctx context.Context, in CreateInput) (*Gate, error) {
	g := &Gate{
		GateID:            uuid.New().String(),
		TenantID:          in.TenantID,
		Payer:             in.Payer,
		Payee:             in.Payee,
		ToolID:            in.ToolID,
		AmountCents:       in.AmountCents,
		Currency:          in.Currency,
		Passport:          in.Passport,
		State:             StateCreated,
		ReversalChainHead: eventlog.NullPrevHash,
		CreatedAt:         m.now(),
	}
	if err := m.Wallets.Apply(ctx, "create:"+g.GateID, []escrow.Move{
		{Kind: escrow.MoveLock, Wallet: g.Passport.Wallet, AmountCents: g.AmountCents},
	}); err != nil {
		return nil, fmt.Errorf("gate: lock escrow: %w", err)
	}
	if err := m.Store.CreateGate(ctx, g); err != nil {
		return nil, fmt.Errorf("gate: create: %w", err)
	}
	return g, nil
}

// IssueWalletDecisionToken mints the HMAC token a wallet signs off with
// before authorize() will accept a hold, binding it to the gate's amount,
// currency, and policy version so it cannot be replayed against another
// gate or a changed amount.
func (m *Machine) IssueWalletDecisionToken(g *Gate) (string, error) {
	return deriveOverrideToken(m.WalletTokenSecret, g.GateID, g.Passport.Policy.Version+"|"+g.Currency, g.AmountCents)
}

func (m *Machine) verifyWalletDecisionToken(g *Gate, token string) (bool, error) {
	want, err := m.IssueWalletDecisionToken(g)
	if err != nil {
		return false, err
	}
	return want == token, nil
}

func (m *Machine) idemKey(tenantID, kind, gateID string, idempotencyKey string) idempotency.Key {
	return idempotency.Key{TenantID: tenantID, Method: kind, Path: "/x402/gate/" + gateID, IdempotencyKey: idempotencyKey}
}

// replay returns a previously completed result for key if the request body
// (the transition's arguments) was seen before, nil if this is a fresh
// attempt, or idempotency.ErrConflict if the key was reused with different
// arguments (§4.8: "each transition idempotent by (gateId, transition-kind,
// request body fingerprint)").
func (m *Machine) replay(ctx context.Context, key idempotency.Key, body []byte) (*Gate, error) {
	if key.IdempotencyKey == "" || m.Idempotency == nil {
		return nil, nil
	}
	cached, err := idempotency.Check(ctx, m.Idempotency, key, body)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}
	var g Gate
	if err := json.Unmarshal(cached.Body, &g); err != nil {
		return nil, fmt.Errorf("gate: decode cached transition: %w", err)
	}
	return &g, nil
}

func (m *Machine) complete(ctx context.Context, key idempotency.Key, body []byte, g *Gate) error {
	if key.IdempotencyKey == "" || m.Idempotency == nil {
		return nil
	}
	gj, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return m.Idempotency.Complete(ctx, key, idempotency.StoredResponse{
		StatusCode:      200,
		Body:            gj,
		BodyFingerprint: idempotency.FingerprintBody(body),
	})
}

// AuthorizeInput is the input to Authorize.
type AuthorizeInput struct {
	GateID                  string
	WalletDecisionToken     string
	EscalationOverrideToken string
	IdempotencyKey          string
}

// Authorize runs the §4.8 authorize() transition. If the gate's daily
// authorization cap would be reached or exceeded by this amount, it opens
// (or reuses) an escalation hold and returns ErrEscalationRequired instead
// of advancing state, unless a valid, unconsumed, approved override token
// for this exact (gateId, policyVersion, amount) binding is supplied — in
// which case the token is consumed and authorization proceeds. The
// trip check runs on every call, so a stale or already-consumed token on a
// later retry trips the same hold again (§8 escalation scenario's third
// retry).
func (m *Machine) Authorize(ctx context.Context, in AuthorizeInput) (*Gate, error) {
	body := []byte(in.WalletDecisionToken + "|" + in.EscalationOverrideToken)
	key := m.idemKey("", "authorize", in.GateID, in.IdempotencyKey)

	g, err := m.Store.GetGate(ctx, in.GateID)
	if err != nil {
		return nil, err
	}
	key.TenantID = g.TenantID

	if cached, err := m.replay(ctx, key, body); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	ok, err := m.verifyWalletDecisionToken(g, in.WalletDecisionToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrWalletTokenInvalid
	}

	// The daily-cap check runs ahead of the state guard and is evaluated
	// on every call regardless of the gate's current state: §8's
	// escalation scenario requires a retry with no fresh token to trip
	// the same fail-closed code even once the gate has moved past
	// authorized, not just while it is still eligible to authorize.
	now := m.now()
	day := now.UTC().Format("2006-01-02")

	tripped := false
	if g.Passport.Policy.MaxDailyAuthorizationCents > 0 {
		spent, err := m.Store.DailySpend(ctx, g.TenantID, g.Passport.Policy.Version, day)
		if err != nil {
			return nil, err
		}
		if spent+g.AmountCents >= g.Passport.Policy.MaxDailyAuthorizationCents {
			tripped = true
		}
	}

	if tripped {
		bypassed, err := m.tryBypassEscalation(ctx, g, in.EscalationOverrideToken)
		if err != nil {
			return nil, err
		}
		if !bypassed {
			if err := m.openEscalation(ctx, g, "daily_authorization_cap_tripped"); err != nil {
				return nil, err
			}
			return nil, ErrEscalationRequired
		}
	}

	if g.State != StateCreated && g.State != StateAuthorized {
		return nil, ErrInvalidTransition
	}

	if g.State == StateAuthorized {
		// Already authorized; this call only existed to consume an
		// override token on a tripped re-check, handled above.
		if err := m.complete(ctx, key, body, g); err != nil {
			return nil, err
		}
		return g, nil
	}

	if g.Passport.Policy.RequireExternalReserve {
		res, err := m.Rail.Reserve(ctx, rail.ReserveRequest{
			TenantID:       g.TenantID,
			GateID:         g.GateID,
			AmountCents:    g.AmountCents,
			Currency:       g.Currency,
			IdempotencyKey: g.GateID + ":authorize",
		})
		if err != nil {
			return nil, fmt.Errorf("gate: reserve: %w", err)
		}
		if res.Status != rail.StatusReserved {
			return nil, fmt.Errorf("gate: rail refused reserve: status %s", res.Status)
		}
		g.Authorization = &Authorization{WalletDecisionToken: in.WalletDecisionToken, ReserveID: res.ReserveID, AuthorizedAt: now}
	} else {
		g.Authorization = &Authorization{WalletDecisionToken: in.WalletDecisionToken, AuthorizedAt: now}
	}

	// Escrow is already locked by create() (§4.8); authorize() only
	// advances state and, when the policy requires it, reserves against
	// the external rail above.
	g.State = StateAuthorized
	g.EscalationPending = false

	if err := m.Store.RecordDailySpend(ctx, g.TenantID, g.Passport.Policy.Version, day, g.AmountCents); err != nil {
		return nil, err
	}
	if err := m.Store.PutGate(ctx, g); err != nil {
		return nil, err
	}
	if err := m.complete(ctx, key, body, g); err != nil {
		return nil, err
	}
	return g, nil
}

// tryBypassEscalation consumes a supplied override token against the
// gate's open escalation, if any, returning true when the trip is
// bypassed.
func (m *Machine) tryBypassEscalation(ctx context.Context, g *Gate, overrideToken string) (bool, error) {
	if overrideToken == "" {
		return false, nil
	}
	valid, err := verifyOverrideToken(m.OverrideSecret, g.GateID, g.Passport.Policy.Version, g.AmountCents, overrideToken)
	if err != nil {
		return false, err
	}
	if !valid {
		return false, nil
	}
	esc, err := m.Store.GetOpenEscalation(ctx, g.GateID)
	if err != nil {
		if errors.Is(err, ErrEscalationNotFound) {
			return false, nil
		}
		return false, err
	}
	if esc.Status != EscalationApproved || esc.Consumed || esc.OverrideToken != overrideToken {
		return false, nil
	}
	esc.Consumed = true
	if err := m.Store.PutEscalation(ctx, esc); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) openEscalation(ctx context.Context, g *Gate, reason string) error {
	existing, err := m.Store.GetOpenEscalation(ctx, g.GateID)
	if err == nil && existing.Status == EscalationPending {
		g.EscalationPending = true
		return m.Store.PutGate(ctx, g)
	}
	if err != nil && !errors.Is(err, ErrEscalationNotFound) {
		return err
	}
	esc := &Escalation{
		EscalationID: uuid.New().String(),
		GateID:       g.GateID,
		Reason:       reason,
		Status:       EscalationPending,
		CreatedAt:    m.now(),
	}
	if err := m.Store.PutEscalation(ctx, esc); err != nil {
		return err
	}
	g.EscalationPending = true
	return m.Store.PutGate(ctx, g)
}

// ResolveEscalation approves or denies the gate's open escalation. Approval
// mints a single-use override token bound to the gate's current amount and
// policy version. Denial closes that escalation only: a denied escalation
// is not looked up again, so the next authorize() that trips the cap
// opens a fresh pending escalation, which can itself be approved.
func (m *Machine) ResolveEscalation(ctx context.Context, gateID string, approve bool, resolvedBy string) (*Escalation, error) {
	g, err := m.Store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	esc, err := m.Store.GetOpenEscalation(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscalationPending {
		return esc, nil
	}
	esc.ResolvedAt = m.now()
	esc.ResolvedBy = resolvedBy
	if approve {
		token, err := deriveOverrideToken(m.OverrideSecret, g.GateID, g.Passport.Policy.Version, g.AmountCents)
		if err != nil {
			return nil, err
		}
		esc.Status = EscalationApproved
		esc.OverrideToken = token
	} else {
		esc.Status = EscalationDenied
	}
	if err := m.Store.PutEscalation(ctx, esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// VerifyInput is the input to Verify.
type VerifyInput struct {
	GateID                  string
	Status                  VerificationStatus
	EvidenceRefs            EvidenceRefs
	ProviderOutputSignature *cryptox.Signature
	IdempotencyKey          string
}

// Verify runs the §4.8 verify() transition, binding the provider-reported
// outcome to the gate. It never itself decides a void outcome — that
// happens in Settle, which branches on a red status instead of running
// the settlement kernel.
func (m *Machine) Verify(ctx context.Context, in VerifyInput) (*Gate, error) {
	g, err := m.Store.GetGate(ctx, in.GateID)
	if err != nil {
		return nil, err
	}
	key := m.idemKey(g.TenantID, "verify", in.GateID, in.IdempotencyKey)
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	if cached, err := m.replay(ctx, key, body); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	if g.State != StateAuthorized {
		return nil, ErrInvalidTransition
	}

	g.Verification = &Verification{
		Status:                  in.Status,
		EvidenceRefs:            in.EvidenceRefs,
		ProviderOutputSignature: in.ProviderOutputSignature,
		VerifiedAt:              m.now(),
	}
	g.State = StateVerified

	if err := m.Store.PutGate(ctx, g); err != nil {
		return nil, err
	}
	if err := m.complete(ctx, key, body, g); err != nil {
		return nil, err
	}
	return g, nil
}

// SettleInput is the input to Settle. KernelInput's Now/DecisionID/ReceiptID
// are filled in by Settle itself; callers supply everything the kernel
// needs to have resolved from stores (manifest, grant validation,
// agreement, evidence, policy, signer keys).
type SettleInput struct {
	GateID         string
	KernelInput    kernel.Input
	IdempotencyKey string
}

// Settle runs the §4.8 settle() transition. A red verification status
// releases the full escrow hold back to the payer and moves the gate to
// voided without consulting the settlement kernel at all; green or amber
// runs kernel.Settle and applies its transfer/refund split to the escrow
// ledger in the same transition keyed by the gate id, then moves the gate
// to settled regardless of the kernel's own accept/reject/partial verdict
// (that verdict lives on the DecisionRecord and Settlement.Decision).
func (m *Machine) Settle(ctx context.Context, in SettleInput) (*Gate, error) {
	g, err := m.Store.GetGate(ctx, in.GateID)
	if err != nil {
		return nil, err
	}
	key := m.idemKey(g.TenantID, "settle", in.GateID, in.IdempotencyKey)
	body := []byte(in.GateID)
	if cached, err := m.replay(ctx, key, body); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	if g.State != StateVerified {
		return nil, ErrInvalidTransition
	}

	payerRef := g.Passport.Wallet
	payeeRef := escrow.WalletRef{TenantID: g.TenantID, AgentID: g.Payee, Currency: g.Currency}
	transitionID := "settle:" + g.GateID
	now := m.now()

	if g.Verification.Status == VerificationRed {
		if err := m.Wallets.Apply(ctx, transitionID, []escrow.Move{
			{Kind: escrow.MoveVoid, Wallet: payerRef, AmountCents: g.AmountCents},
		}); err != nil {
			return nil, fmt.Errorf("gate: void escrow: %w", err)
		}
		if g.Authorization != nil && g.Authorization.ReserveID != "" {
			if _, err := m.Rail.Void(ctx, rail.VoidRequest{ReserveID: g.Authorization.ReserveID, IdempotencyKey: transitionID}); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNeedsReconciliation, err)
			}
		}
		g.State = StateVoided
		if err := m.Store.PutGate(ctx, g); err != nil {
			return nil, err
		}
		if err := m.complete(ctx, key, body, g); err != nil {
			return nil, err
		}
		return g, nil
	}

	kin := in.KernelInput
	kin.Now = now
	if kin.DecisionID == "" {
		kin.DecisionID = uuid.New().String()
	}

	decision, receipt, err := kernel.Settle(kin)
	if err != nil {
		return nil, fmt.Errorf("gate: settle kernel: %w", err)
	}
	if receipt.ReceiptID == "" {
		rid, err := kernel.ReceiptID(decision.DecisionHash, kin.Agreement.AgreementHash)
		if err != nil {
			return nil, err
		}
		receipt.ReceiptID = rid
	}

	moves := make([]escrow.Move, 0, 2)
	if receipt.Transfer.AmountCents > 0 {
		moves = append(moves, escrow.Move{Kind: escrow.MoveRelease, Wallet: payerRef, To: &payeeRef, AmountCents: receipt.Transfer.AmountCents})
	}
	if receipt.RefundCents > 0 {
		moves = append(moves, escrow.Move{Kind: escrow.MoveRefund, Wallet: payerRef, AmountCents: receipt.RefundCents})
	}
	if len(moves) > 0 {
		if err := m.Wallets.Apply(ctx, transitionID, moves); err != nil {
			return nil, fmt.Errorf("gate: apply settlement escrow: %w", err)
		}
	}

	g.Settlement = &Settlement{
		DecisionID:    decision.DecisionID,
		ReceiptID:     receipt.ReceiptID,
		Decision:      decision.Decision,
		TransferCents: receipt.Transfer.AmountCents,
		RefundCents:   receipt.RefundCents,
		SettledAt:     now,
	}
	g.State = StateSettled

	if err := m.Store.PutGate(ctx, g); err != nil {
		return nil, err
	}
	if err := m.complete(ctx, key, body, g); err != nil {
		return nil, err
	}
	return g, nil
}

// RequestRefund appends a request_refund link to the gate's reversal
// chain and moves it to refund_requested. It performs no ledger movement
// by itself — the compensation happens in ResolveRefund once the refund is
// actually granted.
func (m *Machine) RequestRefund(ctx context.Context, gateID string, cmd ReversalCommand, cmdVerified bool) (*Gate, error) {
	g, err := m.Store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if g.State != StateSettled {
		return nil, ErrInvalidTransition
	}
	ev, err := newReversalEvent(gateID, g.Settlement.ReceiptID, ReversalActionRequestRefund, cmd, cmdVerified, "", false, nil, m.now(), g.ReversalChainHead)
	if err != nil {
		return nil, err
	}
	if err := m.Store.AppendReversalEvent(ctx, ev); err != nil {
		return nil, err
	}
	g.ReversalChainHead = ev.EventHash
	g.State = StateRefundRequested
	if err := m.Store.PutGate(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// ResolveRefund appends a resolve_refund link and, when approved, moves
// amountCents from the payee's available balance back to the payer's with
// two moves: a lock on the payee's wallet, then a refund of that lock to
// the payer, so a post-settlement reversal reuses the escrow move kinds
// rather than a bespoke transfer path.
func (m *Machine) ResolveRefund(ctx context.Context, gateID string, approved bool, amountCents int64, cmd ReversalCommand, cmdVerified bool, providerArtifact string, providerVerified bool) (*Gate, error) {
	g, err := m.Store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if g.State != StateRefundRequested {
		return nil, ErrInvalidTransition
	}

	if approved {
		payerRef := g.Passport.Wallet
		payeeRef := escrow.WalletRef{TenantID: g.TenantID, AgentID: g.Payee, Currency: g.Currency}
		transitionID := "refund:" + g.GateID
		if err := m.Wallets.Apply(ctx, transitionID, []escrow.Move{
			{Kind: escrow.MoveLock, Wallet: payeeRef, AmountCents: amountCents},
			{Kind: escrow.MoveRefund, Wallet: payeeRef, To: &payerRef, AmountCents: amountCents},
		}); err != nil {
			return nil, fmt.Errorf("gate: apply refund escrow: %w", err)
		}
	}

	ev, err := newReversalEvent(gateID, g.Settlement.ReceiptID, ReversalActionResolveRefund, cmd, cmdVerified, providerArtifact, providerVerified, nil, m.now(), g.ReversalChainHead)
	if err != nil {
		return nil, err
	}
	if err := m.Store.AppendReversalEvent(ctx, ev); err != nil {
		return nil, err
	}
	g.ReversalChainHead = ev.EventHash
	g.Settlement.RefundCents += func() int64 {
		if approved {
			return amountCents
		}
		return 0
	}()
	g.State = StateRefunded
	if err := m.Store.PutGate(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}
