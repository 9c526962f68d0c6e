// Package gate implements the x402 payment-gate state machine (§4.8): the
// object representing one paid tool interaction as it moves through
// created -> authorized -> verified -> settled (or verified -> voided on a
// red verification, settled -> refund_requested -> refunded), with an
// orthogonal escalation_pending hold. There is no void transition out of
// authorized, and only authorize() raises the hold. Grounded on the
// teacher's envelope.EnvelopeGate (fail-closed, mutex-guarded runtime
// state keyed to one bound object) generalized from a single in-process
// gate to a store-backed state machine keyed per gateID, and on
// escalation.Manager's intent/receipt lifecycle for the human-in-the-loop
// hold.
package gate

import (
	"errors"
	"time"

	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/escrow"
	"github.com/settld/kernel/pkg/kernel"
)

// State is a position in the gate's finite-state lattice (§3, §4.8).
type State string

const (
	StateCreated         State = "created"
	StateAuthorized      State = "authorized"
	StateVerified        State = "verified"
	StateSettled         State = "settled"
	StateVoided          State = "voided"
	StateRefundRequested State = "refund_requested"
	StateRefunded        State = "refunded"
)

// VerificationStatus is the provider-reported outcome attached by verify()
// (§4.8).
type VerificationStatus string

const (
	VerificationGreen VerificationStatus = "green"
	VerificationAmber VerificationStatus = "amber"
	VerificationRed   VerificationStatus = "red"
)

// Errors returned by Machine operations. Each maps to a stable code at the
// pkg/api boundary (§7).
var (
	ErrGateNotFound         = errors.New("gate: not found")
	ErrInvalidTransition    = errors.New("gate: invalid state transition")
	ErrEscalationRequired   = errors.New("gate: ESCALATION_REQUIRED")
	ErrWalletTokenInvalid   = errors.New("gate: wallet authorization decision token invalid")
	ErrOverrideTokenInvalid = errors.New("gate: escalation override token invalid or consumed")
	ErrNeedsReconciliation  = errors.New("gate: external rail outcome unresolved, reconciliation required")
)

// Policy is the subset of a gate's bound policy document consulted by the
// state machine directly (daily authorization cap, external-reserve
// requirement); the settlement-kernel latency bands live in pkg/policy and
// are consulted only inside Settle.
type Policy struct {
	Name                       string
	Version                    string
	MaxDailyAuthorizationCents int64
	RequireExternalReserve     bool
}

// Passport is the bundle of references that authorizes an agent to open a
// gate (§3, GLOSSARY).
type Passport struct {
	Sponsor         string
	Wallet          escrow.WalletRef
	AgentKeyID      string
	DelegationGrantID string
	Policy          Policy
}

// Authorization records the effect of a successful authorize() call.
type Authorization struct {
	WalletDecisionToken string
	ReserveID           string
	AuthorizedAt        time.Time
}

// EvidenceRefs pins the request/response hashes bound at verify() time
// (§4.8).
type EvidenceRefs struct {
	RequestSHA256  string
	ResponseSHA256 string
}

// Verification records the effect of a verify() call.
type Verification struct {
	Status                  VerificationStatus
	EvidenceRefs            EvidenceRefs
	ProviderOutputSignature *cryptox.Signature
	VerifiedAt              time.Time
}

// Settlement records the outcome of a settle() call.
type Settlement struct {
	DecisionID   string
	ReceiptID    string
	Decision     kernel.Decision
	TransferCents int64
	RefundCents   int64
	SettledAt    time.Time
}

// Gate is the per-interaction state machine object (§3).
type Gate struct {
	GateID             string
	TenantID           string
	Payer              string
	Payee              string
	ToolID             string
	AmountCents        int64
	Currency           string
	Passport           Passport
	State              State
	EscalationPending  bool
	Authorization      *Authorization
	Verification       *Verification
	Settlement         *Settlement
	ReversalChainHead  string // "null" when empty, else the last ReversalEvent's eventHash
	CreatedAt          time.Time
}
