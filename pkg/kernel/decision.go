// Package kernel implements the settlement kernel (§4.7): a pure function
// that, given a ToolManifest, AuthorityGrant validation result,
// ToolCallAgreement, and ToolCallEvidence, produces a DecisionRecord and
// SettlementReceipt. It performs no I/O — no store, no rail, no clock
// besides the now it is handed — so the same inputs always produce the
// same outputs, which is what lets the verifier in pkg/verifier
// reproduce a decision independently.
package kernel

import (
	"time"

	"github.com/settld/kernel/pkg/canonicalize"
	"github.com/settld/kernel/pkg/cryptox"
)

// Decision is the tri-state outcome of settlement (§3).
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionPartial  Decision = "partial"
)

// Reason is a stable machine-checkable code explaining a decision.
type Reason string

const (
	ReasonAllChecksPassed       Reason = "all_checks_passed"
	ReasonManifestHashMismatch  Reason = "manifest_hash_mismatch"
	ReasonGrantHashMismatch     Reason = "grant_hash_mismatch"
	ReasonAgreementHashMismatch Reason = "agreement_hash_mismatch"
	ReasonInputHashMismatch     Reason = "input_hash_mismatch"
	ReasonGrantInvalid          Reason = "grant_invalid"
	ReasonSignatureInvalid      Reason = "signature_invalid"
	ReasonOutputMissing         Reason = "output_missing"
	ReasonOutputTooLarge        Reason = "output_too_large"
	ReasonLatencyExceeded       Reason = "latency_exceeded"
	ReasonLatencyBanded         Reason = "latency_banded_partial"
	ReasonCompletedBeforeStart  Reason = "completed_before_start"
)

// DecisionInputs are the hashes a DecisionRecord binds to, per §3.
type DecisionInputs struct {
	AgreementHash     string
	EvidenceHash      string
	GrantHash         string
	ManifestHash      string
	ProfileHashUsed   string
	PolicyFingerprint string
}

// DecisionRecord is the deterministic, hash-bound output of one settle
// attempt (§3).
type DecisionRecord struct {
	DecisionID   string
	DecisionHash string
	Inputs       DecisionInputs
	Decision     Decision
	Reason       Reason
	ReleaseRatePct int
	DecidedAt    time.Time
	Signature    *cryptox.Signature
}

func (d *DecisionRecord) projection() map[string]any {
	return map[string]any{
		"decisionId": d.DecisionID,
		"inputs": map[string]any{
			"agreementHash":     d.Inputs.AgreementHash,
			"evidenceHash":      d.Inputs.EvidenceHash,
			"grantHash":         d.Inputs.GrantHash,
			"manifestHash":      d.Inputs.ManifestHash,
			"profileHashUsed":   d.Inputs.ProfileHashUsed,
			"policyFingerprint": d.Inputs.PolicyFingerprint,
		},
		"decision":       string(d.Decision),
		"reason":         string(d.Reason),
		"releaseRatePct": d.ReleaseRatePct,
		"decidedAt":      d.DecidedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Hash recomputes DecisionHash.
func (d *DecisionRecord) Hash() (string, error) {
	return canonicalize.Hash(d.projection())
}

// Transfer describes the cents moved (or not moved) by a settlement.
type Transfer struct {
	AmountCents int64
	Currency    string
	From        string
	To          string
}

// Bindings pins the receipt to the request/response/quote/spend-auth
// artifacts that produced it (§3).
type Bindings struct {
	RequestHash          string
	ResponseHash         string
	QuoteHash            string
	SpendAuthorizationHash string
}

// SettlementReceipt is the signed, hash-bound artifact emitted on every
// settle attempt (§3).
type SettlementReceipt struct {
	ReceiptID      string
	DecisionID     string
	DecisionHash   string
	Transfer       Transfer
	RefundCents    int64
	Bindings       Bindings
	ProviderOutputSignature *cryptox.Signature
	ProviderQuoteSignature  *cryptox.Signature
	ReversalEvents []string // event ids, appended to as reversals occur
	ReceiptHash    string
}

func (r *SettlementReceipt) projection() map[string]any {
	return map[string]any{
		"receiptId":    r.ReceiptID,
		"decisionId":   r.DecisionID,
		"decisionHash": r.DecisionHash,
		"transfer": map[string]any{
			"amountCents": r.Transfer.AmountCents,
			"currency":    r.Transfer.Currency,
			"from":        r.Transfer.From,
			"to":          r.Transfer.To,
		},
		"refundCents": r.RefundCents,
		"bindings": map[string]any{
			"requestHash":            r.Bindings.RequestHash,
			"responseHash":           r.Bindings.ResponseHash,
			"quoteHash":              r.Bindings.QuoteHash,
			"spendAuthorizationHash": r.Bindings.SpendAuthorizationHash,
		},
	}
}

// Hash recomputes ReceiptHash.
func (r *SettlementReceipt) Hash() (string, error) {
	return canonicalize.Hash(r.projection())
}

// ReceiptID deterministically derives a receipt id from the decision and
// agreement hashes (§3: "receiptId = deterministic function of
// decisionHash + agreementHash").
func ReceiptID(decisionHash, agreementHash string) (string, error) {
	return canonicalize.Hash(map[string]any{"decisionHash": decisionHash, "agreementHash": agreementHash})
}
