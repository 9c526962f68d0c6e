package kernel

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/settld/kernel/pkg/artifacts"
	"github.com/settld/kernel/pkg/canonicalize"
	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/grants"
	"github.com/settld/kernel/pkg/policy"
)

// GrantValidation is the caller-supplied result of grants.Validate, passed
// in rather than recomputed so the kernel stays I/O-free: grant
// revocation lookups require a store, which the kernel must never touch.
type GrantValidation struct {
	Result    grants.Result
	GrantHash string
}

// Input bundles everything Settle needs (§4.7: "Inputs: ToolManifest,
// AuthorityGrant, ToolCallAgreement, ToolCallEvidence, now").
type Input struct {
	Manifest   *artifacts.ToolManifest
	Grant      GrantValidation
	Agreement  *artifacts.ToolCallAgreement
	Evidence   *artifacts.ToolCallEvidence
	Now        time.Time
	DecisionID string
	ReceiptID  string
	Policy     *policy.Profile
	Bindings   Bindings

	// SignerKeys resolves the artifacts' signing keys; the caller resolves
	// these from agent identity records before calling Settle so the
	// kernel itself never touches a store. Verification of signer
	// lifecycle state (active/rotated/revoked) happens upstream in
	// grants.Validate and the gate; here the kernel only checks that the
	// bytes were actually signed by the claimed key.
	SignerKeys SignerKeys
}

// SignerKeys are the public keys resolved for each signed artifact
// consulted by Settle.
type SignerKeys struct {
	ManifestSigner  ed25519.PublicKey
	AgreementSigner ed25519.PublicKey
	EvidenceSigner  ed25519.PublicKey
}

// Settle runs the deterministic §4.7 procedure. It performs no I/O: every
// hash/signature verification is pure computation over its arguments, and
// the caller is responsible for applying the resulting ledger transition
// in a single store transaction keyed by agreement.AgreementHash to
// guarantee at-most-once settlement (§4.7 tie-break note).
func Settle(in Input) (*DecisionRecord, *SettlementReceipt, error) {
	if in.Policy == nil {
		return nil, nil, fmt.Errorf("kernel: policy profile is required")
	}

	decision, reason, releaseRatePct := evaluate(in)

	profileFingerprint, err := in.Policy.Fingerprint()
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: policy fingerprint: %w", err)
	}

	dr := &DecisionRecord{
		DecisionID: in.DecisionID,
		Inputs: DecisionInputs{
			AgreementHash:     in.Agreement.AgreementHash,
			EvidenceHash:      in.Evidence.EvidenceHash,
			GrantHash:         in.Grant.GrantHash,
			ManifestHash:      in.Manifest.ManifestHash,
			ProfileHashUsed:   in.Policy.Version,
			PolicyFingerprint: profileFingerprint,
		},
		Decision:       decision,
		Reason:         reason,
		ReleaseRatePct: releaseRatePct,
		DecidedAt:      in.Now,
	}
	dh, err := dr.Hash()
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: decision hash: %w", err)
	}
	dr.DecisionHash = dh

	transferCents := in.Agreement.AmountCents * int64(releaseRatePct) / 100
	refundCents := in.Agreement.AmountCents - transferCents

	receiptID := in.ReceiptID
	if receiptID == "" {
		receiptID, err = ReceiptID(dh, in.Agreement.AgreementHash)
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: receipt id: %w", err)
		}
	}

	receipt := &SettlementReceipt{
		ReceiptID:    receiptID,
		DecisionID:   dr.DecisionID,
		DecisionHash: dh,
		Transfer: Transfer{
			AmountCents: transferCents,
			Currency:    in.Agreement.Currency,
			From:        in.Agreement.Payer,
			To:          in.Agreement.Payee,
		},
		RefundCents:             refundCents,
		Bindings:                in.Bindings,
		ProviderOutputSignature: in.Evidence.Signature,
	}
	rh, err := receipt.Hash()
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: receipt hash: %w", err)
	}
	receipt.ReceiptHash = rh

	return dr, receipt, nil
}

// evaluate runs steps 1-3 of §4.7 and returns the decision, its reason,
// and the release rate that will be applied in step 4. Tie-break: a hard
// check failure (rejected) dominates a banded partial, which dominates a
// clean accept (§4.7: "rejection dominates partial, partial dominates
// acceptance").
func evaluate(in Input) (Decision, Reason, int) {
	if in.Manifest.ManifestHash == "" || in.Agreement.ToolManifestHash != in.Manifest.ManifestHash {
		return DecisionRejected, ReasonManifestHashMismatch, 0
	}
	if in.Agreement.AuthorityGrantHash != in.Grant.GrantHash {
		return DecisionRejected, ReasonGrantHashMismatch, 0
	}
	if !in.Grant.Result.OK {
		return DecisionRejected, ReasonGrantInvalid, 0
	}
	if in.Evidence.AgreementHash != in.Agreement.AgreementHash {
		return DecisionRejected, ReasonAgreementHashMismatch, 0
	}
	if in.Evidence.InputHash != in.Agreement.InputHash {
		return DecisionRejected, ReasonInputHashMismatch, 0
	}
	if in.Evidence.CompletedAt.Before(in.Evidence.StartedAt) {
		return DecisionRejected, ReasonCompletedBeforeStart, 0
	}
	if !verifyArtifactSignatures(in) {
		return DecisionRejected, ReasonSignatureInvalid, 0
	}

	crit := in.Agreement.AcceptanceCriteria
	if crit.RequireOutput && len(in.Evidence.Output) == 0 {
		return DecisionRejected, ReasonOutputMissing, 0
	}
	if crit.MaxOutputBytes > 0 {
		n, err := canonicalOutputSize(in.Evidence.Output)
		if err == nil && n > crit.MaxOutputBytes {
			return DecisionRejected, ReasonOutputTooLarge, 0
		}
	}

	latencyMs := in.Evidence.CompletedAt.Sub(in.Evidence.StartedAt).Milliseconds()
	if crit.MaxLatencyMs <= 0 || latencyMs <= crit.MaxLatencyMs {
		return DecisionAccepted, ReasonAllChecksPassed, 100
	}

	overrunPct := float64(latencyMs-crit.MaxLatencyMs) / float64(crit.MaxLatencyMs) * 100
	rate, ok := in.Policy.ReleaseRateForOverrun(overrunPct)
	if !ok {
		return DecisionRejected, ReasonLatencyExceeded, 0
	}
	if rate >= 100 {
		return DecisionAccepted, ReasonAllChecksPassed, 100
	}
	if rate <= 0 {
		return DecisionRejected, ReasonLatencyExceeded, 0
	}
	return DecisionPartial, ReasonLatencyBanded, rate
}

// verifyArtifactSignatures checks every signed artifact's signature
// against its own recomputed hash and claimed signer key. A nil signer
// key skips that artifact's check (callers that omit a key are asserting
// the identity was already verified elsewhere, e.g. in grants.Validate).
func verifyArtifactSignatures(in Input) bool {
	if in.SignerKeys.ManifestSigner != nil && in.Manifest.Signature != nil {
		if h, err := in.Manifest.Hash(); err != nil || h != in.Manifest.ManifestHash {
			return false
		}
		if cryptox.Verify(in.SignerKeys.ManifestSigner, in.Manifest.ManifestHash, in.Manifest.Signature.SignatureBase64) != nil {
			return false
		}
	}
	if in.SignerKeys.AgreementSigner != nil && in.Agreement.Signature != nil {
		if h, err := in.Agreement.Hash(); err != nil || h != in.Agreement.AgreementHash {
			return false
		}
		if cryptox.Verify(in.SignerKeys.AgreementSigner, in.Agreement.AgreementHash, in.Agreement.Signature.SignatureBase64) != nil {
			return false
		}
	}
	if in.SignerKeys.EvidenceSigner != nil && in.Evidence.Signature != nil {
		if h, err := in.Evidence.Hash(); err != nil || h != in.Evidence.EvidenceHash {
			return false
		}
		if cryptox.Verify(in.SignerKeys.EvidenceSigner, in.Evidence.EvidenceHash, in.Evidence.Signature.SignatureBase64) != nil {
			return false
		}
	}
	return true
}

func canonicalOutputSize(output map[string]any) (int64, error) {
	b, err := canonicalize.Bytes(output)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}
