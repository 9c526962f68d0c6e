// Package verifier implements the independent receipt verifier (§4.10): a
// pure function that, given only a SettlementReceipt and the public
// artifacts it references, reproduces every hash and signature binding
// without trusting the kernel that produced it. Grounded on the teacher's
// pkg/verifier.VerifyBundle: an offline, filesystem-free check list that
// trusts only cryptographic primitives and the artifact format, here
// generalized from bundle-directory checks to receipt-binding checks
// (request/response/quote/spend-authorization hashes, provider signatures,
// and the reversal-event chain) against the teacher's CheckResult/Report
// shape.
package verifier

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/settld/kernel/pkg/canonicalize"
	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/gate"
	"github.com/settld/kernel/pkg/kernel"
)

// Status classifies one Check's outcome, mirroring cryptox.VerifyOutcome:
// a hard binding or hash mismatch is an error, a signer revoked or rotated
// strictly after signing is a warning (§4.2, §4.10).
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Check is one named verification result, in the teacher's CheckResult
// shape generalized with a three-way Status instead of a bare Pass bool so
// signer-lifecycle warnings can be distinguished from hard failures.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the structured output of Verify, in the teacher's VerifyReport
// shape: OK is false if and only if any Check carries StatusError: a
// warning alone (e.g. a signer revoked after signing) never flips it
// (§8: "a receipt whose signer was active at signing remains verifiable
// forever").
type Report struct {
	ReceiptID string    `json:"receiptId"`
	OK        bool      `json:"ok"`
	CheckedAt time.Time `json:"checkedAt"`
	Checks    []Check   `json:"checks"`
}

// Warnings returns the subset of Checks with StatusWarning.
func (r *Report) Warnings() []Check { return r.filter(StatusWarning) }

// Errors returns the subset of Checks with StatusError.
func (r *Report) Errors() []Check { return r.filter(StatusError) }

func (r *Report) filter(s Status) []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Status == s {
			out = append(out, c)
		}
	}
	return out
}

func (r *Report) add(name string, status Status, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: detail})
	if status == StatusError {
		r.OK = false
	}
}

func (r *Report) ok(name string) { r.add(name, StatusOK, "") }

// SignerBinding names the key that allegedly produced a signature and the
// time the receipt claims it was produced, so the verifier can run the
// two-clock lifecycle check of §4.2 without trusting the caller's
// say-so about current validity.
type SignerBinding struct {
	Signature *cryptox.Signature
	PublicKey ed25519.PublicKey
}

// Inputs bundles the receipt and every referenced public artifact the
// checks need to reproduce its bindings independently (§4.10).
type Inputs struct {
	Receipt  *kernel.SettlementReceipt
	Decision *kernel.DecisionRecord

	// RequestPayload, ResponsePayload, QuotePayload, and
	// SpendAuthorizationPayload are the canonical-JSON-hashable public
	// artifacts the receipt's Bindings pin by hash. A nil payload skips
	// that binding's hash-reproduction check (not every receipt carries
	// a quote, per the data model's "providerQuoteSignature?").
	RequestPayload            map[string]any
	ResponsePayload           map[string]any
	QuotePayload              map[string]any
	SpendAuthorizationPayload map[string]any

	// EvidenceHash is the hash ProviderOutputSignature actually covers
	// (per kernel.Settle, the receipt's ProviderOutputSignature is the
	// evidence artifact's own signature, which signs EvidenceHash, not
	// the bare response payload). ResponseHashAtSigning is the
	// evidence's outputHash as it stood when that signature was produced
	// — the value the provider actually attested to.
	EvidenceHash          string
	ResponseHashAtSigning string

	// ProviderOutputSigner and ProviderQuoteSigner resolve the public key
	// and lifecycle registry entry for each provider signature. A nil
	// Signers skips lifecycle classification and falls back to a
	// bare cryptographic check (still OK/Error, never Warning).
	ProviderOutputSigner SignerBinding
	ProviderQuoteSigner  SignerBinding
	Signers              *cryptox.Registry

	// ReversalEvents is the gate's full reversal chain, oldest first, as
	// persisted by gate.Store.ListReversalEvents.
	ReversalEvents []gate.ReversalEvent
	// ReversalCommandSigners resolves the public key that signed each
	// ReversalEvent's Command, keyed by ReversalCommand.SignedBy.
	ReversalCommandSigners map[string]ed25519.PublicKey

	// StrictQuote requires ProviderQuoteSignature / QuotePayload to be
	// present; absence is a hard error instead of a skipped check
	// (§4.10: "strict mode requires presence").
	StrictQuote bool

	// Now is the verifier's wall clock for signer-lifecycle classification
	// (§4.2's validNow). Defaults to time.Now when zero.
	Now time.Time
}

// Verify reproduces every binding named in §4.10 from the receipt and the
// referenced public artifacts alone. It never consults a store: every
// input the checks need is supplied by the caller in Inputs, matching the
// kernel's own "pure function, no I/O" discipline (§4.7) so a third party
// with no access to the kernel's persistence can run the same checks.
func Verify(in Inputs) *Report {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	r := &Report{OK: true, CheckedAt: now}
	if in.Receipt == nil {
		r.add("receipt_present", StatusError, "no receipt supplied")
		return r
	}
	r.ReceiptID = in.Receipt.ReceiptID

	checkReceiptHash(r, in.Receipt)
	if in.Decision != nil {
		checkDecisionHash(r, in.Decision, in.Receipt)
	}

	checkBindingHash(r, "request_hash_binding", in.RequestPayload, in.Receipt.Bindings.RequestHash)
	checkResponseHashBinding(r, in.ResponsePayload, in.Receipt.Bindings.ResponseHash)
	if in.QuotePayload != nil || in.Receipt.Bindings.QuoteHash != "" {
		checkBindingHash(r, "quote_hash_binding", in.QuotePayload, in.Receipt.Bindings.QuoteHash)
	}
	checkBindingHash(r, "spend_authorization_hash_binding", in.SpendAuthorizationPayload, in.Receipt.Bindings.SpendAuthorizationHash)

	checkProviderOutputSignature(r, in, now)
	checkProviderQuoteSignature(r, in, now)

	checkReversalChain(r, in, now)

	return r
}

func checkReceiptHash(r *Report, receipt *kernel.SettlementReceipt) {
	recomputed, err := receipt.Hash()
	if err != nil {
		r.add("receipt_hash_reproduces", StatusError, err.Error())
		return
	}
	if recomputed != receipt.ReceiptHash {
		r.add("receipt_hash_reproduces", StatusError, "recomputed receiptHash does not match stored value")
		return
	}
	r.ok("receipt_hash_reproduces")
}

func checkDecisionHash(r *Report, decision *kernel.DecisionRecord, receipt *kernel.SettlementReceipt) {
	recomputed, err := decision.Hash()
	if err != nil {
		r.add("decision_hash_reproduces", StatusError, err.Error())
		return
	}
	if recomputed != decision.DecisionHash {
		r.add("decision_hash_reproduces", StatusError, "recomputed decisionHash does not match stored value")
		return
	}
	if receipt.DecisionHash != decision.DecisionHash {
		r.add("decision_hash_reproduces", StatusError, "receipt.decisionHash does not match decision.decisionHash")
		return
	}
	r.ok("decision_hash_reproduces")
}

// checkBindingHash recomputes the canonical hash of payload and compares it
// to boundHash. A nil payload with an empty boundHash is treated as "not
// applicable" (e.g. receipts without a quote) rather than an error.
func checkBindingHash(r *Report, name string, payload map[string]any, boundHash string) {
	if payload == nil && boundHash == "" {
		r.ok(name)
		return
	}
	if payload == nil {
		r.add(name, StatusError, "binding hash present but no payload supplied to reproduce it")
		return
	}
	recomputed, err := canonicalize.Hash(payload)
	if err != nil {
		r.add(name, StatusError, fmt.Sprintf("canonicalize payload: %v", err))
		return
	}
	if recomputed != boundHash {
		r.add(name, StatusError, "recomputed hash does not match bound value")
		return
	}
	r.ok(name)
}

// checkResponseHashBinding is checkBindingHash specialized to the response
// binding: the tampered-receipt scenario of §8 requires this check to fire
// under its own name ("response_hash_binding_mismatch") distinct from the
// provider-signature cross-check in checkProviderOutputSignature.
func checkResponseHashBinding(r *Report, responsePayload map[string]any, boundResponseHash string) {
	checkBindingHash(r, "response_hash_binding_mismatch", responsePayload, boundResponseHash)
}

func checkProviderOutputSignature(r *Report, in Inputs, now time.Time) {
	sig := in.ProviderOutputSigner.Signature
	if sig == nil {
		if in.Receipt.ProviderOutputSignature == nil {
			r.add("provider_output_signature", StatusError, "no provider output signature present")
			return
		}
		sig = in.Receipt.ProviderOutputSignature
	}

	evidenceHash := in.EvidenceHash
	if evidenceHash == "" {
		// No independent evidence hash supplied: fall back to verifying
		// directly over the response payload's own hash, the best a
		// caller that only has the receipt (not the full evidence
		// artifact) can reproduce.
		rh, err := responseHash(in.ResponsePayload)
		if err != nil {
			r.add("provider_output_signature", StatusError, err.Error())
			return
		}
		evidenceHash = rh
	}

	ok, lifecycleStatus, detail := verifySignature(in.Signers, in.ProviderOutputSigner.PublicKey, sig, evidenceHash, now)
	if !ok {
		r.add("provider_output_signature", StatusError, detail)
		return
	}
	r.add("provider_output_signature", lifecycleStatus, detail)

	// §8's tampered-binding scenario: the provider attested to
	// ResponseHashAtSigning (the evidence's outputHash when it signed
	// EvidenceHash). If the receipt's currently bound response hash no
	// longer matches that attested value — because bindings.response.sha256
	// was edited after the fact — the signature itself still verifies
	// against the original bytes it covered, but this cross-check must
	// independently fail so a single tampered byte cannot hide behind a
	// still-valid signature.
	if in.ResponseHashAtSigning != "" && in.Receipt.Bindings.ResponseHash != "" && in.ResponseHashAtSigning != in.Receipt.Bindings.ResponseHash {
		r.add("provider_signature_response_hash_mismatch", StatusError, "provider-attested response hash does not match receipt.bindings.response.sha256")
		return
	}
	r.ok("provider_signature_response_hash_mismatch")
}

func checkProviderQuoteSignature(r *Report, in Inputs, now time.Time) {
	sig := in.ProviderQuoteSigner.Signature
	if sig == nil {
		sig = in.Receipt.ProviderQuoteSignature
	}
	if sig == nil {
		if in.StrictQuote {
			r.add("provider_quote_signature", StatusError, "strict mode requires a provider quote signature")
			return
		}
		r.ok("provider_quote_signature")
		return
	}

	quoteHash, err := canonicalize.Hash(in.QuotePayload)
	if err != nil {
		r.add("provider_quote_signature", StatusError, err.Error())
		return
	}
	ok, lifecycleStatus, detail := verifySignature(in.Signers, in.ProviderQuoteSigner.PublicKey, sig, quoteHash, now)
	if !ok {
		r.add("provider_quote_signature", StatusError, detail)
		return
	}
	r.add("provider_quote_signature", lifecycleStatus, detail)
}

// responseHash recomputes the canonical hash of the response payload, or
// returns "" if no payload was supplied (the signature check then has no
// hash to verify against and reports an error).
func responseHash(responsePayload map[string]any) (string, error) {
	if responsePayload == nil {
		return "", nil
	}
	return canonicalize.Hash(responsePayload)
}

// verifySignature runs a bare cryptographic check against pub when signers
// is nil, and the full two-clock lifecycle classification of §4.2 whenever
// signers is set (after the check against pub, when pub is given). With
// neither, the signature cannot be checked and the result is an error.
func verifySignature(signers *cryptox.Registry, pub ed25519.PublicKey, sig *cryptox.Signature, hashHex string, now time.Time) (ok bool, status Status, detail string) {
	if pub == nil && signers == nil {
		return false, StatusError, "no public key or signer registry to verify signature against"
	}
	if pub != nil {
		if hashHex == "" {
			return false, StatusError, "no payload hash available to verify signature against"
		}
		if err := cryptox.Verify(pub, hashHex, sig.SignatureBase64); err != nil {
			return false, StatusError, "signature does not verify"
		}
		if signers == nil {
			return true, StatusOK, ""
		}
	}
	if signers == nil {
		return true, StatusOK, ""
	}
	outcome, reason, err := signers.VerifyAt(sig.KeyID, hashHex, sig.SignatureBase64, sig.SignedAt, now)
	if err != nil {
		return false, StatusError, err.Error()
	}
	switch outcome {
	case cryptox.OutcomeOK:
		return true, StatusOK, ""
	case cryptox.OutcomeWarning:
		return true, StatusWarning, reason
	default:
		return false, StatusError, reason
	}
}

// checkReversalChain replays every ReversalEvent in order, recomputing each
// eventHash from its own PrevEventHash and verifying each command's
// signature, per §4.10's "reversal-event chain" check and §8's reversal
// scenario.
func checkReversalChain(r *Report, in Inputs, now time.Time) {
	if len(in.ReversalEvents) == 0 {
		r.ok("reversal_event_chain")
		return
	}
	prev := "null"
	commandWarning := ""
	for i := range in.ReversalEvents {
		ev := in.ReversalEvents[i]
		if ev.PrevEventHash != prev {
			r.add("reversal_event_chain", StatusError, fmt.Sprintf("event %d: prevEventHash does not match predecessor", i))
			return
		}
		recomputed, err := reversalEventHash(&ev)
		if err != nil {
			r.add("reversal_event_chain", StatusError, err.Error())
			return
		}
		if recomputed != ev.EventHash {
			r.add("reversal_event_chain", StatusError, fmt.Sprintf("event %d: recomputed eventHash does not match stored value", i))
			return
		}

		if ev.Command.Signature != nil {
			pub := in.ReversalCommandSigners[ev.Command.SignedBy]
			if pub == nil {
				r.add("reversal_command_signature", StatusError, fmt.Sprintf("event %d: no public key resolved for signer %q", i, ev.Command.SignedBy))
				return
			}
			ok, status, detail := verifySignature(in.Signers, pub, ev.Command.Signature, ev.Command.RequestSHA256, now)
			if !ok {
				r.add("reversal_command_signature", StatusError, fmt.Sprintf("event %d: %s", i, detail))
				return
			}
			if status == StatusWarning {
				commandWarning = fmt.Sprintf("event %d: %s", i, detail)
			}
		}

		prev = ev.EventHash
	}
	r.ok("reversal_event_chain")
	if commandWarning != "" {
		r.add("reversal_command_signature", StatusWarning, commandWarning)
	} else {
		r.ok("reversal_command_signature")
	}
}

// reversalEventHash mirrors gate's unexported hash() method: it is
// recomputed here, outside package gate, because the verifier must not
// trust gate's own computation — it reproduces the projection
// independently from the event's exported fields. newReversalEvent hashes
// the event before EventID is assigned (EventID is set to the resulting
// hash only afterward), so the preimage always carries an empty eventId;
// the recompute must do the same rather than feed back the now-populated
// EventID.
func reversalEventHash(e *gate.ReversalEvent) (string, error) {
	return canonicalize.Hash(map[string]any{
		"eventId":   "",
		"gateId":    e.GateID,
		"receiptId": e.ReceiptID,
		"action":    string(e.Action),
		"command": map[string]any{
			"action":        string(e.Command.Action),
			"gateId":        e.Command.GateID,
			"requestSha256": e.Command.RequestSHA256,
			"signedBy":      e.Command.SignedBy,
		},
		"commandVerified":          e.CommandVerified,
		"providerDecisionArtifact": e.ProviderDecisionArtifact,
		"providerDecisionVerified": e.ProviderDecisionVerified,
		"evidenceRefs":             e.EvidenceRefs,
		"occurredAt":               e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"prevEventHash":            e.PrevEventHash,
	})
}
