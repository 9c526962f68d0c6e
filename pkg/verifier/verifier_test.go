package verifier

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld/kernel/pkg/artifacts"
	"github.com/settld/kernel/pkg/canonicalize"
	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/gate"
	"github.com/settld/kernel/pkg/grants"
	"github.com/settld/kernel/pkg/kernel"
	"github.com/settld/kernel/pkg/policy"
)

type harness struct {
	manifestKP  *cryptox.KeyPair
	agreementKP *cryptox.KeyPair
	evidenceKP  *cryptox.KeyPair
	manifest    *artifacts.ToolManifest
	grant       *grants.Grant
	agreement   *artifacts.ToolCallAgreement
	evidence    *artifacts.ToolCallEvidence
	now         time.Time
	registry    *cryptox.Registry
}

func newHarness(t *testing.T) harness {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	manifestKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	agreementKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	evidenceKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)

	registry := cryptox.NewRegistry().WithClock(func() time.Time { return now })
	registry.Register(manifestKP.KeyID, manifestKP.Public, now.Add(-time.Hour))
	registry.Register(agreementKP.KeyID, agreementKP.Public, now.Add(-time.Hour))
	registry.Register(evidenceKP.KeyID, evidenceKP.Public, now.Add(-time.Hour))

	manifest := &artifacts.ToolManifest{TenantID: "t1", ToolID: "tool-1", Name: "echo"}
	require.NoError(t, manifest.Sign(manifestKP, now))

	grant := &grants.Grant{
		GrantID:        "grant-1",
		Kind:           grants.KindAuthority,
		GranteeAgentID: "agent-a",
		Scope:          grants.Scope{ToolIDs: []string{"tool-1"}},
		SpendEnvelope:  grants.SpendEnvelope{Currency: "USD", MaxPerCallCents: 100000, MaxTotalCents: 1000000},
		Validity:       grants.Validity{IssuedAt: now.Add(-time.Hour), NotBefore: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)},
		ChainBinding:   grants.ChainBinding{Depth: 0, MaxDepth: 3},
	}
	require.NoError(t, grant.Sign(agreementKP, now))

	agreement := &artifacts.ToolCallAgreement{
		TenantID:           "t1",
		ArtifactID:         "ag-1",
		ToolID:             "tool-1",
		ToolManifestHash:   manifest.ManifestHash,
		AuthorityGrantID:   grant.GrantID,
		AuthorityGrantHash: grant.GrantHash,
		Payer:              "agent-a",
		Payee:              "agent-b",
		AmountCents:        2500,
		Currency:           "USD",
		CallID:             "call-1",
		InputHash:          "input-hash-1",
		AcceptanceCriteria: artifacts.AcceptanceCriteria{MaxLatencyMs: 5000, RequireOutput: true},
	}
	require.NoError(t, agreement.Sign(agreementKP, now))

	output := map[string]any{"result": "ok"}
	evidence := &artifacts.ToolCallEvidence{
		TenantID:      "t1",
		ArtifactID:    "ev-1",
		AgreementID:   agreement.ArtifactID,
		AgreementHash: agreement.AgreementHash,
		CallID:        "call-1",
		InputHash:     "input-hash-1",
		Output:        output,
		StartedAt:     now,
		CompletedAt:   now.Add(time.Second),
	}
	require.NoError(t, evidence.Sign(evidenceKP, now))

	return harness{
		manifestKP: manifestKP, agreementKP: agreementKP, evidenceKP: evidenceKP,
		manifest: manifest, grant: grant, agreement: agreement, evidence: evidence,
		now: now, registry: registry,
	}
}

func (h harness) settle(t *testing.T) (*kernel.DecisionRecord, *kernel.SettlementReceipt) {
	t.Helper()
	requestPayload := map[string]any{"callId": h.agreement.CallID, "inputHash": h.agreement.InputHash}
	requestHash, err := canonicalize.Hash(requestPayload)
	require.NoError(t, err)
	responseHash, err := canonicalize.Hash(h.evidence.Output)
	require.NoError(t, err)

	dr, receipt, err := kernel.Settle(kernel.Input{
		Manifest:   h.manifest,
		Grant:      kernel.GrantValidation{Result: grants.Result{OK: true, Reason: grants.ReasonOK}, GrantHash: h.grant.GrantHash},
		Agreement:  h.agreement,
		Evidence:   h.evidence,
		Now:        h.now,
		DecisionID: "decision-1",
		Policy:     policy.DefaultProfile(),
		Bindings: kernel.Bindings{
			RequestHash:  requestHash,
			ResponseHash: responseHash,
		},
		SignerKeys: kernel.SignerKeys{
			ManifestSigner:  h.manifestKP.Public,
			AgreementSigner: h.agreementKP.Public,
			EvidenceSigner:  h.evidenceKP.Public,
		},
	})
	require.NoError(t, err)
	return dr, receipt
}

func (h harness) inputs(dr *kernel.DecisionRecord, receipt *kernel.SettlementReceipt) Inputs {
	requestPayload := map[string]any{"callId": h.agreement.CallID, "inputHash": h.agreement.InputHash}
	return Inputs{
		Receipt:               receipt,
		Decision:              dr,
		RequestPayload:        requestPayload,
		ResponsePayload:       h.evidence.Output,
		EvidenceHash:          h.evidence.EvidenceHash,
		ResponseHashAtSigning: receipt.Bindings.ResponseHash,
		ProviderOutputSigner:  SignerBinding{Signature: receipt.ProviderOutputSignature, PublicKey: h.evidenceKP.Public},
		Signers:               h.registry,
		Now:                   h.now,
	}
}

func checkMap(r *Report) map[string]Status {
	out := make(map[string]Status, len(r.Checks))
	for _, c := range r.Checks {
		out[c.Name] = c.Status
	}
	return out
}

func TestVerify_HappyReceiptIsFullyOK(t *testing.T) {
	h := newHarness(t)
	dr, receipt := h.settle(t)
	report := Verify(h.inputs(dr, receipt))

	assert.True(t, report.OK, "expected ok report, errors: %+v", report.Errors())
	assert.Empty(t, report.Errors())
	assert.Equal(t, receipt.ReceiptID, report.ReceiptID)

	names := checkMap(report)
	assert.Equal(t, StatusOK, names["receipt_hash_reproduces"])
	assert.Equal(t, StatusOK, names["decision_hash_reproduces"])
	assert.Equal(t, StatusOK, names["request_hash_binding"])
	assert.Equal(t, StatusOK, names["response_hash_binding_mismatch"])
	assert.Equal(t, StatusOK, names["provider_output_signature"])
	assert.Equal(t, StatusOK, names["provider_signature_response_hash_mismatch"])
}

// flipLastHexChar mutates the final hex character of h so the string
// changes but stays valid hex, per §8 scenario 6's "flip one byte".
func flipLastHexChar(h string) string {
	last := h[len(h)-1]
	repl := byte('a')
	if last == 'a' {
		repl = 'b'
	}
	return h[:len(h)-1] + string(repl)
}

func TestVerify_TamperedResponseBindingFailsBothChecks(t *testing.T) {
	h := newHarness(t)
	dr, receipt := h.settle(t)

	in := h.inputs(dr, receipt)
	tampered := *receipt
	tampered.Bindings.ResponseHash = flipLastHexChar(receipt.Bindings.ResponseHash)
	in.Receipt = &tampered

	report := Verify(in)

	assert.False(t, report.OK)
	names := checkMap(report)
	assert.Equal(t, StatusError, names["response_hash_binding_mismatch"])
	assert.Equal(t, StatusError, names["provider_signature_response_hash_mismatch"])
}

func TestVerify_NoReceiptIsHardError(t *testing.T) {
	report := Verify(Inputs{})
	assert.False(t, report.OK)
	require.Len(t, report.Errors(), 1)
	assert.Equal(t, "receipt_present", report.Errors()[0].Name)
}

func TestVerify_StrictQuoteRequiresSignaturePresence(t *testing.T) {
	h := newHarness(t)
	dr, receipt := h.settle(t)
	in := h.inputs(dr, receipt)
	in.StrictQuote = true

	report := Verify(in)
	assert.False(t, report.OK)
	found := false
	for _, c := range report.Errors() {
		if c.Name == "provider_quote_signature" {
			found = true
		}
	}
	assert.True(t, found, "expected provider_quote_signature error in strict mode")
}

func TestVerify_SignerRevokedAfterSigningIsWarningNotError(t *testing.T) {
	h := newHarness(t)
	dr, receipt := h.settle(t)
	in := h.inputs(dr, receipt)

	require.NoError(t, h.registry.Transition(h.evidenceKP.KeyID, cryptox.StatusRevoked, h.now.Add(time.Minute)))
	in.Now = h.now.Add(time.Hour)

	report := Verify(in)
	assert.True(t, report.OK, "a signer revoked after signing must not flip ok to false, errors: %+v", report.Errors())
	warnings := report.Warnings()
	require.NotEmpty(t, warnings)
	assert.Equal(t, "provider_output_signature", warnings[0].Name)
}

func TestVerify_SignerRevokedBeforeSigningIsHardError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Transition(h.evidenceKP.KeyID, cryptox.StatusRevoked, h.now.Add(-time.Minute)))
	dr, receipt := h.settle(t)
	in := h.inputs(dr, receipt)

	report := Verify(in)
	assert.False(t, report.OK)
}

// buildReversalEvent constructs a hash-linked gate.ReversalEvent the same
// way gate.newReversalEvent does (hash computed before EventID is
// assigned), so tests exercise the exact preimage the verifier reproduces.
func buildReversalEvent(t *testing.T, receiptID string, action gate.ReversalAction, signerKP *cryptox.KeyPair, occurredAt time.Time, prevHash string) *gate.ReversalEvent {
	t.Helper()
	requestSHA256 := "req-sha-" + string(action)
	cmd := gate.ReversalCommand{
		Action:        action,
		GateID:        "gate-1",
		RequestSHA256: requestSHA256,
		SignedBy:      signerKP.KeyID,
		Signature: &cryptox.Signature{
			KeyID:           signerKP.KeyID,
			SignatureBase64: signerKP.SignHashHex(requestSHA256),
			SignedAt:        occurredAt,
		},
	}
	ev := &gate.ReversalEvent{
		GateID:          "gate-1",
		ReceiptID:       receiptID,
		Action:          action,
		Command:         cmd,
		CommandVerified: true,
		OccurredAt:      occurredAt,
		PrevEventHash:   prevHash,
	}
	h, err := reversalEventHash(ev)
	require.NoError(t, err)
	ev.EventHash = h
	ev.EventID = h
	return ev
}

func TestVerify_ReversalChainReplaysCleanly(t *testing.T) {
	h := newHarness(t)
	dr, receipt := h.settle(t)
	in := h.inputs(dr, receipt)

	cmdKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	h.registry.Register(cmdKP.KeyID, cmdKP.Public, h.now.Add(-time.Hour))

	ev1 := buildReversalEvent(t, receipt.ReceiptID, gate.ReversalActionRequestRefund, cmdKP, h.now, "null")
	ev2 := buildReversalEvent(t, receipt.ReceiptID, gate.ReversalActionResolveRefund, cmdKP, h.now.Add(time.Minute), ev1.EventHash)

	in.ReversalEvents = []gate.ReversalEvent{*ev1, *ev2}
	in.ReversalCommandSigners = map[string]ed25519.PublicKey{cmdKP.KeyID: cmdKP.Public}

	report := Verify(in)
	assert.True(t, report.OK, "errors: %+v", report.Errors())
	names := checkMap(report)
	assert.Equal(t, StatusOK, names["reversal_event_chain"])
}

func TestVerify_ReversalChainBrokenLinkFails(t *testing.T) {
	h := newHarness(t)
	dr, receipt := h.settle(t)
	in := h.inputs(dr, receipt)

	cmdKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	h.registry.Register(cmdKP.KeyID, cmdKP.Public, h.now.Add(-time.Hour))

	ev1 := buildReversalEvent(t, receipt.ReceiptID, gate.ReversalActionRequestRefund, cmdKP, h.now, "null")
	ev2 := buildReversalEvent(t, receipt.ReceiptID, gate.ReversalActionResolveRefund, cmdKP, h.now.Add(time.Minute), "not-the-real-prev-hash")

	in.ReversalEvents = []gate.ReversalEvent{*ev1, *ev2}
	in.ReversalCommandSigners = map[string]ed25519.PublicKey{cmdKP.KeyID: cmdKP.Public}

	report := Verify(in)
	assert.False(t, report.OK)
}
