package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld/kernel/pkg/artifacts"
	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/grants"
	"github.com/settld/kernel/pkg/policy"
)

type fixture struct {
	manifestKP  *cryptox.KeyPair
	agreementKP *cryptox.KeyPair
	evidenceKP  *cryptox.KeyPair
	manifest    *artifacts.ToolManifest
	grant       *grants.Grant
	agreement   *artifacts.ToolCallAgreement
	evidence    *artifacts.ToolCallEvidence
	now         time.Time
}

func newFixture(t *testing.T, latencyMs int64, maxLatencyMs int64) fixture {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	manifestKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	agreementKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	evidenceKP, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)

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
		AmountCents:        1000,
		Currency:           "USD",
		CallID:             "call-1",
		InputHash:          "input-hash-1",
		AcceptanceCriteria: artifacts.AcceptanceCriteria{MaxLatencyMs: maxLatencyMs, RequireOutput: true},
	}
	require.NoError(t, agreement.Sign(agreementKP, now))

	start := now
	evidence := &artifacts.ToolCallEvidence{
		TenantID:      "t1",
		ArtifactID:    "ev-1",
		AgreementID:   agreement.ArtifactID,
		AgreementHash: agreement.AgreementHash,
		CallID:        "call-1",
		InputHash:     "input-hash-1",
		Output:        map[string]any{"result": "ok"},
		StartedAt:     start,
		CompletedAt:   start.Add(time.Duration(latencyMs) * time.Millisecond),
	}
	require.NoError(t, evidence.Sign(evidenceKP, now))

	return fixture{
		manifestKP: manifestKP, agreementKP: agreementKP, evidenceKP: evidenceKP,
		manifest: manifest, grant: grant, agreement: agreement, evidence: evidence, now: now,
	}
}

func (f fixture) input(t *testing.T) Input {
	t.Helper()
	return Input{
		Manifest:   f.manifest,
		Grant:      GrantValidation{Result: grants.Result{OK: true, Reason: grants.ReasonOK}, GrantHash: f.grant.GrantHash},
		Agreement:  f.agreement,
		Evidence:   f.evidence,
		Now:        f.now,
		DecisionID: "decision-1",
		Policy:     policy.DefaultProfile(),
		SignerKeys: SignerKeys{
			ManifestSigner:  f.manifestKP.Public,
			AgreementSigner: f.agreementKP.Public,
			EvidenceSigner:  f.evidenceKP.Public,
		},
	}
}

func TestSettle_HappyPathAccepts(t *testing.T) {
	f := newFixture(t, 100, 1000)
	dr, receipt, err := Settle(f.input(t))
	require.NoError(t, err)
	assert.Equal(t, DecisionAccepted, dr.Decision)
	assert.Equal(t, 100, dr.ReleaseRatePct)
	assert.Equal(t, int64(1000), receipt.Transfer.AmountCents)
	assert.Equal(t, int64(0), receipt.RefundCents)
}

func TestSettle_LatencyWithinBandPartialSettles(t *testing.T) {
	f := newFixture(t, 1150, 1000) // 15% overrun -> 75% band
	dr, receipt, err := Settle(f.input(t))
	require.NoError(t, err)
	assert.Equal(t, DecisionPartial, dr.Decision)
	assert.Equal(t, 75, dr.ReleaseRatePct)
	assert.Equal(t, int64(750), receipt.Transfer.AmountCents)
	assert.Equal(t, int64(250), receipt.RefundCents)
}

func TestSettle_LatencyBeyondEveryBandRejects(t *testing.T) {
	f := newFixture(t, 3000, 1000) // 200% overrun, past default bands
	dr, receipt, err := Settle(f.input(t))
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, dr.Decision)
	assert.Equal(t, ReasonLatencyExceeded, dr.Reason)
	assert.Equal(t, int64(0), receipt.Transfer.AmountCents)
	assert.Equal(t, int64(1000), receipt.RefundCents)
}

func TestSettle_MissingOutputHardRejectsRegardlessOfLatency(t *testing.T) {
	f := newFixture(t, 100, 1000)
	f.evidence.Output = nil
	require.NoError(t, f.evidence.Sign(f.evidenceKP, f.now))
	dr, _, err := Settle(f.input(t))
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, dr.Decision)
	assert.Equal(t, ReasonOutputMissing, dr.Reason)
}

func TestSettle_TamperedEvidenceSignatureRejects(t *testing.T) {
	f := newFixture(t, 100, 1000)
	f.evidence.Output = map[string]any{"result": "tampered-after-signing"}
	dr, _, err := Settle(f.input(t))
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, dr.Decision)
	assert.Equal(t, ReasonSignatureInvalid, dr.Reason)
}

func TestSettle_ManifestHashMismatchRejects(t *testing.T) {
	f := newFixture(t, 100, 1000)
	f.agreement.ToolManifestHash = "wrong-hash"
	dr, _, err := Settle(f.input(t))
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, dr.Decision)
	assert.Equal(t, ReasonManifestHashMismatch, dr.Reason)
}

func TestSettle_GrantInvalidRejects(t *testing.T) {
	f := newFixture(t, 100, 1000)
	in := f.input(t)
	in.Grant.Result = grants.Result{OK: false, Reason: grants.ReasonExpired}
	dr, _, err := Settle(in)
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, dr.Decision)
	assert.Equal(t, ReasonGrantInvalid, dr.Reason)
}

func TestSettle_IsDeterministic(t *testing.T) {
	f := newFixture(t, 100, 1000)
	in := f.input(t)
	dr1, r1, err := Settle(in)
	require.NoError(t, err)
	dr2, r2, err := Settle(in)
	require.NoError(t, err)
	assert.Equal(t, dr1.DecisionHash, dr2.DecisionHash)
	assert.Equal(t, r1.ReceiptHash, r2.ReceiptHash)
}

func TestReceiptID_DeterministicFunctionOfHashes(t *testing.T) {
	id1, err := ReceiptID("dh", "ah")
	require.NoError(t, err)
	id2, err := ReceiptID("dh", "ah")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := ReceiptID("dh", "other-ah")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}
