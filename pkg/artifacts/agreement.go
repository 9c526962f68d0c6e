package artifacts

import (
	"time"

	"github.com/settld/kernel/pkg/canonicalize"
	"github.com/settld/kernel/pkg/cryptox"
)

// AcceptanceCriteria bounds what the settlement kernel will accept as
// successful evidence for a call (§4.7 step 2).
type AcceptanceCriteria struct {
	MaxLatencyMs   int64
	RequireOutput  bool
	MaxOutputBytes int64
}

// ToolCallAgreement is the payer's signed commitment to pay for one tool
// call, hash-pinning both the tool manifest and the authority grant it
// spends against (§3).
type ToolCallAgreement struct {
	SchemaVersion      string
	TenantID           string
	ArtifactID         string
	ToolID             string
	ToolManifestHash   string
	AuthorityGrantID   string
	AuthorityGrantHash string
	Payer              string
	Payee              string
	AmountCents        int64
	Currency           string
	CallID             string
	InputHash          string
	AcceptanceCriteria AcceptanceCriteria
	AgreementHash      string
	Signature          *cryptox.Signature // payer's signature
}

func (a *ToolCallAgreement) projection() map[string]any {
	return map[string]any{
		"schemaVersion":      a.SchemaVersion,
		"tenantId":           a.TenantID,
		"artifactId":         a.ArtifactID,
		"toolId":             a.ToolID,
		"toolManifestHash":   a.ToolManifestHash,
		"authorityGrantId":   a.AuthorityGrantID,
		"authorityGrantHash": a.AuthorityGrantHash,
		"payer":              a.Payer,
		"payee":              a.Payee,
		"amountCents":        a.AmountCents,
		"currency":           a.Currency,
		"callId":             a.CallID,
		"inputHash":          a.InputHash,
		"acceptanceCriteria": map[string]any{
			"maxLatencyMs":   a.AcceptanceCriteria.MaxLatencyMs,
			"requireOutput":  a.AcceptanceCriteria.RequireOutput,
			"maxOutputBytes": a.AcceptanceCriteria.MaxOutputBytes,
		},
	}
}

// Hash recomputes AgreementHash.
func (a *ToolCallAgreement) Hash() (string, error) {
	return canonicalize.Hash(a.projection())
}

// Sign stamps and signs AgreementHash with the payer's key.
func (a *ToolCallAgreement) Sign(kp *cryptox.KeyPair, at time.Time) error {
	a.SchemaVersion = CurrentSchemaVersion
	h, err := a.Hash()
	if err != nil {
		return err
	}
	a.AgreementHash = h
	a.Signature = &cryptox.Signature{KeyID: kp.KeyID, SignatureBase64: kp.SignHashHex(h), SignedAt: at}
	return nil
}

// ToolCallEvidence is the payee/provider's signed record of having
// performed the call (§3).
type ToolCallEvidence struct {
	SchemaVersion string
	TenantID      string
	ArtifactID    string
	AgreementID   string
	AgreementHash string
	CallID        string
	InputHash     string
	Output        map[string]any
	OutputHash    string
	StartedAt     time.Time
	CompletedAt   time.Time
	EvidenceHash  string
	Signature     *cryptox.Signature // payee/provider's signature
}

func (e *ToolCallEvidence) projection() map[string]any {
	return map[string]any{
		"schemaVersion": e.SchemaVersion,
		"tenantId":      e.TenantID,
		"artifactId":    e.ArtifactID,
		"agreementId":   e.AgreementID,
		"agreementHash": e.AgreementHash,
		"callId":        e.CallID,
		"inputHash":     e.InputHash,
		"output":        e.Output,
		"outputHash":    e.OutputHash,
		"startedAt":     e.StartedAt.UTC().Format(time.RFC3339Nano),
		"completedAt":   e.CompletedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Hash recomputes EvidenceHash.
func (e *ToolCallEvidence) Hash() (string, error) {
	return canonicalize.Hash(e.projection())
}

// Sign stamps and signs EvidenceHash with the provider's key.
func (e *ToolCallEvidence) Sign(kp *cryptox.KeyPair, at time.Time) error {
	e.SchemaVersion = CurrentSchemaVersion
	h, err := e.Hash()
	if err != nil {
		return err
	}
	e.EvidenceHash = h
	e.Signature = &cryptox.Signature{KeyID: kp.KeyID, SignatureBase64: kp.SignHashHex(h), SignedAt: at}
	return nil
}
