// Package artifacts implements the canonicalized, hashed, optionally
// signed artifact chain (§3, component 8): ToolManifest pins a tool's
// descriptor; ToolCallAgreement pins a manifest and an authority grant;
// ToolCallEvidence pins an agreement. Each artifact references its
// predecessor by hash, never by mutable pointer (§9 Design Notes).
package artifacts

import (
	"time"

	"github.com/settld/kernel/pkg/canonicalize"
	"github.com/settld/kernel/pkg/cryptox"
)

// CurrentSchemaVersion is the schemaVersion stamped on artifacts produced
// by this package; decode rejects anything else (§9: "Unknown versions are
// rejected at the boundary").
const CurrentSchemaVersion = "1"

// ErrUnknownSchemaVersion is returned when decoding an artifact whose
// schemaVersion this build does not understand.
type ErrUnknownSchemaVersion struct {
	Got string
}

func (e ErrUnknownSchemaVersion) Error() string {
	return "artifacts: unknown schemaVersion " + e.Got
}

// ToolTransport describes how a tool is invoked; kept intentionally
// transport-agnostic (HTTP, gRPC, or an in-process function per manifest
// metadata).
type ToolTransport struct {
	Kind     string // e.g. "http", "grpc", "inproc"
	Endpoint string
	Metadata map[string]any
}

// ToolManifest pins a tool's descriptor; immutable once signed (§3).
type ToolManifest struct {
	SchemaVersion string
	TenantID      string
	ToolID        string
	Name          string
	Description   string
	Transport     ToolTransport
	Metadata      map[string]any
	ManifestHash  string
	Signature     *cryptox.Signature
}

func (m *ToolManifest) projection() map[string]any {
	return map[string]any{
		"schemaVersion": m.SchemaVersion,
		"tenantId":      m.TenantID,
		"toolId":        m.ToolID,
		"name":          m.Name,
		"description":   m.Description,
		"transport": map[string]any{
			"kind":     m.Transport.Kind,
			"endpoint": m.Transport.Endpoint,
			"metadata": m.Transport.Metadata,
		},
		"metadata": m.Metadata,
	}
}

// Hash recomputes ManifestHash over every field except itself and the
// signature.
func (m *ToolManifest) Hash() (string, error) {
	return canonicalize.Hash(m.projection())
}

// Sign computes and stamps ManifestHash, then signs it with kp.
func (m *ToolManifest) Sign(kp *cryptox.KeyPair, at time.Time) error {
	m.SchemaVersion = CurrentSchemaVersion
	h, err := m.Hash()
	if err != nil {
		return err
	}
	m.ManifestHash = h
	m.Signature = &cryptox.Signature{KeyID: kp.KeyID, SignatureBase64: kp.SignHashHex(h), SignedAt: at}
	return nil
}

// VerifyHash recomputes ManifestHash and reports whether it matches the stored
// value; signature verification against signer lifecycle is the caller's
// responsibility (it requires a registry and a verification clock).
func (m *ToolManifest) VerifyHash() (bool, error) {
	h, err := m.Hash()
	if err != nil {
		return false, err
	}
	return h == m.ManifestHash, nil
}
