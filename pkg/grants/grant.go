// Package grants implements the Authority / Delegation Grant layer (§4.6):
// signed, hash-bound grants carrying spend envelopes, validity windows, and
// delegation-chain depth limits, plus the validate() check used by every
// consumer that spends against one.
package grants

import (
	"context"
	"fmt"
	"time"

	"github.com/settld/kernel/pkg/canonicalize"
	"github.com/settld/kernel/pkg/cryptox"
)

// Kind distinguishes the two grant shapes named in the data model; both
// share validation semantics.
type Kind string

const (
	KindAuthority  Kind = "authority"
	KindDelegation Kind = "delegation"
)

// SpendEnvelope bounds what a grant may authorize.
type SpendEnvelope struct {
	Currency   string
	MaxPerCallCents int64
	MaxTotalCents   int64
}

// Validity is the grant's wall-clock window.
type Validity struct {
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
}

// ChainBinding records this grant's position in a delegation chain.
type ChainBinding struct {
	Depth    int
	MaxDepth int
	ParentGrantID   string
	ParentGrantHash string
}

// Grant is the unified Authority/Delegation Grant record (§3). Authority
// grants use PrincipalRef as the grantor; delegation grants use Delegator.
type Grant struct {
	GrantID  string
	Kind     Kind
	PrincipalRef string // set for authority grants
	Delegator    string // set for delegation grants
	GranteeAgentID string
	Scope    Scope
	SpendEnvelope SpendEnvelope
	Validity Validity
	ChainBinding  ChainBinding
	GrantHash string
	Signature cryptox.Signature
	RevokedAt *time.Time
}

// Scope names what the grant authorizes spend against.
type Scope struct {
	ToolIDs      []string
	Capabilities []string
}

// Hash recomputes the grant's content hash over every field that binds it,
// excluding the signature and hash fields themselves.
func (g *Grant) Hash() (string, error) {
	return canonicalize.Hash(g.projection())
}

func (g *Grant) projection() map[string]any {
	return map[string]any{
		"grantId":        g.GrantID,
		"kind":           string(g.Kind),
		"principalRef":   g.PrincipalRef,
		"delegator":      g.Delegator,
		"granteeAgentId": g.GranteeAgentID,
		"scope": map[string]any{
			"toolIds":      g.Scope.ToolIDs,
			"capabilities": g.Scope.Capabilities,
		},
		"spendEnvelope": map[string]any{
			"currency":        g.SpendEnvelope.Currency,
			"maxPerCallCents": g.SpendEnvelope.MaxPerCallCents,
			"maxTotalCents":   g.SpendEnvelope.MaxTotalCents,
		},
		"validity": map[string]any{
			"iat": g.Validity.IssuedAt.UTC().Format(time.RFC3339Nano),
			"nbf": g.Validity.NotBefore.UTC().Format(time.RFC3339Nano),
			"exp": g.Validity.ExpiresAt.UTC().Format(time.RFC3339Nano),
		},
		"chainBinding": map[string]any{
			"depth":           g.ChainBinding.Depth,
			"maxDepth":        g.ChainBinding.MaxDepth,
			"parentGrantId":   g.ChainBinding.ParentGrantID,
			"parentGrantHash": g.ChainBinding.ParentGrantHash,
		},
	}
}

// Sign computes GrantHash and signs it with kp, setting Signature.
func (g *Grant) Sign(kp *cryptox.KeyPair, at time.Time) error {
	h, err := g.Hash()
	if err != nil {
		return err
	}
	g.GrantHash = h
	g.Signature = cryptox.Signature{
		KeyID:           kp.KeyID,
		SignatureBase64: kp.SignHashHex(h),
		SignedAt:        at,
	}
	return nil
}

// Intent describes the spend a caller wants validate() to cover.
type Intent struct {
	ToolID      string
	Capability  string
	Currency    string
	AmountCents int64
	// PriorTotalCents is the grantee's cumulative spend against this grant
	// so far, used to enforce MaxTotalCents.
	PriorTotalCents int64
}

// Reason enumerates the stable machine-checkable validate() failure codes.
type Reason string

const (
	ReasonOK                 Reason = "ok"
	ReasonSignatureInvalid   Reason = "signature_invalid"
	ReasonHashMismatch       Reason = "hash_mismatch"
	ReasonNotYetValid        Reason = "not_yet_valid"
	ReasonExpired            Reason = "expired"
	ReasonRevoked            Reason = "revoked"
	ReasonScopeMismatch      Reason = "scope_mismatch"
	ReasonCurrencyMismatch   Reason = "currency_mismatch"
	ReasonPerCallExceeded    Reason = "per_call_exceeded"
	ReasonTotalExceeded      Reason = "total_exceeded"
	ReasonChainDepthExceeded Reason = "chain_depth_exceeded"
)

// Result is validate()'s output.
type Result struct {
	OK     bool
	Reason Reason
}

// Registry resolves grantor/grantee identity keys and revocation state; it
// is the seam an ops-signed revocation event updates, making revocation
// visible to Validate on the very next call (§4.6).
type Registry interface {
	IsRevoked(ctx context.Context, grantID string) (bool, time.Time, error)
}

// Validate runs the full §4.6 check list against a grant for a spend intent
// observed at now.
func Validate(ctx context.Context, signers *cryptox.Registry, reg Registry, g *Grant, now time.Time, intent Intent) Result {
	recomputed, err := g.Hash()
	if err != nil || recomputed != g.GrantHash {
		return Result{OK: false, Reason: ReasonHashMismatch}
	}

	outcome, _, err := signers.VerifyAt(g.Signature.KeyID, g.GrantHash, g.Signature.SignatureBase64, g.Signature.SignedAt, now)
	if err != nil || outcome == cryptox.OutcomeError {
		return Result{OK: false, Reason: ReasonSignatureInvalid}
	}

	revoked, _, err := reg.IsRevoked(ctx, g.GrantID)
	if err == nil && revoked {
		return Result{OK: false, Reason: ReasonRevoked}
	}
	if g.RevokedAt != nil && !g.RevokedAt.After(now) {
		return Result{OK: false, Reason: ReasonRevoked}
	}

	if now.Before(g.Validity.NotBefore) {
		return Result{OK: false, Reason: ReasonNotYetValid}
	}
	if !now.Before(g.Validity.ExpiresAt) {
		return Result{OK: false, Reason: ReasonExpired}
	}

	if !scopeCovers(g.Scope, intent) {
		return Result{OK: false, Reason: ReasonScopeMismatch}
	}
	if g.SpendEnvelope.Currency != intent.Currency {
		return Result{OK: false, Reason: ReasonCurrencyMismatch}
	}
	if g.SpendEnvelope.MaxPerCallCents > 0 && intent.AmountCents > g.SpendEnvelope.MaxPerCallCents {
		return Result{OK: false, Reason: ReasonPerCallExceeded}
	}
	if g.SpendEnvelope.MaxTotalCents > 0 && intent.PriorTotalCents+intent.AmountCents > g.SpendEnvelope.MaxTotalCents {
		return Result{OK: false, Reason: ReasonTotalExceeded}
	}
	if g.ChainBinding.Depth >= g.ChainBinding.MaxDepth {
		return Result{OK: false, Reason: ReasonChainDepthExceeded}
	}

	return Result{OK: true, Reason: ReasonOK}
}

// scopeCovers reports whether the grant's scope authorizes intent. A grant
// scoped by tool id must list intent.ToolID; a grant scoped by capability
// must list intent.Capability. An unscoped grant (neither list populated)
// covers nothing.
func scopeCovers(s Scope, intent Intent) bool {
	if len(s.ToolIDs) > 0 {
		for _, id := range s.ToolIDs {
			if id == intent.ToolID {
				return true
			}
		}
		return false
	}
	if len(s.Capabilities) > 0 {
		for _, c := range s.Capabilities {
			if c == intent.Capability {
				return true
			}
		}
		return false
	}
	return false
}

// ErrNotFound is returned by a Store when a grant id is unknown.
var ErrNotFound = fmt.Errorf("grants: not found")

// Store persists grants and their revocation state, keyed by grant id.
type Store interface {
	Put(ctx context.Context, g *Grant) error
	Get(ctx context.Context, grantID string) (*Grant, error)
	Revoke(ctx context.Context, grantID string, at time.Time) error
}
