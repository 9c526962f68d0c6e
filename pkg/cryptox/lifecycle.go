package cryptox

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"
)

// SignerStatus is a point in a key's active -> rotated -> revoked lifecycle.
type SignerStatus string

const (
	StatusActive  SignerStatus = "active"
	StatusRotated SignerStatus = "rotated"
	StatusRevoked SignerStatus = "revoked"
)

// VerifyOutcome classifies the result of a lifecycle-aware verification,
// per §4.2: a signer revoked after signing is a warning, a signer already
// revoked or not-yet-active at the time of signing is a hard failure.
type VerifyOutcome string

const (
	OutcomeOK      VerifyOutcome = "ok"
	OutcomeWarning VerifyOutcome = "warning"
	OutcomeError   VerifyOutcome = "error"
)

// transition records one status change and when it took effect.
type transition struct {
	status SignerStatus
	at     time.Time
}

// Registry tracks the active/rotated/revoked lifecycle of every known
// signer key, keyed by keyId. It is the signer-lifecycle table referenced
// throughout §4.2, §4.3, and §4.10.
type Registry struct {
	mu    sync.RWMutex
	keys  map[string]ed25519.PublicKey
	hist  map[string][]transition // chronological, earliest first
	clock func() time.Time
}

// NewRegistry creates an empty signer registry.
func NewRegistry() *Registry {
	return &Registry{
		keys:  make(map[string]ed25519.PublicKey),
		hist:  make(map[string][]transition),
		clock: time.Now,
	}
}

// WithClock overrides the registry's clock for deterministic tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register activates a new signer key at the given time (defaults to now).
func (r *Registry) Register(keyID string, pub ed25519.PublicKey, at time.Time) {
	if at.IsZero() {
		at = r.clock()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[keyID] = pub
	r.hist[keyID] = append(r.hist[keyID], transition{status: StatusActive, at: at})
}

// Transition moves a key to a new lifecycle status effective at 'at'.
func (r *Registry) Transition(keyID string, status SignerStatus, at time.Time) error {
	if at.IsZero() {
		at = r.clock()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[keyID]; !ok {
		return fmt.Errorf("cryptox: unknown key %q", keyID)
	}
	r.hist[keyID] = append(r.hist[keyID], transition{status: status, at: at})
	return nil
}

// StatusAt returns the key's lifecycle status as of time t.
func (r *Registry) StatusAt(keyID string, t time.Time) (SignerStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hist, ok := r.hist[keyID]
	if !ok {
		return "", fmt.Errorf("cryptox: unknown key %q", keyID)
	}
	status := StatusActive
	found := false
	for _, tr := range hist {
		if tr.at.After(t) {
			break
		}
		status = tr.status
		found = true
	}
	if !found {
		// Key's first transition is after t: treat as not yet active.
		return "", fmt.Errorf("cryptox: key %q not yet registered at %s", keyID, t)
	}
	return status, nil
}

// PublicKey returns the registered public key for keyID.
func (r *Registry) PublicKey(keyID string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("cryptox: unknown key %q", keyID)
	}
	return pub, nil
}

// RequireActive returns an error unless keyID is active at time t. Streams
// whose append policy demands an active signer call this before accepting a
// signed event (§4.3).
func (r *Registry) RequireActive(keyID string, t time.Time) error {
	status, err := r.StatusAt(keyID, t)
	if err != nil {
		return err
	}
	if status != StatusActive {
		return fmt.Errorf("cryptox: key %q is %s, not active, at %s", keyID, status, t)
	}
	return nil
}

// VerifyAt verifies a signature and classifies the lifecycle outcome using
// two clocks: validAt (the claimed signing time) and validNow (the current
// time), per §4.2 and §4.10. A signer revoked strictly after validAt is a
// warning, never a hard failure; a signer revoked at-or-before validAt is an
// error, because the signature was invalid the moment it was produced.
func (r *Registry) VerifyAt(keyID, hashHex, signatureBase64 string, validAt, validNow time.Time) (VerifyOutcome, string, error) {
	pub, err := r.PublicKey(keyID)
	if err != nil {
		return OutcomeError, "", err
	}
	if err := Verify(pub, hashHex, signatureBase64); err != nil {
		return OutcomeError, "signature does not verify", nil
	}

	statusAtSigning, err := r.StatusAt(keyID, validAt)
	if err != nil {
		return OutcomeError, "", err
	}
	if statusAtSigning != StatusActive {
		return OutcomeError, fmt.Sprintf("signer %q was %s at signing time", keyID, statusAtSigning), nil
	}

	statusNow, err := r.StatusAt(keyID, validNow)
	if err != nil {
		// Key has no history at validNow (clock skew); treat current
		// status as unknown but signing-time check already passed.
		return OutcomeOK, "", nil
	}
	if statusNow != StatusActive {
		return OutcomeWarning, fmt.Sprintf("signer %q is now %s (was active at signing)", keyID, statusNow), nil
	}
	return OutcomeOK, "", nil
}
