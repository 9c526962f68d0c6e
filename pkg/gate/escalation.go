package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

// EscalationStatus is the lifecycle of one human-in-the-loop hold,
// mirroring the teacher's escalation.Manager intent lifecycle.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationDenied   EscalationStatus = "denied"
)

// Escalation is the record created when a policy check trips on authorize
// (§4.8). The daily authorization cap is the only trigger; pkg/policy's
// EscalationRules are not consulted by the gate.
type Escalation struct {
	EscalationID  string
	GateID        string
	Reason        string
	Status        EscalationStatus
	OverrideToken string
	Consumed      bool
	CreatedAt     time.Time
	ResolvedAt    time.Time
	ResolvedBy    string
}

// deriveOverrideToken computes the single-use escalation override token
// bound to (gateID, policyVersion, amountCents): an HKDF-derived
// per-gate, per-policy-version MAC key over a master secret, then an HMAC-SHA256 of the
// binding tuple, hex-encoded. Binding the amount and policy version means a
// token minted for one trip can never be replayed against a different
// amount or a rotated policy (§4.8).
func deriveOverrideToken(masterSecret []byte, gateID, policyVersion string, amountCents int64) (string, error) {
	info := []byte("settld-escalation-override:" + gateID + ":" + policyVersion)
	kdf := hkdf.New(sha256.New, masterSecret, nil, info)
	macKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, macKey); err != nil {
		return "", fmt.Errorf("gate: derive override key: %w", err)
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(gateID))
	mac.Write([]byte{0})
	mac.Write([]byte(policyVersion))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(amountCents, 10)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verifyOverrideToken recomputes the expected token for the given binding
// and compares it to candidate in constant time.
func verifyOverrideToken(masterSecret []byte, gateID, policyVersion string, amountCents int64, candidate string) (bool, error) {
	want, err := deriveOverrideToken(masterSecret, gateID, policyVersion, amountCents)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(candidate)), nil
}
