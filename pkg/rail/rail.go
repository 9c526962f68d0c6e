// Package rail defines the external stablecoin reserve-rail contract
// (§4.9): a small reserve/release/void/getStatus surface the payment-gate
// state machine calls to place and resolve holds on an outside custodial
// rail. Three modes exist: an in-process Stub for tests and deployments
// with no external rail, and Sandbox/Production HTTP-backed adapters
// sharing one implementation parameterized by base URL and credentials.
package rail

import (
	"context"
	"errors"
)

// Status is the terminal or in-flight state of a reserve hold.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusRejected Status = "rejected"
	StatusReleased Status = "released"
	StatusVoided   Status = "voided"
	StatusUnknown  Status = "unknown"
)

// VoidMethod records how a void was accomplished, per §4.9.
type VoidMethod string

const (
	VoidMethodCancel         VoidMethod = "cancel"
	VoidMethodCompensate     VoidMethod = "compensate"
	VoidMethodAlreadyTerminal VoidMethod = "already_terminal"
)

// ErrNeedsReconciliation is returned when a call's outcome could not be
// determined (timeout, transport error) and the caller must fall back to
// GetStatus before advancing the gate (§4.9, §7: "never silently
// succeed").
var ErrNeedsReconciliation = errors.New("rail: call outcome unknown, reconciliation required")

// ReserveRequest is the input to Reserve.
type ReserveRequest struct {
	TenantID       string
	GateID         string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// ReserveResult is Reserve's outcome.
type ReserveResult struct {
	Status    Status
	ReserveID string
}

// ReleaseRequest is the input to Release.
type ReleaseRequest struct {
	ReserveID      string
	IdempotencyKey string
}

// ReleaseResult is Release's outcome.
type ReleaseResult struct {
	Status Status
}

// VoidRequest is the input to Void.
type VoidRequest struct {
	ReserveID      string
	IdempotencyKey string
}

// VoidResult is Void's outcome.
type VoidResult struct {
	Status Status
	Method VoidMethod
}

// StatusResult is GetStatus's outcome, used to reconcile a call whose
// result was not determined the first time (§4.9).
type StatusResult struct {
	ReserveID string
	Status    Status
}

// Adapter is the external reserve-rail contract every mode implements.
// Every method must be idempotent on the caller-supplied idempotency key:
// a retried call with the same key returns the same outcome rather than
// placing a second hold (§4.9).
type Adapter interface {
	Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error)
	Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error)
	Void(ctx context.Context, req VoidRequest) (*VoidResult, error)
	GetStatus(ctx context.Context, reserveID string) (*StatusResult, error)
}

// Mode names the three operating modes from §4.9 and env var
// X402_CIRCLE_RESERVE_MODE.
type Mode string

const (
	ModeStub       Mode = "stub"
	ModeSandbox    Mode = "sandbox"
	ModeProduction Mode = "production"
)
