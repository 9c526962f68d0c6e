// Package apierr defines the stable-code error envelope every HTTP
// response in §6/§7 uses: { "code": STABLE_CODE, "message": "...",
// "details": {...} }. This is a deliberate WHAT-change from the teacher's
// RFC 7807 ProblemDetail shape (see api/apierror.go) — the HOW-pattern we
// keep is structurally the same: one error type, a handful of
// status-keyed helpers, and a WriteInternal that never leaks err text.
package apierr

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Stable codes named across spec.md §6 and §7.
const (
	CodeSchemaInvalid                  = "SCHEMA_INVALID"
	CodeAuthRequired                   = "AUTH_REQUIRED"
	CodeTenantMismatch                 = "TENANT_MISMATCH"
	CodeProtocolVersionMismatch        = "PROTOCOL_VERSION_MISMATCH"
	CodeIdempotencyConflict            = "IDEMPOTENCY_CONFLICT"
	CodeChainHashConflict              = "CHAIN_HASH_CONFLICT"
	CodeCursorNotFound                 = "CURSOR_NOT_FOUND"
	CodeStaleState                     = "STALE_STATE"
	CodeAgentSuspended                 = "X402_AGENT_SUSPENDED"
	CodeAgentThrottled                 = "X402_AGENT_THROTTLED"
	CodeAgentRevoked                   = "X402_AGENT_REVOKED"
	CodeSignerKeyRevoked               = "SIGNER_KEY_REVOKED"
	CodeSignerKeyNotActive             = "SIGNER_KEY_NOT_ACTIVE"
	CodeSettlementKernelBindingInvalid = "SETTLEMENT_KERNEL_BINDING_INVALID"
	CodeEscalationRequired             = "ESCALATION_REQUIRED"
	CodeEscalationTokenInvalid         = "ESCALATION_TOKEN_INVALID"
	CodeGateStateInvalid               = "GATE_STATE_INVALID"
	CodeNeedsReconciliation            = "NEEDS_RECONCILIATION"
	CodeSessionEventAppendConflict     = "SESSION_EVENT_APPEND_CONFLICT"
	CodeDisputeWindowExpired           = "DISPUTE_WINDOW_EXPIRED"
	CodeCapabilityNotGranted           = "CAPABILITY_NOT_GRANTED"
	CodeGrantInvalid                   = "GRANT_INVALID"
	CodeInternal                       = "INTERNAL"
)

// Error is the envelope every 4xx/5xx response body carries.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// New creates an Error with no details.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails returns a copy of e with details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Write emits the stable-code envelope at the given HTTP status.
func Write(w http.ResponseWriter, status int, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

// WriteInternal writes a 500 with an opaque id; err is logged but never
// exposed to the client (§7: "no stack traces in responses").
func WriteInternal(w http.ResponseWriter, requestID string, err error) {
	slog.Error("internal error", "request_id", requestID, "error", err)
	Write(w, http.StatusInternalServerError, &Error{
		Code:    CodeInternal,
		Message: "an unexpected error occurred",
		Details: map[string]any{"requestId": requestID},
	})
}

// WriteBadRequest writes a 400 SCHEMA_INVALID response.
func WriteBadRequest(w http.ResponseWriter, message string, details map[string]any) {
	Write(w, http.StatusBadRequest, &Error{Code: CodeSchemaInvalid, Message: message, Details: details})
}

// WriteUnauthorized writes a 401 AUTH_REQUIRED response.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	Write(w, http.StatusUnauthorized, &Error{Code: CodeAuthRequired, Message: message})
}

// WriteForbidden writes a 403 TENANT_MISMATCH response. Per §7, this must
// never reveal cross-tenant existence; message should stay generic.
func WriteForbidden(w http.ResponseWriter) {
	Write(w, http.StatusForbidden, &Error{Code: CodeTenantMismatch, Message: "not permitted for this tenant"})
}

// WriteConflict writes a 409 response for the given stable code, used by
// both idempotency conflicts and chain/gate-state conflicts.
func WriteConflict(w http.ResponseWriter, code, message string, details map[string]any) {
	Write(w, http.StatusConflict, &Error{Code: code, Message: message, Details: details})
}

// FromError returns err as an *Error and true if it already is one, and
// nil, false for any other error (callers use WriteInternal for those).
func FromError(err error) (*Error, bool) {
	if ae, ok := err.(*Error); ok {
		return ae, true
	}
	return nil, false
}
