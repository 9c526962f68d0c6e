// Package api implements the thin HTTP surface spec.md §6 names, wiring
// each route straight to the already-complete domain package that owns
// it. Per spec.md §1's explicit non-goal, the router carries no
// settlement semantics of its own — it decodes, calls, encodes, and maps
// domain errors to the stable-code envelope in pkg/apierr. Grounded on
// the teacher's core/pkg/api: a stdlib net/http mux (no router
// dependency), the same rate-limiter/idempotency/error-envelope shapes,
// re-pointed at this kernel's domain calls.
package api

import (
	"net/http"
	"time"

	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/escrow"
	"github.com/settld/kernel/pkg/eventlog"
	"github.com/settld/kernel/pkg/gate"
	"github.com/settld/kernel/pkg/grants"
	"github.com/settld/kernel/pkg/idempotency"
	"github.com/settld/kernel/pkg/opsauth"
	"github.com/settld/kernel/pkg/policy"
)

// GrantStore is the narrow store Server needs for grant issuance and
// lookup (grants.Store plus the revocation-aware grants.Registry).
type GrantStore interface {
	grants.Store
	grants.Registry
}

// Server holds every dependency the route handlers call into. Nothing
// here is domain logic; it is wiring only.
type Server struct {
	Wallets     *escrow.Ledger
	Grants      GrantStore
	Gates       *gate.Machine
	Sessions    *eventlog.Log
	// SessionsBackend is the same backing store Sessions wraps, used only
	// by the replay-pack/transcript routes to read a full stream from
	// genesis — Log.List itself requires a non-empty cursor on a
	// non-empty stream by design (§4.3 fail-closed paging).
	SessionsBackend eventlog.Backend
	Signers     *cryptox.Registry
	Idempotency idempotency.Store
	OpsAuth     *opsauth.Validator
	Policy      *policy.Profile

	RateLimiter *TenantRateLimiter

	// Receipts is an append-only in-process export log, populated by the
	// settle handler, read by /x402/receipts/export. A production
	// deployment would back this with pkg/store instead; the route
	// contract (§6) is what this repo wires, not a receipts warehouse.
	Receipts *ReceiptLog

	Clock func() time.Time
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Routes builds the mux described by spec.md §6, wrapped by the
// middleware chain in middleware.go.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /agents/register", s.handleRegisterAgent)
	mux.HandleFunc("POST /agents/{id}/wallet/credit", s.handleWalletCredit)
	mux.HandleFunc("POST /delegation-grants", s.handleIssueGrant(grants.KindDelegation))
	mux.HandleFunc("POST /authority-grants", s.handleIssueGrant(grants.KindAuthority))
	mux.HandleFunc("POST /x402/wallets/{walletRef}/authorize", s.handleWalletAuthorize)
	mux.HandleFunc("POST /x402/gate/create", s.handleGateCreate)
	mux.HandleFunc("POST /x402/gate/authorize-payment", s.handleGateAuthorize)
	mux.HandleFunc("POST /x402/gate/verify", s.handleGateVerify)
	mux.HandleFunc("POST /marketplace/tools/{toolId}/settle", s.handleGateSettle)
	mux.HandleFunc("POST /x402/gate/escalations/{id}/resolve", s.handleEscalationResolve)
	mux.HandleFunc("GET /x402/receipts/export", s.handleReceiptsExport)
	mux.HandleFunc("POST /sessions", s.handleSessionCreate)
	mux.HandleFunc("POST /sessions/{id}/events", s.handleSessionEventAppend)
	mux.HandleFunc("GET /sessions/{id}/replay-pack", s.handleSessionReplayPack)
	mux.HandleFunc("GET /sessions/{id}/transcript", s.handleSessionTranscript)

	return s.chain(mux)
}

// chain wraps handler with the middleware order §6/SPEC_FULL.md §6
// specifies: request-ID, rate limit, auth/tenant extraction, protocol
// version gate. No idempotency middleware wraps the routes: the gate
// transitions replay through idempotency.Check inside gate.Machine, and
// other mutating routes have no idempotent replay.
func (s *Server) chain(next http.Handler) http.Handler {
	h := next
	h = protocolVersionGate(h)
	h = s.authenticate(h)
	h = s.RateLimiter.Middleware(h)
	h = requestID(h)
	return h
}
