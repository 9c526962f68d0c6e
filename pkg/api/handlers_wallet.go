package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/settld/kernel/pkg/apierr"
	"github.com/settld/kernel/pkg/escrow"
	"github.com/settld/kernel/pkg/gate"
)

type registerAgentRequest struct {
	AgentID  string `json:"agentId"`
	Currency string `json:"currency"`
}

type registerAgentResponse struct {
	AgentID  string `json:"agentId"`
	TenantID string `json:"tenantId"`
	Currency string `json:"currency"`
}

// handleRegisterAgent opens a zero-balance wallet for a new agent
// identity (§6 "POST /agents/register: create identity"). Identity
// itself is out of this kernel's scope (spec.md §1); the wallet row is
// the one piece of durable state an agent needs before it can hold
// escrow.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	if tenantID == "" {
		apierr.WriteUnauthorized(w, "x-proxy-tenant-id is required")
		return
	}

	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, "invalid request body", nil)
		return
	}
	if req.AgentID == "" || req.Currency == "" {
		apierr.WriteBadRequest(w, "agentId and currency are required", nil)
		return
	}

	ref := escrow.WalletRef{TenantID: tenantID, AgentID: req.AgentID, Currency: req.Currency}
	if err := s.Wallets.Apply(r.Context(), "register:"+tenantID+":"+req.AgentID, []escrow.Move{
		{Kind: escrow.MoveCredit, Wallet: ref, AmountCents: 0},
	}); err != nil {
		apierr.WriteInternal(w, RequestID(r.Context()), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(registerAgentResponse{AgentID: req.AgentID, TenantID: tenantID, Currency: req.Currency})
}

type walletCreditRequest struct {
	Currency    string `json:"currency"`
	AmountCents int64  `json:"amountCents"`
}

// handleWalletCredit credits an agent's wallet (§6 "POST
// /agents/{id}/wallet/credit"), idempotent on x-idempotency-key: the
// transitionID folds in the key so a retried credit never double-applies.
func (s *Server) handleWalletCredit(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	if tenantID == "" {
		apierr.WriteUnauthorized(w, "x-proxy-tenant-id is required")
		return
	}
	agentID := r.PathValue("id")
	idemKey, _ := idempotencyHeaders(r)
	if idemKey == "" {
		apierr.WriteBadRequest(w, "x-idempotency-key is required", nil)
		return
	}

	var req walletCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, "invalid request body", nil)
		return
	}
	if req.AmountCents <= 0 || req.Currency == "" {
		apierr.WriteBadRequest(w, "amountCents must be positive and currency required", nil)
		return
	}

	ref := escrow.WalletRef{TenantID: tenantID, AgentID: agentID, Currency: req.Currency}
	transitionID := "credit:" + tenantID + ":" + agentID + ":" + idemKey
	if err := s.Wallets.Apply(r.Context(), transitionID, []escrow.Move{
		{Kind: escrow.MoveCredit, Wallet: ref, AmountCents: req.AmountCents},
	}); err != nil {
		apierr.WriteInternal(w, RequestID(r.Context()), err)
		return
	}

	wallet, err := s.Wallets.Get(r.Context(), ref)
	if err != nil {
		apierr.WriteInternal(w, RequestID(r.Context()), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(wallet)
}

type walletAuthorizeRequest struct {
	GateID string `json:"gateId"`
}

type walletAuthorizeResponse struct {
	WalletAuthorizationDecisionToken string `json:"walletAuthorizationDecisionToken"`
}

// handleWalletAuthorize mints the HMAC wallet decision token a gate's
// authorize-payment call must present (§6 "POST
// /x402/wallets/{walletRef}/authorize"). walletRef is the path-form of
// the wallet the operator is signing off as; the token itself binds to
// the referenced gate's amount, currency, and policy version (§4.8), so
// it is opaque and useless against any other gate.
func (s *Server) handleWalletAuthorize(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	if tenantID == "" {
		apierr.WriteUnauthorized(w, "x-proxy-tenant-id is required")
		return
	}

	var req walletAuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, "invalid request body", nil)
		return
	}
	if req.GateID == "" {
		apierr.WriteBadRequest(w, "gateId is required", nil)
		return
	}

	g, err := s.Gates.Store.GetGate(r.Context(), req.GateID)
	if err != nil {
		if errors.Is(err, gate.ErrGateNotFound) {
			apierr.Write(w, http.StatusNotFound, apierr.New(apierr.CodeGateStateInvalid, "gate not found"))
			return
		}
		apierr.WriteInternal(w, RequestID(r.Context()), err)
		return
	}
	if g.TenantID != tenantID {
		apierr.Write(w, http.StatusNotFound, apierr.New(apierr.CodeGateStateInvalid, "gate not found"))
		return
	}

	token, err := s.Gates.IssueWalletDecisionToken(g)
	if err != nil {
		apierr.WriteInternal(w, RequestID(r.Context()), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(walletAuthorizeResponse{WalletAuthorizationDecisionToken: token})
}
