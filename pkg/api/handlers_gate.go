package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/settld/kernel/pkg/apierr"
	"github.com/settld/kernel/pkg/artifacts"
	"github.com/settld/kernel/pkg/gate"
	"github.com/settld/kernel/pkg/grants"
	"github.com/settld/kernel/pkg/kernel"
)

type gateCreateRequest struct {
	Payer       string       `json:"payer"`
	Payee       string       `json:"payee"`
	ToolID      string       `json:"toolId"`
	AmountCents int64        `json:"amountCents"`
	Currency    string       `json:"currency"`
	Passport    gate.Passport `json:"passport"`
}

// handleGateCreate opens a gate and locks the payer's wallet for the full
// amount (§6 "POST /x402/gate/create").
func (s *Server) handleGateCreate(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	if tenantID == "" {
		apierr.WriteUnauthorized(w, "x-proxy-tenant-id is required")
		return
	}
	var req gateCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, "invalid request body", nil)
		return
	}

	g, err := s.Gates.Create(r.Context(), gate.CreateInput{
		TenantID: tenantID, Payer: req.Payer, Payee: req.Payee, ToolID: req.ToolID,
		AmountCents: req.AmountCents, Currency: req.Currency, Passport: req.Passport,
	})
	if err != nil {
		apierr.WriteInternal(w, RequestID(r.Context()), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(g)
}

// handleGateAuthorize runs authorize() (§6 "POST
// /x402/gate/authorize-payment"). A policy-tripped daily cap surfaces as
// ESCALATION_REQUIRED (409); everything else maps through writeGateError.
func (s *Server) handleGateAuthorize(w http.ResponseWriter, r *http.Request) {
	var in gate.AuthorizeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apierr.WriteBadRequest(w, "invalid request body", nil)
		return
	}
	in.IdempotencyKey, _ = idempotencyHeaders(r)

	g, err := s.Gates.Authorize(r.Context(), in)
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g)
}

// handleGateVerify attaches the provider-reported evidence outcome (§6
// "POST /x402/gate/verify").
func (s *Server) handleGateVerify(w http.ResponseWriter, r *http.Request) {
	var in gate.VerifyInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apierr.WriteBadRequest(w, "invalid request body", nil)
		return
	}
	in.IdempotencyKey, _ = idempotencyHeaders(r)

	g, err := s.Gates.Verify(r.Context(), in)
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g)
}

// settleRequest carries every artifact the settlement kernel consumes;
// each must already be signed by its originator (manifest by the tool
// registrar, agreement/evidence by payer/provider) — this server only
// resolves signer public keys and the grant's current validation outcome,
// it never signs on anyone's behalf.
type settleRequest struct {
	GateID    string                      `json:"gateId"`
	Manifest  *artifacts.ToolManifest     `json:"manifest"`
	Grant     *grants.Grant               `json:"grant"`
	Agreement *artifacts.ToolCallAgreement `json:"agreement"`
	Evidence  *artifacts.ToolCallEvidence `json:"evidence"`
	Intent    grants.Intent               `json:"intent"`
	Bindings  kernel.Bindings             `json:"bindings"`
}

// handleGateSettle runs the settlement kernel and applies its verdict to
// the gate's escrow (§6 "POST /marketplace/tools/{toolId}/settle"). It
// resolves the grant's current validation result and every artifact
// signer's public key — the one piece of I/O the pure kernel itself never
// performs — then hands a fully-resolved kernel.Input to gate.Machine.
func (s *Server) handleGateSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, "invalid request body", nil)
		return
	}
	if req.Manifest == nil || req.Grant == nil || req.Agreement == nil || req.Evidence == nil {
		apierr.WriteBadRequest(w, "manifest, grant, agreement, and evidence are all required", nil)
		return
	}
	if req.Manifest.Signature == nil || req.Agreement.Signature == nil || req.Evidence.Signature == nil {
		apierr.Write(w, http.StatusBadRequest, apierr.New(apierr.CodeSchemaInvalid, "manifest, agreement, and evidence must all be signed"))
		return
	}

	now := s.now()
	grantResult := grants.Validate(r.Context(), s.Signers, s.Grants, req.Grant, now, req.Intent)

	manifestKey, err1 := s.Signers.PublicKey(req.Manifest.Signature.KeyID)
	agreementKey, err2 := s.Signers.PublicKey(req.Agreement.Signature.KeyID)
	evidenceKey, err3 := s.Signers.PublicKey(req.Evidence.Signature.KeyID)
	if err := firstNonNil(err1, err2, err3); err != nil {
		apierr.Write(w, http.StatusBadRequest, apierr.New(apierr.CodeSignerKeyNotActive, "unknown signer key"))
		return
	}

	idemKey, _ := idempotencyHeaders(r)
	g, err := s.Gates.Settle(r.Context(), gate.SettleInput{
		GateID: req.GateID,
		KernelInput: kernel.Input{
			Manifest:  req.Manifest,
			Grant:     kernel.GrantValidation{Result: grantResult, GrantHash: req.Grant.GrantHash},
			Agreement: req.Agreement,
			Evidence:  req.Evidence,
			Policy:    s.Policy,
			Bindings:  req.Bindings,
			SignerKeys: kernel.SignerKeys{
				ManifestSigner:  manifestKey,
				AgreementSigner: agreementKey,
				EvidenceSigner:  evidenceKey,
			},
		},
		IdempotencyKey: idemKey,
	})
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}

	status := http.StatusCreated
	if g.Settlement != nil && s.Receipts.Seen(g.Settlement.ReceiptID) {
		status = http.StatusOK
	}
	if g.Settlement != nil {
		s.Receipts.Record(g.TenantID, g.Settlement.ReceiptID, g.Settlement.DecisionID, string(g.Settlement.Decision), g.Settlement.TransferCents, g.Settlement.RefundCents, now)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(g)
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

type escalationResolveRequest struct {
	Approve    bool   `json:"approve"`
	ResolvedBy string `json:"resolvedBy"`
}

// handleEscalationResolve approves or denies an open escalation hold (§6
// "POST /x402/gate/escalations/{id}/resolve"); the id path segment is the
// gateID an escalation is keyed to, per gate.Store.GetOpenEscalation.
func (s *Server) handleEscalationResolve(w http.ResponseWriter, r *http.Request) {
	gateID := r.PathValue("id")
	var req escalationResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, "invalid request body", nil)
		return
	}

	esc, err := s.Gates.ResolveEscalation(r.Context(), gateID, req.Approve, req.ResolvedBy)
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(esc)
}

// handleReceiptsExport streams the settle-handler's receipt log as JSONL
// (§6 "GET /x402/receipts/export?limit=N").
func (s *Server) handleReceiptsExport(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, rec := range s.Receipts.Export(limit) {
		_ = enc.Encode(rec)
	}
}

// writeGateError maps gate.Machine's sentinel errors to the stable codes
// named in spec.md §6/§7.
func (s *Server) writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gate.ErrGateNotFound):
		apierr.Write(w, http.StatusNotFound, apierr.New(apierr.CodeGateStateInvalid, "gate not found"))
	case errors.Is(err, gate.ErrInvalidTransition):
		apierr.Write(w, http.StatusConflict, apierr.New(apierr.CodeGateStateInvalid, "invalid gate state transition"))
	case errors.Is(err, gate.ErrEscalationRequired):
		apierr.WriteConflict(w, apierr.CodeEscalationRequired, "authorization requires escalation approval", nil)
	case errors.Is(err, gate.ErrWalletTokenInvalid):
		apierr.Write(w, http.StatusBadRequest, apierr.New(apierr.CodeAuthRequired, "wallet decision token invalid"))
	case errors.Is(err, gate.ErrOverrideTokenInvalid):
		apierr.Write(w, http.StatusBadRequest, apierr.New(apierr.CodeEscalationTokenInvalid, "escalation override token invalid or consumed"))
	case errors.Is(err, gate.ErrNeedsReconciliation):
		apierr.Write(w, http.StatusConflict, apierr.New(apierr.CodeNeedsReconciliation, "external rail outcome requires reconciliation"))
	default:
		apierr.WriteInternal(w, RequestID(r.Context()), err)
	}
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("api: invalid integer")
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, errors.New("api: must be positive")
	}
	return n, nil
}
