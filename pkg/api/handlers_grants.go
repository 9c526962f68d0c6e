package api

import (
	"encoding/json"
	"net/http"

	"github.com/settld/kernel/pkg/apierr"
	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/grants"
)

// handleIssueGrant returns a handler for the two grant-issuance routes
// (§6 "POST /delegation-grants, /authority-grants"). The caller submits an
// already-signed Grant — the grantor's private key never reaches this
// server — and the handler's job is to verify the hash/signature binding
// and persist it, exactly the check grants.Validate repeats on every later
// spend.
func (s *Server) handleIssueGrant(kind grants.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var g grants.Grant
		if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
			apierr.WriteBadRequest(w, "invalid request body", nil)
			return
		}
		g.Kind = kind

		recomputed, err := g.Hash()
		if err != nil {
			apierr.WriteInternal(w, RequestID(r.Context()), err)
			return
		}
		if recomputed != g.GrantHash {
			apierr.Write(w, http.StatusBadRequest, apierr.New(apierr.CodeGrantInvalid, "grant hash mismatch"))
			return
		}

		now := s.now()
		outcome, detail, err := s.Signers.VerifyAt(g.Signature.KeyID, g.GrantHash, g.Signature.SignatureBase64, g.Signature.SignedAt, now)
		if err != nil || outcome == cryptox.OutcomeError {
			apierr.Write(w, http.StatusBadRequest, apierr.New(apierr.CodeGrantInvalid, "grant signature invalid").
				WithDetails(map[string]any{"reason": detail}))
			return
		}

		if err := s.Grants.Put(r.Context(), &g); err != nil {
			apierr.WriteInternal(w, RequestID(r.Context()), err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(g)
	}
}
