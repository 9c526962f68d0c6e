package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/settld/kernel/pkg/apierr"
	"github.com/settld/kernel/pkg/eventlog"
)

type sessionCreateResponse struct {
	SessionID string `json:"sessionId"`
}

// handleSessionCreate mints a new session stream id (§6 "POST
// /sessions"); the stream itself comes into existence lazily on its first
// Append, since eventlog.Log.Append treats a stream with no head in its
// Backend as empty.
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(sessionCreateResponse{SessionID: uuid.New().String()})
}

type sessionEventAppendRequest struct {
	Type    string         `json:"type"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

// handleSessionEventAppend appends a chained event to a session stream
// (§6 "POST /sessions/{id}/events"), enforcing the
// x-proxy-expected-prev-chain-hash precondition (§4.3).
func (s *Server) handleSessionEventAppend(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	_, expectedPrevChainHash := idempotencyHeaders(r)
	if expectedPrevChainHash == "" {
		apierr.WriteBadRequest(w, "x-proxy-expected-prev-chain-hash is required", nil)
		return
	}

	var req sessionEventAppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, "invalid request body", nil)
		return
	}

	event, err := s.Sessions.Append(r.Context(), eventlog.AppendInput{
		StreamID: sessionID,
		Type:     req.Type,
		Actor:    req.Actor,
		Payload:  req.Payload,
	}, expectedPrevChainHash)
	if err != nil {
		if errors.Is(err, eventlog.ErrChainConflict) {
			apierr.WriteConflict(w, apierr.CodeChainHashConflict, "expected prev chain hash does not match stream head", nil)
			return
		}
		apierr.WriteInternal(w, RequestID(r.Context()), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(event)
}

type replayPackResponse struct {
	SessionID string          `json:"sessionId"`
	Events    []eventlog.Event `json:"events"`
	HeadEventID string        `json:"headEventId"`
	ChainVerified bool        `json:"chainVerified"`
}

// handleSessionReplayPack returns every event on a session stream plus a
// chain-integrity verdict (§6 "GET /sessions/{id}/replay-pack"): the
// deterministic bundle a client can independently re-verify.
func (s *Server) handleSessionReplayPack(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	events, headEventID, err := s.SessionsBackend.List(r.Context(), sessionID, "", "", 1<<30, 0)
	if err != nil {
		apierr.WriteInternal(w, RequestID(r.Context()), err)
		return
	}

	chainVerified := s.Sessions.VerifyChain(r.Context(), sessionID) == nil

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(replayPackResponse{
		SessionID: sessionID, Events: events, HeadEventID: headEventID, ChainVerified: chainVerified,
	})
}

type transcriptEntry struct {
	EventID string         `json:"eventId"`
	At      string         `json:"at"`
	Actor   string         `json:"actor"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type transcriptResponse struct {
	SessionID string             `json:"sessionId"`
	Entries   []transcriptEntry `json:"entries"`
}

// handleSessionTranscript returns the same stream as replay-pack (§6 "GET
// /sessions/{id}/transcript") projected down to its human-facing fields —
// no hashes or signatures, the read surface an operator or a model
// reviewing its own history actually wants.
func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	events, _, err := s.SessionsBackend.List(r.Context(), sessionID, "", "", 1<<30, 0)
	if err != nil {
		apierr.WriteInternal(w, RequestID(r.Context()), err)
		return
	}

	entries := make([]transcriptEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, transcriptEntry{
			EventID: e.ID, At: e.At.Format("2006-01-02T15:04:05.000Z07:00"),
			Actor: e.Actor, Type: e.Type, Payload: e.Payload,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(transcriptResponse{SessionID: sessionID, Entries: entries})
}
