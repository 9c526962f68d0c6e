// Package idempotency implements the request-key to stored-response layer
// described in §4.4: a write is keyed by (tenant, method, path,
// idempotency-key, request-body fingerprint) so a retried request replays
// the original response byte-for-byte, and a reused key with a different
// body fails closed with a conflict. In this module gate.Machine's
// transitions call Check; no HTTP route is wrapped by this layer.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrConflict is returned when the same idempotency key is reused with a
// different request-body fingerprint (§4.4, §7: "409 with the prior
// response's fingerprint").
var ErrConflict = errors.New("idempotency: key reused with different request body")

// Key identifies one idempotent request slot.
type Key struct {
	TenantID       string
	Method         string
	Path           string
	IdempotencyKey string
}

// FingerprintBody returns the SHA-256 hex digest of a request body, used as
// the stored fingerprint for conflict detection. Bodies are hashed raw
// (not canonicalized) since the idempotency layer must detect byte-level
// replays, not semantic equivalence.
func FingerprintBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// StoredResponse is a cached response eligible for verbatim replay.
type StoredResponse struct {
	StatusCode      int
	Headers         map[string][]string
	Body            []byte
	BodyFingerprint string
	StoredAt        time.Time
}

// Store is the persistence contract for idempotent responses. Entries
// expire by TTL; reads must never create or consume a key (§4.4).
type Store interface {
	// Reserve atomically checks for an existing entry at key. If one
	// exists, it is returned with found=true regardless of fingerprint
	// match — callers compare BodyFingerprint themselves to distinguish a
	// replay from a conflict. If none exists, Reserve stakes out the key
	// with bodyFingerprint so concurrent requests racing on the same key
	// observe each other.
	Reserve(ctx context.Context, key Key, bodyFingerprint string) (existing *StoredResponse, found bool, err error)
	// Complete stores the final response for a previously reserved key.
	Complete(ctx context.Context, key Key, resp StoredResponse) error
}

// MemoryStore is an in-process Store with TTL-based expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	clock   func() time.Time
}

type entry struct {
	fingerprint string
	response    *StoredResponse
}

// NewMemoryStore creates an in-memory idempotency store with the given TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the store's clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func cacheKey(k Key) string {
	return k.TenantID + "\x00" + k.Method + "\x00" + k.Path + "\x00" + k.IdempotencyKey
}

func (s *MemoryStore) Reserve(_ context.Context, key Key, bodyFingerprint string) (*StoredResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := cacheKey(key)
	e, ok := s.entries[ck]
	if ok {
		if s.ttl > 0 && e.response != nil && s.clock().Sub(e.response.StoredAt) > s.ttl {
			delete(s.entries, ck)
		} else {
			return e.response, true, nil
		}
	}

	s.entries[ck] = &entry{fingerprint: bodyFingerprint}
	return nil, false, nil
}

func (s *MemoryStore) Complete(_ context.Context, key Key, resp StoredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp.StoredAt = s.clock()
	s.entries[cacheKey(key)] = &entry{fingerprint: resp.BodyFingerprint, response: &resp}
	return nil
}

// Check performs the full idempotency decision for an incoming request:
// it reserves the key if unseen, or returns the cached response on an
// exact-body replay, or ErrConflict on a body mismatch.
func Check(ctx context.Context, store Store, key Key, body []byte) (cached *StoredResponse, err error) {
	fp := FingerprintBody(body)
	existing, found, err := store.Reserve(ctx, key, fp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if existing == nil {
		// Another request reserved this key and has not completed yet;
		// treat as a conflict rather than double-processing.
		return nil, ErrConflict
	}
	if existing.BodyFingerprint != fp {
		return nil, ErrConflict
	}
	return existing, nil
}
