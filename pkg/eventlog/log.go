package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/settld/kernel/pkg/cryptox"
)

// ErrChainConflict is returned by Append when expectedPrevChainHash does not
// match the stream's current head (§4.3, §7 "concurrency/precondition").
var ErrChainConflict = errors.New("eventlog: chain hash conflict")

// ErrCursorNotFound is returned by List when sinceEventID is missing and the
// stream is non-empty (§4.3: "a missing sinceEventId is a fail-closed error").
var ErrCursorNotFound = errors.New("eventlog: cursor not found")

// ErrSignerNotActive is returned when a stream's signing policy requires an
// active signer and the supplied key is rotated or revoked (§4.3, §7).
var ErrSignerNotActive = errors.New("eventlog: signer key not active")

// Policy controls per-stream append requirements.
type Policy struct {
	// RequireSignature mandates that every appended event carry a valid
	// Ed25519 signature from a currently-active key.
	RequireSignature bool
}

// Backend is the storage contract a Log delegates to. Implementations must
// make Append atomic: the prevChainHash compare-and-append is a single
// serialized operation per streamID (§5).
type Backend interface {
	Head(ctx context.Context, streamID string) (headChainHash string, exists bool, err error)
	// Append persists e if e.PrevChainHash still matches the current head
	// (or the stream is empty and PrevChainHash == NullPrevHash). Returns
	// ErrChainConflict otherwise.
	Append(ctx context.Context, e Event) error
	Get(ctx context.Context, streamID, eventID string) (*Event, error)
	// List returns events in append order starting strictly after
	// sinceEventID, filtered by eventType when non-empty, page-limited by
	// limit/offset, along with the stream's current head event ID.
	List(ctx context.Context, streamID, sinceEventID, eventType string, limit, offset int) (events []Event, headEventID string, err error)
}

// Log is the hash-chained append-only event log described in §4.3. It
// computes payloadHash/chainHash and enforces signer-lifecycle gating;
// storage is delegated to a Backend.
type Log struct {
	backend  Backend
	registry *cryptox.Registry
	policies map[string]Policy // streamID -> policy
	mu       sync.RWMutex
	clock    func() time.Time
}

// NewLog creates a Log over backend, using registry for signer lifecycle
// checks on signed appends.
func NewLog(backend Backend, registry *cryptox.Registry) *Log {
	return &Log{
		backend:  backend,
		registry: registry,
		policies: make(map[string]Policy),
		clock:    time.Now,
	}
}

// WithClock overrides the clock used to stamp every appended event's At
// field (also the default SignedAt of a signed append).
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// SetPolicy configures the append policy for a stream.
func (l *Log) SetPolicy(streamID string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[streamID] = p
}

func (l *Log) policyFor(streamID string) Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policies[streamID]
}

// AppendInput is the caller-supplied content of a new event; chain linkage
// and hashes are computed by Append.
type AppendInput struct {
	StreamID string
	Type     string
	Actor    string
	Payload  map[string]any
	// Signer, when non-nil, signs the event's chainHash and must be active
	// in registry for streams whose policy requires a signature.
	Signer   *cryptox.KeyPair
	SignedAt time.Time
}

// Append appends a new event to streamID. expectedPrevChainHash must equal
// the stream's current head, or NullPrevHash for a brand-new stream;
// mismatches fail closed with ErrChainConflict.
func (l *Log) Append(ctx context.Context, in AppendInput, expectedPrevChainHash string) (*Event, error) {
	head, exists, err := l.backend.Head(ctx, in.StreamID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: head lookup: %w", err)
	}
	if !exists {
		head = NullPrevHash
	}
	if head != expectedPrevChainHash {
		return nil, ErrChainConflict
	}

	policy := l.policyFor(in.StreamID)
	if policy.RequireSignature && in.Signer == nil {
		return nil, fmt.Errorf("eventlog: stream %q requires a signed append", in.StreamID)
	}

	e := Event{
		V:             1,
		ID:            uuid.New().String(),
		StreamID:      in.StreamID,
		Type:          in.Type,
		At:            l.clock(),
		Actor:         in.Actor,
		Payload:       in.Payload,
		PrevChainHash: head,
	}

	ph, err := payloadHash(&e)
	if err != nil {
		return nil, fmt.Errorf("eventlog: payload hash: %w", err)
	}
	e.PayloadHash = ph

	ch, err := chainHash(e.V, e.PrevChainHash, e.PayloadHash)
	if err != nil {
		return nil, fmt.Errorf("eventlog: chain hash: %w", err)
	}
	e.ChainHash = ch

	if in.Signer != nil {
		signedAt := in.SignedAt
		if signedAt.IsZero() {
			signedAt = e.At
		}
		if l.registry != nil {
			if err := l.registry.RequireActive(in.Signer.KeyID, signedAt); err != nil {
				if policy.RequireSignature {
					return nil, fmt.Errorf("%w: %v", ErrSignerNotActive, err)
				}
			}
		}
		e.Signature = &Signature{
			KeyID:           in.Signer.KeyID,
			SignatureBase64: in.Signer.SignHashHex(e.ChainHash),
			SignedAt:        signedAt,
		}
	}

	if err := l.backend.Append(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Page is one page of a List call, including the cursor to resume from.
type Page struct {
	Events          []Event
	NextSinceEventID string
	HeadEventID      string
}

// List returns a page of events after sinceEventID, optionally filtered by
// eventType, per the cursor semantics in §4.3 and §8: a missing
// sinceEventID on a non-empty stream fails closed; an empty page (because
// the filter matched nothing) still advances the cursor to the current head
// so callers can resume.
func (l *Log) List(ctx context.Context, streamID, sinceEventID, eventType string, limit, offset int) (*Page, error) {
	_, exists, err := l.backend.Head(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: head lookup: %w", err)
	}
	if exists && sinceEventID == "" {
		return nil, ErrCursorNotFound
	}

	events, headEventID, err := l.backend.List(ctx, streamID, sinceEventID, eventType, limit, offset)
	if err != nil {
		return nil, err
	}

	next := headEventID
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}

	return &Page{Events: events, NextSinceEventID: next, HeadEventID: headEventID}, nil
}

// VerifyChain walks every event the backend holds for streamID end to end,
// recomputing payloadHash/chainHash and checking linkage, failing on the
// first discrepancy (§8: "any alteration ... invalidates its chainHash and
// all successor hashes").
func (l *Log) VerifyChain(ctx context.Context, streamID string) error {
	events, _, err := l.backend.List(ctx, streamID, "", "", 1<<30, 0)
	if err != nil {
		return err
	}

	prev := NullPrevHash
	for i := range events {
		e := events[i]
		if e.PrevChainHash != prev {
			return fmt.Errorf("eventlog: chain broken at event %s: expected prev %s, got %s", e.ID, prev, e.PrevChainHash)
		}
		ph, err := payloadHash(&e)
		if err != nil {
			return err
		}
		if ph != e.PayloadHash {
			return fmt.Errorf("eventlog: payload hash mismatch at event %s", e.ID)
		}
		ch, err := chainHash(e.V, e.PrevChainHash, e.PayloadHash)
		if err != nil {
			return err
		}
		if ch != e.ChainHash {
			return fmt.Errorf("eventlog: chain hash mismatch at event %s", e.ID)
		}
		prev = e.ChainHash
	}
	return nil
}
