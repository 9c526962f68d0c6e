// Package eventlog implements the hash-chained, per-stream append-only
// event log (§4.3): the substrate every higher layer (grants, gates,
// reversal chains) appends its lifecycle events to.
package eventlog

import (
	"time"

	"github.com/settld/kernel/pkg/canonicalize"
	"github.com/settld/kernel/pkg/cryptox"
)

// NullPrevHash is the literal sentinel accepted as the expected previous
// chain hash of an empty stream.
const NullPrevHash = "null"

// Signature is a detached Ed25519 signature over an event's chainHash.
type Signature = cryptox.Signature

// Event is one entry in a chained stream, per the Chained Event row in §3.
type Event struct {
	V             int            `json:"v"`
	ID            string         `json:"id"`
	StreamID      string         `json:"streamId"`
	Type          string         `json:"type"`
	At            time.Time      `json:"at"`
	Actor         string         `json:"actor"`
	Payload       map[string]any `json:"payload"`
	PayloadHash   string         `json:"payloadHash"`
	PrevChainHash string         `json:"prevChainHash"`
	ChainHash     string         `json:"chainHash"`
	Signature     *Signature     `json:"signature,omitempty"`
}

// projection is the head-free view hashed to produce PayloadHash: every
// field except the chain-linkage fields the event itself computes.
type projection struct {
	V        int            `json:"v"`
	ID       string         `json:"id"`
	StreamID string         `json:"streamId"`
	Type     string         `json:"type"`
	At       time.Time      `json:"at"`
	Actor    string         `json:"actor"`
	Payload  map[string]any `json:"payload"`
}

// chainInput is the preimage of chainHash, per §3 and §4.3.
type chainInput struct {
	V             int    `json:"v"`
	PrevChainHash string `json:"prevChainHash"`
	PayloadHash   string `json:"payloadHash"`
}

// payloadHash computes the payloadHash of an unlinked event.
func payloadHash(e *Event) (string, error) {
	return canonicalize.Hash(projection{
		V:        e.V,
		ID:       e.ID,
		StreamID: e.StreamID,
		Type:     e.Type,
		At:       e.At,
		Actor:    e.Actor,
		Payload:  e.Payload,
	})
}

// chainHash computes chainHash = SHA-256(canonical{v, prevChainHash, payloadHash}).
func chainHash(v int, prevChainHash, payloadHash string) (string, error) {
	return canonicalize.Hash(chainInput{V: v, PrevChainHash: prevChainHash, PayloadHash: payloadHash})
}
