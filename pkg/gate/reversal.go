package gate

import (
	"time"

	"github.com/settld/kernel/pkg/canonicalize"
	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/eventlog"
)

// ReversalAction names the two reversal operations a gate can carry
// through its own hash-chained log (§3, §8 "reversal chain" scenario).
type ReversalAction string

const (
	ReversalActionRequestRefund ReversalAction = "request_refund"
	ReversalActionResolveRefund ReversalAction = "resolve_refund"
)

// ReversalCommand is the signed instruction that produced a ReversalEvent:
// an operator or upstream system asserting a refund should be requested or
// resolved, bound to the request that justifies it.
type ReversalCommand struct {
	Action        ReversalAction
	GateID        string
	RequestSHA256 string
	SignedBy      string
	Signature     *cryptox.Signature
}

// ReversalEvent is one hash-chained link in a gate's reversal history
// (§3). The chain lives independently of pkg/eventlog's tenant-wide
// streams: it is scoped to a single gate and its preimage is the prior
// event's own hash rather than a stream-wide chainHash, per the data
// model's reversalChainHead field living on the Gate row itself.
type ReversalEvent struct {
	EventID                      string
	GateID                       string
	ReceiptID                    string
	Action                       ReversalAction
	Command                     ReversalCommand
	CommandVerified              bool
	ProviderDecisionArtifact     string
	ProviderDecisionVerified     bool
	EvidenceRefs                 []string
	OccurredAt                   time.Time
	PrevEventHash                string
	EventHash                    string
}

func (e *ReversalEvent) projection() map[string]any {
	return map[string]any{
		"eventId":   e.EventID,
		"gateId":    e.GateID,
		"receiptId": e.ReceiptID,
		"action":    string(e.Action),
		"command": map[string]any{
			"action":        string(e.Command.Action),
			"gateId":        e.Command.GateID,
			"requestSha256": e.Command.RequestSHA256,
			"signedBy":      e.Command.SignedBy,
		},
		"commandVerified":          e.CommandVerified,
		"providerDecisionArtifact": e.ProviderDecisionArtifact,
		"providerDecisionVerified": e.ProviderDecisionVerified,
		"evidenceRefs":             e.EvidenceRefs,
		"occurredAt":               e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"prevEventHash":            e.PrevEventHash,
	}
}

// hash computes EventHash = SHA-256(canonical{projection}), chaining
// through PrevEventHash exactly as pkg/eventlog chains chainHash through
// prevChainHash (§4.3), scoped here to one gate's reversal history instead
// of a tenant-wide stream.
func (e *ReversalEvent) hash() (string, error) {
	return canonicalize.Hash(e.projection())
}

// newReversalEvent builds and hashes the next link in a gate's reversal
// chain. prevHash is eventlog.NullPrevHash ("null") for the first event.
func newReversalEvent(gateID, receiptID string, action ReversalAction, cmd ReversalCommand, cmdVerified bool, providerArtifact string, providerVerified bool, evidenceRefs []string, occurredAt time.Time, prevHash string) (*ReversalEvent, error) {
	if prevHash == "" {
		prevHash = eventlog.NullPrevHash
	}
	e := &ReversalEvent{
		GateID:                   gateID,
		ReceiptID:                receiptID,
		Action:                   action,
		Command:                  cmd,
		CommandVerified:          cmdVerified,
		ProviderDecisionArtifact: providerArtifact,
		ProviderDecisionVerified: providerVerified,
		EvidenceRefs:             evidenceRefs,
		OccurredAt:               occurredAt,
		PrevEventHash:            prevHash,
	}
	h, err := e.hash()
	if err != nil {
		return nil, err
	}
	e.EventHash = h
	e.EventID = h
	return e, nil
}
