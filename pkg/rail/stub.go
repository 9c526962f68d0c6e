package rail

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Stub is an in-process, deterministic Adapter: every reserve is granted
// immediately and tracked in memory, keyed by idempotency key so replays
// collapse onto the original reserveID. Used for tests and the in-memory
// deployment mode (X402_CIRCLE_RESERVE_MODE=stub).
type Stub struct {
	mu        sync.Mutex
	byIdemKey map[string]string // idempotencyKey -> reserveID
	reserves  map[string]*reserveState
}

type reserveState struct {
	status Status
	amount int64
}

// NewStub creates an empty Stub adapter.
func NewStub() *Stub {
	return &Stub{
		byIdemKey: make(map[string]string),
		reserves:  make(map[string]*reserveState),
	}
}

func (s *Stub) Reserve(_ context.Context, req ReserveRequest) (*ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byIdemKey[req.IdempotencyKey]; ok {
		return &ReserveResult{Status: s.reserves[id].status, ReserveID: id}, nil
	}

	id := uuid.New().String()
	s.byIdemKey[req.IdempotencyKey] = id
	s.reserves[id] = &reserveState{status: StatusReserved, amount: req.AmountCents}
	return &ReserveResult{Status: StatusReserved, ReserveID: id}, nil
}

func (s *Stub) Release(_ context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.reserves[req.ReserveID]
	if !ok {
		return &ReleaseResult{Status: StatusUnknown}, nil
	}
	rs.status = StatusReleased
	return &ReleaseResult{Status: StatusReleased}, nil
}

func (s *Stub) Void(_ context.Context, req VoidRequest) (*VoidResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.reserves[req.ReserveID]
	if !ok {
		return &VoidResult{Status: StatusVoided, Method: VoidMethodAlreadyTerminal}, nil
	}
	if rs.status == StatusVoided || rs.status == StatusReleased {
		return &VoidResult{Status: rs.status, Method: VoidMethodAlreadyTerminal}, nil
	}
	rs.status = StatusVoided
	return &VoidResult{Status: StatusVoided, Method: VoidMethodCancel}, nil
}

func (s *Stub) GetStatus(_ context.Context, reserveID string) (*StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.reserves[reserveID]
	if !ok {
		return &StatusResult{ReserveID: reserveID, Status: StatusUnknown}, nil
	}
	return &StatusResult{ReserveID: reserveID, Status: rs.status}, nil
}

var _ Adapter = (*Stub)(nil)
