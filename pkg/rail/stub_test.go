package rail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStub_ReserveIdempotent(t *testing.T) {
	s := NewStub()
	req := ReserveRequest{TenantID: "t1", GateID: "g1", AmountCents: 500, Currency: "USD", IdempotencyKey: "idem-1"}

	first, err := s.Reserve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, first.Status)

	second, err := s.Reserve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.ReserveID, second.ReserveID, "duplicate idempotency key must return the same reserveId")
}

func TestStub_VoidThenReconcile(t *testing.T) {
	s := NewStub()
	res, err := s.Reserve(context.Background(), ReserveRequest{IdempotencyKey: "idem-2", AmountCents: 100})
	require.NoError(t, err)

	v, err := s.Void(context.Background(), VoidRequest{ReserveID: res.ReserveID})
	require.NoError(t, err)
	require.Equal(t, StatusVoided, v.Status)
	require.Equal(t, VoidMethodCancel, v.Method)

	v2, err := s.Void(context.Background(), VoidRequest{ReserveID: res.ReserveID})
	require.NoError(t, err)
	require.Equal(t, VoidMethodAlreadyTerminal, v2.Method)

	status, err := s.GetStatus(context.Background(), res.ReserveID)
	require.NoError(t, err)
	require.Equal(t, StatusVoided, status.Status)
}

func TestStub_GetStatusUnknownReserve(t *testing.T) {
	s := NewStub()
	status, err := s.GetStatus(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, status.Status)
}
