package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_FirstRequestProceeds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	key := Key{TenantID: "t1", Method: "POST", Path: "/x402/gate/create", IdempotencyKey: "k1"}

	cached, err := Check(ctx, store, key, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestCheck_ReplayReturnsStoredResponse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	key := Key{TenantID: "t1", Method: "POST", Path: "/x402/gate/create", IdempotencyKey: "k1"}
	body := []byte(`{"a":1}`)

	_, err := Check(ctx, store, key, body)
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, key, StoredResponse{
		StatusCode:      201,
		Body:            []byte(`{"id":"g1"}`),
		BodyFingerprint: FingerprintBody(body),
	}))

	cached, err := Check(ctx, store, key, body)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 201, cached.StatusCode)
	assert.Equal(t, []byte(`{"id":"g1"}`), cached.Body)
}

func TestCheck_DifferentBodySameKeyConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	key := Key{TenantID: "t1", Method: "POST", Path: "/x402/gate/create", IdempotencyKey: "k1"}

	_, err := Check(ctx, store, key, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, key, StoredResponse{
		StatusCode:      201,
		Body:            []byte(`{"id":"g1"}`),
		BodyFingerprint: FingerprintBody([]byte(`{"a":1}`)),
	}))

	_, err = Check(ctx, store, key, []byte(`{"a":2}`))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCheck_ExpiredEntryTreatedAsFresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := Key{TenantID: "t1", Method: "POST", Path: "/p", IdempotencyKey: "k1"}
	body := []byte(`{"a":1}`)

	_, err := Check(ctx, store, key, body)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, key, StoredResponse{StatusCode: 201, BodyFingerprint: FingerprintBody(body)}))

	now = now.Add(2 * time.Minute)
	cached, err := Check(ctx, store, key, body)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestFingerprintBody_Deterministic(t *testing.T) {
	a := FingerprintBody([]byte(`{"x":1}`))
	b := FingerprintBody([]byte(`{"x":1}`))
	assert.Equal(t, a, b)
}
