package ciauth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
	"github.com/edgegate/backend/internal/secrets"
)

const testMasterKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=" // 32 zero bytes

func newTestAuth(t *testing.T) (*Authenticator, *database.MemStore, uuid.UUID, string) {
	t.Helper()
	env, err := secrets.NewEnvelope("mk-test", testMasterKey)
	require.NoError(t, err)
	store := database.NewMemStore()

	ws := core.Workspace{ID: uuid.New(), Name: "acme", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))

	auth := New(store, env)
	secret, err := auth.GenerateSecret(context.Background(), ws.ID)
	require.NoError(t, err)
	return auth, store, ws.ID, secret
}

func signedRequest(wsID uuid.UUID, secret string, at time.Time, nonce string, body []byte) Request {
	ts := at.UTC().Format(time.RFC3339)
	return Request{
		WorkspaceID: wsID.String(),
		Timestamp:   ts,
		Nonce:       nonce,
		Signature:   SignPayload([]byte(secret), ts, nonce, body),
		Body:        body,
	}
}

func TestVerify_AcceptsSignedRequest(t *testing.T) {
	auth, _, ws, secret := newTestAuth(t)
	now := time.Now()
	auth.WithClock(func() time.Time { return now })

	got, err := auth.Verify(context.Background(), signedRequest(ws, secret, now, "nonce-1", []byte(`{"pipeline_id":"x"}`)))
	require.NoError(t, err)
	assert.Equal(t, ws, got)
}

func TestVerify_EmptyBodyForGET(t *testing.T) {
	auth, _, ws, secret := newTestAuth(t)
	now := time.Now()
	auth.WithClock(func() time.Time { return now })

	_, err := auth.Verify(context.Background(), signedRequest(ws, secret, now, "nonce-get", nil))
	require.NoError(t, err)
}

func TestVerify_ReplayedNonceRejected(t *testing.T) {
	auth, _, ws, secret := newTestAuth(t)
	now := time.Now()
	auth.WithClock(func() time.Time { return now })

	_, err := auth.Verify(context.Background(), signedRequest(ws, secret, now, "nonce-2", nil))
	require.NoError(t, err)

	_, err = auth.Verify(context.Background(), signedRequest(ws, secret, now, "nonce-2", nil))
	require.Error(t, err)
	assert.Equal(t, core.CodeReplay, core.CodeOf(err))
}

func TestVerify_TimestampWindow(t *testing.T) {
	auth, _, ws, secret := newTestAuth(t)
	// RFC3339 serialization drops sub-second precision, so keep the stub
	// clock at whole seconds or the edge cases overshoot the window.
	now := time.Now().Truncate(time.Second)
	auth.WithClock(func() time.Time { return now })

	// Exactly at the edge is accepted.
	_, err := auth.Verify(context.Background(), signedRequest(ws, secret, now.Add(-ClockTolerance), "edge-past", nil))
	require.NoError(t, err)
	_, err = auth.Verify(context.Background(), signedRequest(ws, secret, now.Add(ClockTolerance), "edge-future", nil))
	require.NoError(t, err)

	// Beyond it is stale, in either direction.
	_, err = auth.Verify(context.Background(), signedRequest(ws, secret, now.Add(-ClockTolerance-time.Second), "stale-past", nil))
	assert.Equal(t, core.CodeStaleTimestamp, core.CodeOf(err))
	_, err = auth.Verify(context.Background(), signedRequest(ws, secret, now.Add(ClockTolerance+time.Second), "stale-future", nil))
	assert.Equal(t, core.CodeStaleTimestamp, core.CodeOf(err))
}

func TestVerify_BadSignature(t *testing.T) {
	auth, _, ws, secret := newTestAuth(t)
	now := time.Now()
	auth.WithClock(func() time.Time { return now })

	req := signedRequest(ws, secret, now, "nonce-3", []byte("body"))
	req.Body = []byte("tampered body")
	_, err := auth.Verify(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidSignature, core.CodeOf(err))

	// A rejected request must not spend its nonce.
	_, err = auth.Verify(context.Background(), signedRequest(ws, secret, now, "nonce-3", []byte("body")))
	require.NoError(t, err)
}

func TestVerify_WrongSecret(t *testing.T) {
	auth, _, ws, _ := newTestAuth(t)
	now := time.Now()
	auth.WithClock(func() time.Time { return now })

	_, err := auth.Verify(context.Background(), signedRequest(ws, "egci_not-the-secret", now, "nonce-4", nil))
	assert.Equal(t, core.CodeInvalidSignature, core.CodeOf(err))
}

func TestVerify_UnknownWorkspace(t *testing.T) {
	auth, _, _, secret := newTestAuth(t)
	now := time.Now()
	auth.WithClock(func() time.Time { return now })

	_, err := auth.Verify(context.Background(), signedRequest(uuid.New(), secret, now, "nonce-5", nil))
	assert.Equal(t, core.CodeUnknownWorkspace, core.CodeOf(err))
}

func TestVerify_NonceLengthLimit(t *testing.T) {
	auth, _, ws, secret := newTestAuth(t)
	now := time.Now()
	auth.WithClock(func() time.Time { return now })

	long := strings.Repeat("n", maxNonceLen+1)
	_, err := auth.Verify(context.Background(), signedRequest(ws, secret, now, long, nil))
	assert.Equal(t, core.CodeInvalidSignature, core.CodeOf(err))

	_, err = auth.Verify(context.Background(), signedRequest(ws, secret, now, strings.Repeat("n", maxNonceLen), nil))
	require.NoError(t, err)
}

func TestGenerateSecret_RotationInvalidatesOld(t *testing.T) {
	auth, _, ws, oldSecret := newTestAuth(t)
	now := time.Now()
	auth.WithClock(func() time.Time { return now })

	newSecret, err := auth.GenerateSecret(context.Background(), ws)
	require.NoError(t, err)
	require.NotEqual(t, oldSecret, newSecret)
	assert.True(t, strings.HasPrefix(newSecret, "egci_"))

	_, err = auth.Verify(context.Background(), signedRequest(ws, oldSecret, now, "rot-1", nil))
	assert.Equal(t, core.CodeInvalidSignature, core.CodeOf(err))
	_, err = auth.Verify(context.Background(), signedRequest(ws, newSecret, now, "rot-2", nil))
	require.NoError(t, err)
}

func TestPurgeExpiredNonces(t *testing.T) {
	auth, store, ws, secret := newTestAuth(t)
	base := time.Now()
	auth.WithClock(func() time.Time { return base })

	_, err := auth.Verify(context.Background(), signedRequest(ws, secret, base, "purge-1", nil))
	require.NoError(t, err)

	auth.WithClock(func() time.Time { return base.Add(NonceTTL + time.Minute) })
	purged, err := auth.PurgeExpiredNonces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// After purge the nonce can be reused inside a fresh window.
	now := base.Add(NonceTTL + time.Minute)
	_, err = auth.Verify(context.Background(), signedRequest(ws, secret, now, "purge-1", nil))
	require.NoError(t, err)
	_ = store
}
