// Package ciauth authenticates webhook-triggered runs. Requests carry
// a workspace ID, an ISO-8601 timestamp, a single-use nonce and a hex
// HMAC-SHA256 signature over timestamp + "\n" + nonce + "\n" + body.
package ciauth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
	"github.com/edgegate/backend/internal/secrets"
)

const (
	// HeaderWorkspace names the tenant; the other three prove the caller
	// holds its CI secret.
	HeaderWorkspace = "X-EdgeGate-Workspace"
	HeaderTimestamp = "X-EdgeGate-Timestamp"
	HeaderNonce     = "X-EdgeGate-Nonce"
	HeaderSignature = "X-EdgeGate-Signature"

	// ClockTolerance bounds timestamp skew in both directions; NonceTTL
	// is how long a spent nonce row blocks replays.
	ClockTolerance = 5 * time.Minute
	NonceTTL       = 5 * time.Minute

	maxNonceLen = 64
)

// Request is the authentication material extracted from an HTTP request.
type Request struct {
	WorkspaceID string
	Timestamp   string
	Nonce       string
	Signature   string
	Body        []byte
}

// Authenticator verifies CI requests against the per-workspace sealed
// secret and spends nonces.
type Authenticator struct {
	store    database.Store
	envelope *secrets.Envelope
	now      func() time.Time
}

func New(store database.Store, envelope *secrets.Envelope) *Authenticator {
	return &Authenticator{store: store, envelope: envelope, now: time.Now}
}

// WithClock overrides the wall clock for tests.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// SignPayload computes the hex signature a caller must send.
func SignPayload(secret []byte, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify authenticates a CI request. The nonce is spent only after the
// signature verifies, so a forged request cannot burn a nonce an honest
// caller is about to use.
func (a *Authenticator) Verify(ctx context.Context, req Request) (uuid.UUID, error) {
	workspaceID, err := uuid.Parse(req.WorkspaceID)
	if err != nil {
		return uuid.Nil, core.E(core.CodeUnknownWorkspace, "workspace header is not a uuid")
	}
	if _, err := a.store.GetWorkspace(ctx, workspaceID); err != nil {
		return uuid.Nil, core.E(core.CodeUnknownWorkspace, "workspace %s not found", workspaceID)
	}

	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return uuid.Nil, core.E(core.CodeStaleTimestamp, "timestamp is not ISO-8601 UTC")
	}
	skew := a.now().UTC().Sub(ts.UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > ClockTolerance {
		return uuid.Nil, core.E(core.CodeStaleTimestamp, "timestamp outside the %s window", ClockTolerance)
	}

	if req.Nonce == "" || len(req.Nonce) > maxNonceLen {
		return uuid.Nil, core.E(core.CodeInvalidSignature, "nonce must be 1-%d characters", maxNonceLen)
	}

	record, err := a.store.GetCISecret(ctx, workspaceID)
	if err != nil {
		return uuid.Nil, core.E(core.CodeUnknownWorkspace, "workspace %s has no CI secret", workspaceID)
	}
	secret, err := a.envelope.Open(record.Ciphertext, record.WrappedDEK)
	if err != nil {
		return uuid.Nil, core.Wrap(core.CodeInvalidSignature, err, "open CI secret")
	}

	want := SignPayload(secret, req.Timestamp, req.Nonce, req.Body)
	if subtle.ConstantTimeCompare([]byte(want), []byte(req.Signature)) != 1 {
		return uuid.Nil, core.E(core.CodeInvalidSignature, "signature mismatch")
	}

	err = a.store.InsertNonce(ctx, core.CINonce{
		Nonce:       req.Nonce,
		WorkspaceID: workspaceID,
		UsedAt:      a.now().UTC(),
		ExpiresAt:   ts.UTC().Add(NonceTTL),
	})
	if err != nil {
		if core.IsCode(err, core.CodeReplay) {
			return uuid.Nil, err
		}
		return uuid.Nil, core.Wrap(core.CodeInternal, err, "record nonce")
	}
	return workspaceID, nil
}

// GenerateSecret mints a fresh CI secret for the workspace, seals it,
// and returns the plaintext exactly once. The stored fingerprint is an
// argon2id digest for audit display only.
func (a *Authenticator) GenerateSecret(ctx context.Context, workspaceID uuid.UUID) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", core.Wrap(core.CodeInternal, err, "generate CI secret")
	}
	plaintext := "egci_" + base64.RawURLEncoding.EncodeToString(raw)

	ciphertext, wrappedDEK, err := a.envelope.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	err = a.store.UpsertCISecret(ctx, core.CISecret{
		WorkspaceID: workspaceID,
		Ciphertext:  ciphertext,
		WrappedDEK:  wrappedDEK,
		Fingerprint: fingerprint(workspaceID, []byte(plaintext)),
		CreatedAt:   a.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// fingerprint derives a short display digest. The workspace ID salts
// the KDF so identical secrets across tenants do not collide visibly.
func fingerprint(workspaceID uuid.UUID, secret []byte) string {
	sum := argon2.IDKey(secret, workspaceID[:], 1, 64*1024, 4, 16)
	return hex.EncodeToString(sum)
}

// PurgeExpiredNonces deletes nonce rows whose replay window has passed.
func (a *Authenticator) PurgeExpiredNonces(ctx context.Context) (int, error) {
	return a.store.PurgeExpiredNonces(ctx, a.now().UTC())
}
