package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/core"
)

// TokenAuth mints and verifies the bearer tokens the control plane
// accepts. A token binds an actor to one workspace and one role;
// cross-workspace use is rejected upstream as NOT_FOUND so tenants
// cannot probe each other's resource IDs.
type TokenAuth struct {
	secret []byte
	now    func() time.Time
}

func NewTokenAuth(secret []byte) *TokenAuth {
	return &TokenAuth{secret: secret, now: time.Now}
}

type tokenClaims struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Actor       string    `json:"actor"`
	Role        core.Role `json:"role"`
	ExpiresAt   int64     `json:"expires_at"`
}

// Mint issues a bearer token.
func (a *TokenAuth) Mint(workspaceID uuid.UUID, actor string, role core.Role, ttl time.Duration) string {
	claims, _ := json.Marshal(tokenClaims{
		WorkspaceID: workspaceID,
		Actor:       actor,
		Role:        role,
		ExpiresAt:   a.now().Add(ttl).Unix(),
	})
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return payload + "." + a.sign(payload)
}

// Verify parses a bearer token and returns its claims.
func (a *TokenAuth) Verify(token string) (*tokenClaims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, core.E(core.CodeForbidden, "malformed bearer token")
	}
	want := a.sign(payload)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return nil, core.E(core.CodeForbidden, "bearer token signature mismatch")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, core.E(core.CodeForbidden, "bearer token payload undecodable")
	}
	var claims tokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, core.E(core.CodeForbidden, "bearer token claims unreadable")
	}
	if a.now().Unix() > claims.ExpiresAt {
		return nil, core.E(core.CodeForbidden, "bearer token expired")
	}
	return &claims, nil
}

func (a *TokenAuth) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// roleAllows reports whether the held role covers the required one.
// Admin covers viewer.
func roleAllows(held, required core.Role) bool {
	if held == core.RoleAdmin {
		return true
	}
	return held == required
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
