package secrets

import (
	"log/slog"
	"strings"
)

// Token is a backend credential whose public render is always
// redacted. Plaintext is only reachable through Reveal, which callers
// use transiently inside a worker; serialization paths (fmt, slog,
// encoding/json via TextMarshaler) all see the redacted form.
type Token struct {
	plaintext string
}

// NewToken wraps a plaintext credential.
func NewToken(plaintext string) Token { return Token{plaintext: plaintext} }

// Last4 returns the only substring of the secret ever shown to clients.
func (t Token) Last4() string {
	if len(t.plaintext) < 4 {
		return strings.Repeat("*", len(t.plaintext))
	}
	return t.plaintext[len(t.plaintext)-4:]
}

// Reveal returns the plaintext. Call sites are the worker's backend
// construction and the envelope seal path only.
func (t Token) Reveal() string { return t.plaintext }

// IsZero reports whether the token is empty.
func (t Token) IsZero() bool { return t.plaintext == "" }

func (t Token) String() string { return "****" + t.Last4() }

// MarshalText makes JSON encoding emit the redacted form.
func (t Token) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// LogValue makes slog emit the redacted form.
func (t Token) LogValue() slog.Value { return slog.StringValue(t.String()) }
