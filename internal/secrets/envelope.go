// Package secrets implements envelope encryption for backend tokens,
// the Ed25519 signing service for evidence bundles, and the redacting
// Token value type.
//
// Envelope layout: each record gets a fresh 256-bit DEK. The plaintext
// is sealed with AES-256-GCM under the DEK; the DEK is wrapped under a
// long-lived master key. The wrapped form stamps the master-key ID so
// rotation only requires keeping previous masters loaded.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/edgegate/backend/internal/core"
)

const gcmNonceSize = 12

// Envelope seals and opens secrets with per-record data keys.
type Envelope struct {
	masters   map[string][]byte
	currentID string
}

// NewEnvelope builds an envelope from a base64 master key (>=32 bytes
// after decoding; only the first 32 are used). keyID names the master
// for rotation stamping.
func NewEnvelope(keyID, masterKeyB64 string) (*Envelope, error) {
	if masterKeyB64 == "" {
		return nil, core.E(core.CodeKeyUnavailable, "master key not configured")
	}
	// Tolerate missing padding, as produced by some generators.
	if m := len(masterKeyB64) % 4; m != 0 {
		masterKeyB64 += strings.Repeat("=", 4-m)
	}
	raw, err := base64.URLEncoding.DecodeString(masterKeyB64)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(masterKeyB64)
	}
	if err != nil {
		return nil, core.Wrap(core.CodeKeyUnavailable, err, "master key is not valid base64")
	}
	if len(raw) < 32 {
		return nil, core.E(core.CodeKeyUnavailable, "master key must be at least 32 bytes, got %d", len(raw))
	}
	e := &Envelope{masters: map[string][]byte{}, currentID: keyID}
	e.masters[keyID] = raw[:32]
	return e, nil
}

// AddPreviousMaster registers a retired master key so records wrapped
// under it remain openable.
func (e *Envelope) AddPreviousMaster(keyID string, key []byte) error {
	if len(key) != 32 {
		return core.E(core.CodeKeyUnavailable, "previous master %s must be 32 bytes", keyID)
	}
	e.masters[keyID] = key
	return nil
}

// Seal encrypts plaintext under a fresh DEK and returns the ciphertext
// plus the wrapped DEK.
func (e *Envelope) Seal(plaintext []byte) (ciphertext, wrappedDEK []byte, err error) {
	master, ok := e.masters[e.currentID]
	if !ok {
		return nil, nil, core.E(core.CodeKeyUnavailable, "master key %s not loaded", e.currentID)
	}

	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, fmt.Errorf("generate dek: %w", err)
	}

	ciphertext, err = gcmSeal(dek, plaintext)
	if err != nil {
		return nil, nil, err
	}

	wrapped, err := gcmSeal(master, dek)
	if err != nil {
		return nil, nil, err
	}
	// wrappedDEK = [1B id len][master key id][nonce+ct]
	idBytes := []byte(e.currentID)
	if len(idBytes) > 255 {
		return nil, nil, core.E(core.CodeKeyUnavailable, "master key id too long")
	}
	wrappedDEK = append([]byte{byte(len(idBytes))}, idBytes...)
	wrappedDEK = append(wrappedDEK, wrapped...)
	return ciphertext, wrappedDEK, nil
}

// Open decrypts a sealed record. Any parse, unwrap or tag failure is
// reported as DECRYPT_FAILED and treated as tamper by callers.
func (e *Envelope) Open(ciphertext, wrappedDEK []byte) ([]byte, error) {
	if len(wrappedDEK) < 2 {
		return nil, core.E(core.CodeDecryptFailed, "wrapped dek too short")
	}
	idLen := int(wrappedDEK[0])
	if len(wrappedDEK) < 1+idLen+gcmNonceSize {
		return nil, core.E(core.CodeDecryptFailed, "wrapped dek truncated")
	}
	keyID := string(wrappedDEK[1 : 1+idLen])
	master, ok := e.masters[keyID]
	if !ok {
		return nil, core.E(core.CodeKeyUnavailable, "master key %s not loaded", keyID)
	}

	dek, err := gcmOpen(master, wrappedDEK[1+idLen:])
	if err != nil {
		return nil, core.Wrap(core.CodeDecryptFailed, err, "unwrap dek")
	}
	plaintext, err := gcmOpen(dek, ciphertext)
	if err != nil {
		return nil, core.Wrap(core.CodeDecryptFailed, err, "open ciphertext")
	}
	return plaintext, nil
}

// CurrentKeyID returns the master key ID used for new seals.
func (e *Envelope) CurrentKeyID() string { return e.currentID }

func gcmSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func gcmOpen(key, data []byte) ([]byte, error) {
	if len(data) < gcmNonceSize {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, data[:gcmNonceSize], data[gcmNonceSize:], nil)
}
