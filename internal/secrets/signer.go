package secrets

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/edgegate/backend/internal/core"
)

// Signer produces Ed25519 signatures over evidence bundle summaries
// and exposes the verification keys by ID.
type Signer interface {
	Sign(data []byte) (keyID string, signature []byte, err error)
	PublicKey(keyID string) (ed25519.PublicKey, bool)
	CurrentKeyID() string
}

// LocalSigner keeps Ed25519 keys in process memory, loaded from a seed
// file at startup. Rotation registers a new key under a fresh ID; old
// keys stay loaded for verification.
type LocalSigner struct {
	mu      sync.RWMutex
	keys    map[string]ed25519.PrivateKey
	current string
}

// NewLocalSigner loads the signing key named keyID from seedPath. The
// file holds a base64 or raw 32-byte Ed25519 seed. An empty seedPath
// generates an ephemeral key, which is only acceptable in tests and
// local development.
func NewLocalSigner(keyID, seedPath string) (*LocalSigner, error) {
	s := &LocalSigner{keys: map[string]ed25519.PrivateKey{}}

	var seed []byte
	if seedPath != "" {
		raw, err := os.ReadFile(seedPath)
		if err != nil {
			return nil, core.Wrap(core.CodeKeyUnavailable, err, "read signing key %s", keyID)
		}
		seed, err = decodeSeed(raw)
		if err != nil {
			return nil, core.Wrap(core.CodeKeyUnavailable, err, "decode signing key %s", keyID)
		}
	} else {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate signing seed: %w", err)
		}
	}
	if keyID == "" {
		keyID = fmt.Sprintf("key-v%d", time.Now().Unix())
	}
	s.keys[keyID] = ed25519.NewKeyFromSeed(seed)
	s.current = keyID
	return s, nil
}

func decodeSeed(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == ed25519.SeedSize {
		return []byte(trimmed), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) >= ed25519.SeedSize {
		return decoded[:ed25519.SeedSize], nil
	}
	if len(raw) >= ed25519.SeedSize {
		return raw[:ed25519.SeedSize], nil
	}
	return nil, fmt.Errorf("seed must be 32 bytes, got %d", len(raw))
}

// Sign signs data with the current key.
func (s *LocalSigner) Sign(data []byte) (string, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[s.current]
	if !ok {
		return "", nil, core.E(core.CodeKeyUnavailable, "no signing key loaded")
	}
	return s.current, ed25519.Sign(key, data), nil
}

// PublicKey returns the verification key for keyID.
func (s *LocalSigner) PublicKey(keyID string) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, false
	}
	return key.Public().(ed25519.PublicKey), true
}

// CurrentKeyID returns the ID stamped into new bundles.
func (s *LocalSigner) CurrentKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Rotate generates a new current key under the given ID and returns
// its public key. Previous keys remain available for verification.
func (s *LocalSigner) Rotate(keyID string) (ed25519.PublicKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate signing seed: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[keyID]; exists {
		return nil, core.E(core.CodeConflict, "signing key %s already exists", keyID)
	}
	key := ed25519.NewKeyFromSeed(seed)
	s.keys[keyID] = key
	s.current = keyID
	return key.Public().(ed25519.PublicKey), nil
}

// Verify checks an Ed25519 signature against a registered key.
func (s *LocalSigner) Verify(keyID string, data, sig []byte) bool {
	pub, ok := s.PublicKey(keyID)
	if !ok {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
