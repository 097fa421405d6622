package secrets

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/backend/internal/core"
)

func testMasterKey() string {
	return base64.URLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestEnvelope_SealOpenRoundTrip(t *testing.T) {
	env, err := NewEnvelope("mk-1", testMasterKey())
	require.NoError(t, err)

	for _, plaintext := range [][]byte{
		[]byte(""),
		[]byte("qai_hub_api_token_abc123"),
		[]byte(strings.Repeat("x", 4096)),
	} {
		ct, wrapped, err := env.Seal(plaintext)
		require.NoError(t, err)

		got, err := env.Open(ct, wrapped)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEnvelope_FreshDEKPerRecord(t *testing.T) {
	env, err := NewEnvelope("mk-1", testMasterKey())
	require.NoError(t, err)

	ct1, w1, err := env.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	ct2, w2, err := env.Seal([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, ct1, ct2, "each record must use a fresh DEK and nonce")
	assert.NotEqual(t, w1, w2)
}

func TestEnvelope_TamperIsDecryptFailed(t *testing.T) {
	env, err := NewEnvelope("mk-1", testMasterKey())
	require.NoError(t, err)

	ct, wrapped, err := env.Seal([]byte("secret"))
	require.NoError(t, err)

	flipped := append([]byte(nil), ct...)
	flipped[len(flipped)-1] ^= 0x01
	_, err = env.Open(flipped, wrapped)
	require.Error(t, err)
	assert.Equal(t, core.CodeDecryptFailed, core.CodeOf(err))

	badWrap := append([]byte(nil), wrapped...)
	badWrap[len(badWrap)-1] ^= 0x01
	_, err = env.Open(ct, badWrap)
	require.Error(t, err)
	assert.Equal(t, core.CodeDecryptFailed, core.CodeOf(err))
}

func TestEnvelope_UnknownMasterIsKeyUnavailable(t *testing.T) {
	env1, err := NewEnvelope("mk-1", testMasterKey())
	require.NoError(t, err)
	ct, wrapped, err := env1.Seal([]byte("secret"))
	require.NoError(t, err)

	env2, err := NewEnvelope("mk-2", base64.URLEncoding.EncodeToString([]byte("ffffffffffffffffffffffffffffffff")))
	require.NoError(t, err)

	_, err = env2.Open(ct, wrapped)
	require.Error(t, err)
	assert.Equal(t, core.CodeKeyUnavailable, core.CodeOf(err))
}

func TestEnvelope_MasterRotation(t *testing.T) {
	env1, err := NewEnvelope("mk-1", testMasterKey())
	require.NoError(t, err)
	ct, wrapped, err := env1.Seal([]byte("pre-rotation secret"))
	require.NoError(t, err)

	// New process with a rotated master, old master kept under its ID.
	env2, err := NewEnvelope("mk-2", base64.URLEncoding.EncodeToString([]byte("ffffffffffffffffffffffffffffffff")))
	require.NoError(t, err)
	require.NoError(t, env2.AddPreviousMaster("mk-1", []byte("0123456789abcdef0123456789abcdef")))

	got, err := env2.Open(ct, wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation secret"), got)
}

func TestEnvelope_MissingMasterKey(t *testing.T) {
	_, err := NewEnvelope("mk-1", "")
	require.Error(t, err)
	assert.Equal(t, core.CodeKeyUnavailable, core.CodeOf(err))
}

func TestToken_NeverRendersPlaintext(t *testing.T) {
	tok := NewToken("qai_super_secret_token_9f2c")

	rendered := []string{
		tok.String(),
		fmt.Sprintf("%v", tok),
		fmt.Sprintf("%s", tok),
	}
	jsonBytes, err := json.Marshal(tok)
	require.NoError(t, err)
	rendered = append(rendered, string(jsonBytes))

	for _, r := range rendered {
		assert.NotContains(t, r, "qai_super_secret", "plaintext leaked: %q", r)
		assert.Contains(t, r, "9f2c", "last4 should be visible")
	}
	assert.Equal(t, "9f2c", tok.Last4())
	assert.Equal(t, "qai_super_secret_token_9f2c", tok.Reveal())
}

func TestToken_ShortValues(t *testing.T) {
	assert.Equal(t, "***", NewToken("abc").Last4())
	assert.True(t, NewToken("").IsZero())
}

func TestSigner_SignVerify(t *testing.T) {
	signer, err := NewLocalSigner("key-v1", "")
	require.NoError(t, err)

	data := []byte("canonical summary bytes")
	keyID, sig, err := signer.Sign(data)
	require.NoError(t, err)
	assert.Equal(t, "key-v1", keyID)
	assert.True(t, signer.Verify(keyID, data, sig))
	assert.False(t, signer.Verify(keyID, []byte("tampered"), sig))
	assert.False(t, signer.Verify("key-v9", data, sig))
}

func TestSigner_RotateKeepsOldKeyVerifiable(t *testing.T) {
	signer, err := NewLocalSigner("key-v1", "")
	require.NoError(t, err)

	data := []byte("signed before rotation")
	oldID, sig, err := signer.Sign(data)
	require.NoError(t, err)

	_, err = signer.Rotate("key-v2")
	require.NoError(t, err)
	assert.Equal(t, "key-v2", signer.CurrentKeyID())
	assert.True(t, signer.Verify(oldID, data, sig))
}
