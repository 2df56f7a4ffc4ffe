package crypto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testInstruction() Instruction {
	return Instruction{
		Action:    "release",
		TradeID:   "t-1",
		Asset:     "USDT",
		Amount:    "12.5",
		Nonce:     7,
		Timestamp: 1714564800,
	}
}

func TestSignInstruction_RecoversSigner(t *testing.T) {
	s, err := NewSigner("0x"+testKey, 1)
	require.NoError(t, err)

	sig, err := s.SignInstruction(testInstruction())
	require.NoError(t, err)
	assert.Len(t, sig, 2+130)

	addr, err := RecoverInstructionSigner(1, testInstruction(), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)
}

func TestSignInstruction_TamperingChangesSigner(t *testing.T) {
	s, err := NewSigner(testKey, 1)
	require.NoError(t, err)
	sig, err := s.SignInstruction(testInstruction())
	require.NoError(t, err)

	tampered := testInstruction()
	tampered.Amount = "125"
	addr, err := RecoverInstructionSigner(1, tampered, sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), addr)

	addr, err = RecoverInstructionSigner(2, testInstruction(), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), addr, "chain id is part of the domain")
}

func TestNewSigner_InvalidKey(t *testing.T) {
	_, err := NewSigner("not-hex", 1)
	assert.Error(t, err)
}

func TestHMAC_SignVerify(t *testing.T) {
	h := &HMACAuth{Key: "k", Secret: "s3cret"}
	now := time.Unix(1714564800, 0)
	hdr := h.Headers("POST", "/v1/custody/callback", []byte(`{"a":1}`), now)

	err := h.Verify(hdr[HeaderSignature], hdr[HeaderTimestamp], "POST", "/v1/custody/callback", []byte(`{"a":1}`), now, time.Minute)
	require.NoError(t, err)

	err = h.Verify(hdr[HeaderSignature], hdr[HeaderTimestamp], "POST", "/v1/custody/callback", []byte(`{"a":2}`), now, time.Minute)
	assert.ErrorIs(t, err, ErrBadSignature)

	err = h.Verify(hdr[HeaderSignature], hdr[HeaderTimestamp], "POST", "/v1/custody/callback", []byte(`{"a":1}`), now.Add(time.Hour), time.Minute)
	assert.ErrorIs(t, err, ErrBadSignature, "stale timestamp")
}

func TestHMAC_StringRedacts(t *testing.T) {
	h := &HMACAuth{Key: "abcdefgh", Secret: "supersecret"}
	assert.NotContains(t, h.String(), "supersecret")
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"}, 1)
	require.NoError(t, err)
	direct, err := NewSigner(testKey, 1)
	require.NoError(t, err)
	assert.Equal(t, direct.Address(), s.Address())

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestIsTxHash(t *testing.T) {
	assert.True(t, IsTxHash("0x"+testKey))
	assert.False(t, IsTxHash(testKey))
	assert.False(t, IsTxHash("0x1234"))
}
