package tlsconf

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/model"
)

func TestNewIdentityFingerprintHex(t *testing.T) {
	id, err := NewIdentity("device-a")
	require.NoError(t, err)

	want := sha256.Sum256(id.Cert.Certificate[0])
	assert.Equal(t, want, id.Fingerprint)
	assert.Len(t, id.FingerprintHex(), 64)
}

func TestParseFingerprintHexRoundTrip(t *testing.T) {
	id, err := NewIdentity("device-b")
	require.NoError(t, err)

	got, err := ParseFingerprintHex(id.FingerprintHex())
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint, got)
}

func TestParseFingerprintHexMalformed(t *testing.T) {
	_, err := ParseFingerprintHex("not-hex")
	require.ErrorIs(t, err, model.ErrPinningFailure)

	_, err = ParseFingerprintHex("abcd")
	require.ErrorIs(t, err, model.ErrPinningFailure)
}

func TestPinnedClientConfigRejectsMismatch(t *testing.T) {
	id, err := NewIdentity("device-c")
	require.NoError(t, err)

	var wrong [32]byte
	cfg := PinnedClientConfig(wrong)
	require.NotNil(t, cfg.VerifyPeerCertificate)

	err = cfg.VerifyPeerCertificate([][]byte{id.Cert.Certificate[0]}, nil)
	require.ErrorIs(t, err, model.ErrPinningFailure)
}

func TestPinnedClientConfigAcceptsMatch(t *testing.T) {
	id, err := NewIdentity("device-d")
	require.NoError(t, err)

	cfg := PinnedClientConfig(id.Fingerprint)
	err = cfg.VerifyPeerCertificate([][]byte{id.Cert.Certificate[0]}, nil)
	require.NoError(t, err)
}

func TestPinnedClientConfigRejectsNoCertificate(t *testing.T) {
	var fp [32]byte
	cfg := PinnedClientConfig(fp)
	err := cfg.VerifyPeerCertificate(nil, nil)
	require.ErrorIs(t, err, model.ErrPinningFailure)
}
