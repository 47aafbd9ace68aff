package cryptoutil

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/model"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	aad := []byte("device-a")
	plaintext := []byte("clip the clipboard")

	sealed, err := Encrypt(plaintext, key, aad)
	require.NoError(t, err)

	got, err := Decrypt(sealed.Ciphertext, key, sealed.Nonce, sealed.Tag, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptWrongAADFails(t *testing.T) {
	key := make([]byte, KeySize)
	sealed, err := Encrypt([]byte("hello"), key, []byte("device-a"))
	require.NoError(t, err)

	_, err = Decrypt(sealed.Ciphertext, key, sealed.Nonce, sealed.Tag, []byte("device-b"))
	require.ErrorIs(t, err, model.ErrDecryptionFailed)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key := make([]byte, KeySize)
	sealed, err := Encrypt([]byte("hello"), key, nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed.Ciphertext...)
	tampered[0] ^= 0xFF

	_, err = Decrypt(tampered, key, sealed.Nonce, sealed.Tag, nil)
	require.ErrorIs(t, err, model.ErrDecryptionFailed)
}

func TestEncryptNoncesAreUnique(t *testing.T) {
	key := make([]byte, KeySize)
	a, err := Encrypt([]byte("x"), key, nil)
	require.NoError(t, err)
	b, err := Encrypt([]byte("x"), key, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestDeriveSharedKeySymmetric(t *testing.T) {
	aPriv, aPub, err := GenerateX25519Keypair()
	require.NoError(t, err)
	bPriv, bPub, err := GenerateX25519Keypair()
	require.NoError(t, err)

	k1, err := DeriveSharedKey(aPriv, bPub)
	require.NoError(t, err)
	k2, err := DeriveSharedKey(bPriv, aPub)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := GenerateEd25519Keypair()
	require.NoError(t, err)

	msg := []byte("pairing-payload")
	sig := ed25519.Sign(priv, msg)

	assert.True(t, VerifyEd25519(pub, msg, sig))
	assert.False(t, VerifyEd25519(pub, msg, sig[:len(sig)-1]))
}
