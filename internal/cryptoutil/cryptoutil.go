// Package cryptoutil implements Hypo's crypto service (spec.md §4.1):
// AES-256-GCM seal/open, X25519 ECDH + HKDF-SHA256 key derivation, and
// Ed25519 signature verification. The key-derivation idiom (HKDF-SHA256
// over a shared secret) mirrors the teacher's internal/crypto package,
// generalized from NaCl secretbox to AES-GCM with explicit AAD so
// ciphertexts can be bound to a sender identity (spec.md §4.1 rationale).
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"hypo/internal/model"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard nonce
	TagSize   = 16 // GCM 128-bit tag
)

// Sealed holds the output of Encrypt: ciphertext (without the tag), the
// random nonce used, and the detached authentication tag.
type Sealed struct {
	Ciphertext []byte
	Nonce      [NonceSize]byte
	Tag        [TagSize]byte
}

// Encrypt seals plaintext under key (32 bytes) with aad bound to the
// ciphertext, using a fresh CSPRNG nonce per call (spec.md §4.1 — a nonce
// must never be reused with the same key).
func Encrypt(plaintext, key, aad []byte) (Sealed, error) {
	if len(key) != KeySize {
		return Sealed{}, fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return Sealed{}, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return Sealed{}, fmt.Errorf("cryptoutil: new gcm: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return Sealed{}, fmt.Errorf("cryptoutil: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce[:], plaintext, aad)
	// sealed = ciphertext || tag; split the detached tag off the end.
	ctLen := len(sealed) - TagSize
	var tag [TagSize]byte
	copy(tag[:], sealed[ctLen:])

	return Sealed{
		Ciphertext: sealed[:ctLen],
		Nonce:      nonce,
		Tag:        tag,
	}, nil
}

// Decrypt opens ciphertext+tag under key with the given nonce and aad.
// Any authentication mismatch returns model.ErrDecryptionFailed (spec.md
// §4.1 — decrypt fails with DecryptionFailed on any mismatch, never retried).
func Decrypt(ciphertext []byte, key []byte, nonce [NonceSize]byte, tag [TagSize]byte, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new gcm: %w", err)
	}

	combined := make([]byte, 0, len(ciphertext)+TagSize)
	combined = append(combined, ciphertext...)
	combined = append(combined, tag[:]...)

	plain, err := gcm.Open(nil, nonce[:], combined, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecryptionFailed, err)
	}
	return plain, nil
}

var pairingHKDFInfo = []byte("hypo/pairing")

// DeriveSharedKey computes HKDF-SHA256(X25519(localPriv, peerPub),
// salt=32x0x00, info="hypo/pairing") -> 32 bytes, per spec.md §4.1.
func DeriveSharedKey(localPriv, peerPub [32]byte) ([KeySize]byte, error) {
	secret, err := curve25519.X25519(localPriv[:], peerPub[:])
	if err != nil {
		return [KeySize]byte{}, fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}
	salt := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, salt, pairingHKDFInfo)
	var key [KeySize]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return [KeySize]byte{}, fmt.Errorf("%w: hkdf: %v", model.ErrKeyAgreementFailed, err)
	}
	return key, nil
}

// GenerateX25519Keypair returns a fresh ephemeral X25519 key pair.
func GenerateX25519Keypair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("cryptoutil: random private key: %w", err)
	}
	// Clamp per RFC 7748; curve25519.X25519 also clamps internally but
	// doing it here keeps the private key well-formed if ever serialized.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("cryptoutil: derive public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// VerifyEd25519 verifies message against signature under signingPub.
func VerifyEd25519(signingPub ed25519.PublicKey, message, signature []byte) bool {
	if len(signingPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(signingPub, message, signature)
}

// GenerateEd25519Keypair returns a fresh Ed25519 signing key pair, used for
// the long-term QR-pairing trust anchor (spec.md §4.8 mode B).
func GenerateEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}
