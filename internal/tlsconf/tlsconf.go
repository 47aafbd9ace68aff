// Package tlsconf builds the self-signed TLS identity each Hypo device
// presents on its LAN listener, and the fingerprint-pinning verifier peers
// use instead of trusting a CA (spec.md §4.5, §4.4 TXT record
// fingerprint_sha256). The self-signed-certificate idiom is carried over
// from the teacher's internal/tlsconf, which derives a deterministic key
// from a shared passphrase; Hypo instead mints a fresh random keypair on
// each NewIdentity call (the daemon makes one per start; it is not
// persisted) and distributes its fingerprint through mDNS/pairing, since
// peers are identified individually rather than by a shared secret.
package tlsconf

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"hypo/internal/model"
)

// Identity is a device's TLS keypair and self-signed certificate.
type Identity struct {
	Cert        tls.Certificate
	Fingerprint [32]byte
}

// NewIdentity mints a fresh ECDSA P-256 self-signed certificate valid for
// 100 years, the same "contents don't matter, only the public key does"
// stance the teacher takes for its passphrase-derived cert.
func NewIdentity(commonName string) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tlsconf: serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		DNSNames:              []string{commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(100 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: marshal key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: key pair: %w", err)
	}

	return &Identity{
		Cert:        tlsCert,
		Fingerprint: sha256.Sum256(certDER),
	}, nil
}

// FingerprintHex is the lowercase hex form stored in TXT records and
// PeerRecord.FingerprintSHA256 (spec.md §4.4).
func (id *Identity) FingerprintHex() string {
	return hex.EncodeToString(id.Fingerprint[:])
}

// ServerConfig returns a *tls.Config for the LAN WebSocket listener.
func (id *Identity) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.Cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}
}

// PinnedClientConfig returns a *tls.Config that skips normal chain
// verification and instead checks the server certificate's SHA-256
// fingerprint matches expectedFingerprint exactly (spec.md §4.5 —
// connections fail closed with PinningFailure on any mismatch).
func PinnedClientConfig(expectedFingerprint [32]byte) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // verified via VerifyPeerCertificate below
		MinVersion:         tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("%w: peer presented no certificate", model.ErrPinningFailure)
			}
			got := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(got[:], expectedFingerprint[:]) {
				return fmt.Errorf("%w: fingerprint mismatch", model.ErrPinningFailure)
			}
			return nil
		},
	}
}

// ParseFingerprintHex decodes a hex fingerprint as stored in mDNS TXT
// records or PeerRecord, failing closed on malformed input.
func ParseFingerprintHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("%w: invalid fingerprint %q", model.ErrPinningFailure, s)
	}
	copy(out[:], b)
	return out, nil
}
