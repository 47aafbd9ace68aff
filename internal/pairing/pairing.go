// Package pairing implements the Pairing Handshake Manager (spec.md §4.8):
// the common challenge/ack crypto core shared by all three pairing modes
// (LAN auto-discovery, QR scan, remote 6-digit code), plus per-mode payload
// construction and verification. The challenge/response shape mirrors the
// teacher's internal/crypto handshake idiom (derive a shared key, prove
// possession of a secret sealed under it) generalized from NaCl box to the
// X25519+HKDF+AES-GCM primitives in cryptoutil.
package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hypo/internal/cryptoutil"
	"hypo/internal/discovery"
	"hypo/internal/model"
)

const (
	// clockSkewTolerance bounds both the lower-edge issued_at check on a
	// PairingPayload and the issued_at freshness check on a
	// PairingAckMessage (spec.md §4.8).
	clockSkewTolerance = 5 * time.Minute
	ackTimeout         = 30 * time.Second
	payloadVersion     = "1"
)

// TrustStore resolves a device's long-term Ed25519 signing public key, the
// bootstrap trust anchor QR-mode payload signatures are checked against
// (spec.md §4.8 mode B). No anchor known → ErrUntrusted.
type TrustStore interface {
	SigningPubKey(deviceID model.DeviceID) (ed25519.PublicKey, bool)
}

// MapTrustStore is a minimal concurrency-safe TrustStore backed by an
// in-memory map, populated out-of-band (e.g. from a prior pairing, or an
// operator-entered anchor).
type MapTrustStore struct {
	mu   sync.RWMutex
	keys map[model.DeviceID]ed25519.PublicKey
}

func NewMapTrustStore() *MapTrustStore {
	return &MapTrustStore{keys: make(map[model.DeviceID]ed25519.PublicKey)}
}

func (s *MapTrustStore) SigningPubKey(deviceID model.DeviceID) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[deviceID]
	return k, ok
}

// Trust records deviceID's signing public key as a trust anchor, normally
// called right after a successful pairing so future re-pairs (or a second
// device added later) can verify QR payloads from the same identity.
func (s *MapTrustStore) Trust(deviceID model.DeviceID, pub ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[deviceID] = pub
}

// KeyPersister is the narrow Key Store dependency (spec.md §4.3): the
// handshake only ever needs Save.
type KeyPersister interface {
	Save(peerID string, key [cryptoutil.KeySize]byte) error
}

// RawSender delivers a raw (non-frame-coded) JSON message to a peer over
// whichever transport carries the pairing session: a raw LAN WebSocket
// write for modes A/B, relay.Client.SendRaw (wrapped, see WrapRelayControl)
// or the relay HTTP API for mode C.
type RawSender interface {
	SendRaw(ctx context.Context, raw []byte) error
}

// Manager drives both roles of the common handshake core (spec.md §4.8).
// It depends only on narrow interfaces (TrustStore, KeyPersister,
// RawSender) so it never holds a reference back to the Transport Manager
// or Coordinator, per spec.md §9's cycle-avoidance note.
type Manager struct {
	localID   model.DeviceID
	localName string
	trust     TrustStore
	keys      KeyPersister
	clock     model.Clock
}

// New constructs a Manager. clock may be nil to use the real wall clock.
func New(localID model.DeviceID, localName string, trust TrustStore, keys KeyPersister, clock model.Clock) *Manager {
	if clock == nil {
		clock = model.RealClock{}
	}
	return &Manager{localID: localID, localName: localName, trust: trust, keys: keys, clock: clock}
}

// QRSession holds the ephemeral key material generated when displaying a
// QR payload; the caller must keep it alive until HandleChallenge consumes
// the resulting PairingChallengeMessage (or the pairing attempt times out).
type QRSession struct {
	EphemeralPriv [32]byte
	Payload       model.PairingPayload
}

// NewQRPayload builds and signs a PairingPayload for mode B (spec.md §4.8):
// a fresh ephemeral X25519 keypair, signed with the device's long-term
// Ed25519 key so the responder can verify it against a trust anchor.
func (m *Manager) NewQRPayload(signingPub ed25519.PublicKey, signingPriv ed25519.PrivateKey, ttl time.Duration) (QRSession, error) {
	priv, pub, err := cryptoutil.GenerateX25519Keypair()
	if err != nil {
		return QRSession{}, fmt.Errorf("pairing: ephemeral keypair: %w", err)
	}

	now := m.clock.Now().UTC()
	payload := model.PairingPayload{
		Version:          payloadVersion,
		DeviceID:         m.localID.String(),
		DeviceName:       m.localName,
		PubKeyB64:        base64.StdEncoding.EncodeToString(pub[:]),
		SigningPubKeyB64: base64.StdEncoding.EncodeToString(signingPub),
		IssuedAt:         model.NewTimestamp(now),
		ExpiresAt:        model.NewTimestamp(now.Add(ttl)),
	}
	sig, err := signPayload(payload, signingPriv)
	if err != nil {
		return QRSession{}, err
	}
	payload.Signature = base64.StdEncoding.EncodeToString(sig)

	return QRSession{EphemeralPriv: priv, Payload: payload}, nil
}

// PayloadFromDiscoveredPeer builds the sentinel-signed payload substitute
// for mode A (spec.md §4.8): the persistent mDNS-advertised public key
// stands in for a QR's signed payload, so there is nothing to verify.
func PayloadFromDiscoveredPeer(p discovery.Peer, now time.Time) model.PairingPayload {
	name := p.ServiceName
	return model.PairingPayload{
		Version:          payloadVersion,
		DeviceID:         p.DeviceID.String(),
		DeviceName:       name,
		PubKeyB64:        p.PubKeyB64,
		SigningPubKeyB64: p.SigningPubKeyB64,
		IssuedAt:         model.NewTimestamp(now),
		ExpiresAt:        model.NewTimestamp(now.Add(clockSkewTolerance)),
		Signature:        model.LANAutoDiscoverySentinel,
	}
}

// signPayload marshals payload with Signature blanked and signs the
// canonical bytes; VerifyPayload performs the identical reconstruction.
func signPayload(payload model.PairingPayload, priv ed25519.PrivateKey) ([]byte, error) {
	payload.Signature = ""
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("pairing: marshal payload: %w", err)
	}
	return ed25519.Sign(priv, canonical), nil
}

// VerifyPayload checks a PairingPayload's freshness and (for non-sentinel
// signatures) its Ed25519 signature against the trust store (spec.md §4.8
// mode B validation rules).
func (m *Manager) VerifyPayload(payload model.PairingPayload) error {
	if payload.Version != payloadVersion {
		return fmt.Errorf("%w: unsupported payload version %q", model.ErrPayloadMalformed, payload.Version)
	}

	issuedAt, err := time.Parse(time.RFC3339Nano, payload.IssuedAt)
	if err != nil {
		return fmt.Errorf("%w: issued_at: %v", model.ErrPayloadMalformed, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, payload.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: expires_at: %v", model.ErrPayloadMalformed, err)
	}

	now := m.clock.Now().UTC()
	if now.After(expiresAt) {
		return model.ErrPayloadExpired
	}
	if now.Before(issuedAt.Add(-clockSkewTolerance)) {
		return model.ErrPayloadExpired
	}

	if payload.Signature == model.LANAutoDiscoverySentinel {
		return nil
	}

	deviceID, err := model.NormalizeDeviceID(payload.DeviceID)
	if err != nil {
		return fmt.Errorf("%w: device_id: %v", model.ErrPayloadMalformed, err)
	}
	anchor, ok := m.trust.SigningPubKey(deviceID)
	if !ok {
		return model.ErrUntrusted
	}

	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", model.ErrPayloadMalformed, err)
	}
	canonical := payload
	canonical.Signature = ""
	body, err := json.Marshal(canonical)
	if err != nil {
		return fmt.Errorf("pairing: marshal payload: %w", err)
	}
	if !cryptoutil.VerifyEd25519(anchor, body, sig) {
		return model.ErrSignatureInvalid
	}
	return nil
}

// Handshake drives the responder role of the common handshake (spec.md
// §4.8 steps 1, 2, 4): it generates the ephemeral keypair, sends the
// challenge, waits up to 30 s on incoming for the matching ack, verifies
// it, and persists the shared key under peer's device id. Mode A skips
// VerifyPayload's signature check via the LAN sentinel; modes B/C must
// call VerifyPayload themselves before invoking Handshake.
func (m *Manager) Handshake(ctx context.Context, peer model.PairingPayload, sender RawSender, incoming <-chan []byte) (model.DeviceID, error) {
	peerID, err := model.NormalizeDeviceID(peer.DeviceID)
	if err != nil {
		return "", fmt.Errorf("%w: device_id: %v", model.ErrPayloadMalformed, err)
	}

	initiatorPub, err := decodeKey32(peer.PubKeyB64)
	if err != nil {
		return "", fmt.Errorf("%w: pub_key: %v", model.ErrKeyAgreementFailed, err)
	}

	responderPriv, responderPubDerived, err := cryptoutil.GenerateX25519Keypair()
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}
	sharedKey, err := cryptoutil.DeriveSharedKey(responderPriv, initiatorPub)
	if err != nil {
		return "", err
	}

	challengeSecret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, challengeSecret); err != nil {
		return "", fmt.Errorf("pairing: challenge secret: %w", err)
	}

	now := m.clock.Now().UTC()
	secretPayload := model.ChallengeSecretPayload{
		ChallengeSecretB64: base64.StdEncoding.EncodeToString(challengeSecret),
		Timestamp:          model.NewTimestamp(now),
	}
	secretBytes, err := json.Marshal(secretPayload)
	if err != nil {
		return "", fmt.Errorf("pairing: marshal challenge secret: %w", err)
	}

	sealed, err := cryptoutil.Encrypt(secretBytes, sharedKey[:], []byte(m.localID.String()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}

	challengeID := uuid.New().String()
	challengeMsg := model.PairingChallengeMessage{
		ChallengeID:        challengeID,
		ResponderID:        m.localID.String(),
		ResponderPubKeyB64: base64.StdEncoding.EncodeToString(responderPubDerived[:]),
		CiphertextB64:      base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		NonceB64:           base64.StdEncoding.EncodeToString(sealed.Nonce[:]),
		TagB64:             base64.StdEncoding.EncodeToString(sealed.Tag[:]),
	}
	raw, err := json.Marshal(challengeMsg)
	if err != nil {
		return "", fmt.Errorf("pairing: marshal challenge: %w", err)
	}
	if err := sender.SendRaw(ctx, raw); err != nil {
		return "", fmt.Errorf("pairing: send challenge: %w", err)
	}

	ack, err := m.awaitAck(ctx, incoming, challengeID)
	if err != nil {
		return "", err
	}

	plain, err := cryptoutil.Decrypt(mustB64(ack.CiphertextB64), sharedKey[:], mustNonce(ack.NonceB64), mustTag(ack.TagB64), []byte(peerID.String()))
	if err != nil {
		return "", err
	}
	var ackPayload model.AckResponsePayload
	if err := json.Unmarshal(plain, &ackPayload); err != nil {
		return "", fmt.Errorf("%w: ack payload: %v", model.ErrPayloadMalformed, err)
	}

	issuedAt, err := time.Parse(time.RFC3339Nano, ackPayload.IssuedAt)
	if err != nil {
		return "", fmt.Errorf("%w: ack issued_at: %v", model.ErrPayloadMalformed, err)
	}
	if absDuration(now.Sub(issuedAt)) > clockSkewTolerance {
		return "", model.ErrPayloadExpired
	}

	wantHash := sha256.Sum256(challengeSecret)
	gotHash, err := base64.StdEncoding.DecodeString(ackPayload.ResponseHashB64)
	if err != nil || !hashEqual(wantHash[:], gotHash) {
		return "", model.ErrChallengeMismatch
	}

	if err := m.keys.Save(peerID.String(), sharedKey); err != nil {
		return "", fmt.Errorf("pairing: persist key: %w", err)
	}

	slog.Info("pairing: handshake complete", "peer", peerID)
	return peerID, nil
}

// HandleChallenge drives the initiator role (spec.md §4.8 step 3): given
// the ephemeral key generated alongside the displayed payload and the
// inbound PairingChallengeMessage, it derives the shared key, proves
// possession of the challenge secret, and persists the key under the
// responder's device id.
func (m *Manager) HandleChallenge(ctx context.Context, session QRSession, msg model.PairingChallengeMessage, sender RawSender) (model.DeviceID, error) {
	responderID, err := model.NormalizeDeviceID(msg.ResponderID)
	if err != nil {
		return "", fmt.Errorf("%w: responder_id: %v", model.ErrPayloadMalformed, err)
	}

	responderPub, err := decodeKey32(msg.ResponderPubKeyB64)
	if err != nil {
		return "", fmt.Errorf("%w: responder_pub_key: %v", model.ErrKeyAgreementFailed, err)
	}
	sharedKey, err := cryptoutil.DeriveSharedKey(session.EphemeralPriv, responderPub)
	if err != nil {
		return "", err
	}

	plain, err := cryptoutil.Decrypt(mustB64(msg.CiphertextB64), sharedKey[:], mustNonce(msg.NonceB64), mustTag(msg.TagB64), []byte(responderID.String()))
	if err != nil {
		return "", err
	}
	var secretPayload model.ChallengeSecretPayload
	if err := json.Unmarshal(plain, &secretPayload); err != nil {
		return "", fmt.Errorf("%w: challenge secret payload: %v", model.ErrPayloadMalformed, err)
	}
	secret, err := base64.StdEncoding.DecodeString(secretPayload.ChallengeSecretB64)
	if err != nil {
		return "", fmt.Errorf("%w: challenge_secret: %v", model.ErrPayloadMalformed, err)
	}

	responseHash := sha256.Sum256(secret)
	now := m.clock.Now().UTC()
	ackPayload := model.AckResponsePayload{
		ResponseHashB64: base64.StdEncoding.EncodeToString(responseHash[:]),
		IssuedAt:        model.NewTimestamp(now),
	}
	ackBytes, err := json.Marshal(ackPayload)
	if err != nil {
		return "", fmt.Errorf("pairing: marshal ack: %w", err)
	}
	sealed, err := cryptoutil.Encrypt(ackBytes, sharedKey[:], []byte(m.localID.String()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}

	ackMsg := model.PairingAckMessage{
		ChallengeID:   msg.ChallengeID,
		InitiatorID:   m.localID.String(),
		CiphertextB64: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		NonceB64:      base64.StdEncoding.EncodeToString(sealed.Nonce[:]),
		TagB64:        base64.StdEncoding.EncodeToString(sealed.Tag[:]),
	}
	raw, err := json.Marshal(ackMsg)
	if err != nil {
		return "", fmt.Errorf("pairing: marshal ack message: %w", err)
	}
	if err := sender.SendRaw(ctx, raw); err != nil {
		return "", fmt.Errorf("pairing: send ack: %w", err)
	}

	if err := m.keys.Save(responderID.String(), sharedKey); err != nil {
		return "", fmt.Errorf("pairing: persist key: %w", err)
	}

	slog.Info("pairing: ack sent", "responder", responderID)
	return responderID, nil
}

// awaitAck reads raw pairing frames off incoming until one decodes as a
// PairingAckMessage matching challengeID, or ackTimeout elapses (spec.md
// §4.8 failure mode "Timeout (30s to receive ack)").
func (m *Manager) awaitAck(ctx context.Context, incoming <-chan []byte, challengeID string) (model.PairingAckMessage, error) {
	deadline := time.NewTimer(ackTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return model.PairingAckMessage{}, ctx.Err()
		case <-deadline.C:
			return model.PairingAckMessage{}, model.ErrHandshakeTimeout
		case raw, ok := <-incoming:
			if !ok {
				return model.PairingAckMessage{}, model.ErrHandshakeTimeout
			}
			var ack model.PairingAckMessage
			if err := json.Unmarshal(raw, &ack); err != nil {
				continue
			}
			if ack.ChallengeID != challengeID {
				continue
			}
			return ack, nil
		}
	}
}

func decodeKey32(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func mustB64(s string) []byte {
	raw, _ := base64.StdEncoding.DecodeString(s)
	return raw
}

func mustNonce(s string) [cryptoutil.NonceSize]byte {
	var out [cryptoutil.NonceSize]byte
	raw, _ := base64.StdEncoding.DecodeString(s)
	copy(out[:], raw)
	return out
}

func mustTag(s string) [cryptoutil.TagSize]byte {
	var out [cryptoutil.TagSize]byte
	raw, _ := base64.StdEncoding.DecodeString(s)
	copy(out[:], raw)
	return out
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
