package pairing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/cryptoutil"
	"hypo/internal/discovery"
	"hypo/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}
func (c *fakeClock) Sleep(d time.Duration) {}

type memKeyPersister struct {
	mu   sync.Mutex
	keys map[string][cryptoutil.KeySize]byte
}

func newMemKeyPersister() *memKeyPersister {
	return &memKeyPersister{keys: make(map[string][cryptoutil.KeySize]byte)}
}

func (p *memKeyPersister) Save(peerID string, key [cryptoutil.KeySize]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[peerID] = key
	return nil
}

// pipeSender delivers SendRaw calls directly to a peer's incoming channel,
// modelling a connected transport without a real socket.
type pipeSender struct {
	to chan<- []byte
}

func (s pipeSender) SendRaw(ctx context.Context, raw []byte) error {
	select {
	case s.to <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mustID(t *testing.T, s string) model.DeviceID {
	t.Helper()
	id, err := model.NormalizeDeviceID(s)
	require.NoError(t, err)
	return id
}

func TestFullHandshakeModeB(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	initiatorID := mustID(t, "11111111-1111-1111-1111-111111111111")
	responderID := mustID(t, "22222222-2222-2222-2222-222222222222")

	trust := NewMapTrustStore()
	initiatorKeys := newMemKeyPersister()
	responderKeys := newMemKeyPersister()

	initiatorMgr := New(initiatorID, "initiator-laptop", trust, initiatorKeys, clock)
	responderMgr := New(responderID, "responder-phone", trust, responderKeys, clock)

	signingPub, signingPriv, err := cryptoutil.GenerateEd25519Keypair()
	require.NoError(t, err)
	trust.Trust(initiatorID, signingPub)

	session, err := initiatorMgr.NewQRPayload(signingPub, signingPriv, 5*time.Minute)
	require.NoError(t, err)

	require.NoError(t, responderMgr.VerifyPayload(session.Payload))

	toInitiator := make(chan []byte, 4)
	toResponder := make(chan []byte, 4)

	var wg sync.WaitGroup
	var responderResult model.DeviceID
	var responderErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		responderResult, responderErr = responderMgr.Handshake(context.Background(), session.Payload, pipeSender{to: toInitiator}, toResponder)
	}()

	// Act as the initiator: receive the challenge, handle it, hand the ack
	// back to the responder's incoming channel.
	select {
	case raw := <-toInitiator:
		var challenge model.PairingChallengeMessage
		require.NoError(t, json.Unmarshal(raw, &challenge))
		_, err := initiatorMgr.HandleChallenge(context.Background(), session, challenge, pipeSender{to: toResponder})
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for challenge")
	}

	wg.Wait()
	require.NoError(t, responderErr)
	assert.Equal(t, initiatorID, responderResult)

	respKey, ok, err := lookupKey(responderKeys, initiatorID.String())
	require.NoError(t, err)
	require.True(t, ok)
	initKey, ok, err := lookupKey(initiatorKeys, responderID.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, respKey, initKey, "both sides must persist the identical shared key")
}

func lookupKey(p *memKeyPersister, peerID string) ([cryptoutil.KeySize]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.keys[peerID]
	return k, ok, nil
}

func TestVerifyPayloadRejectsExpired(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	id := mustID(t, "11111111-1111-1111-1111-111111111111")
	trust := NewMapTrustStore()
	mgr := New(id, "dev", trust, newMemKeyPersister(), clock)

	signingPub, signingPriv, err := cryptoutil.GenerateEd25519Keypair()
	require.NoError(t, err)
	trust.Trust(id, signingPub)

	session, err := mgr.NewQRPayload(signingPub, signingPriv, -time.Minute)
	require.NoError(t, err)

	err = mgr.VerifyPayload(session.Payload)
	assert.ErrorIs(t, err, model.ErrPayloadExpired)
}

func TestVerifyPayloadRejectsUntrusted(t *testing.T) {
	clock := newFakeClock(time.Now())
	id := mustID(t, "11111111-1111-1111-1111-111111111111")
	mgr := New(id, "dev", NewMapTrustStore(), newMemKeyPersister(), clock)

	signingPub, signingPriv, err := cryptoutil.GenerateEd25519Keypair()
	require.NoError(t, err)
	// Deliberately not trusted.
	session, err := mgr.NewQRPayload(signingPub, signingPriv, 5*time.Minute)
	require.NoError(t, err)

	err = mgr.VerifyPayload(session.Payload)
	assert.ErrorIs(t, err, model.ErrUntrusted)
}

func TestVerifyPayloadRejectsTamperedSignature(t *testing.T) {
	clock := newFakeClock(time.Now())
	id := mustID(t, "11111111-1111-1111-1111-111111111111")
	trust := NewMapTrustStore()
	mgr := New(id, "dev", trust, newMemKeyPersister(), clock)

	signingPub, signingPriv, err := cryptoutil.GenerateEd25519Keypair()
	require.NoError(t, err)
	trust.Trust(id, signingPub)

	session, err := mgr.NewQRPayload(signingPub, signingPriv, 5*time.Minute)
	require.NoError(t, err)
	session.Payload.DeviceName = "tampered"

	err = mgr.VerifyPayload(session.Payload)
	assert.ErrorIs(t, err, model.ErrSignatureInvalid)
}

func TestPayloadFromDiscoveredPeerSkipsSignatureVerification(t *testing.T) {
	clock := newFakeClock(time.Now())
	id := mustID(t, "11111111-1111-1111-1111-111111111111")
	mgr := New(id, "dev", NewMapTrustStore(), newMemKeyPersister(), clock)

	peer := discovery.Peer{
		DeviceID:         mustID(t, "33333333-3333-3333-3333-333333333333"),
		ServiceName:      "phone",
		PubKeyB64:        "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		SigningPubKeyB64: "",
	}
	payload := PayloadFromDiscoveredPeer(peer, clock.Now())
	assert.Equal(t, model.LANAutoDiscoverySentinel, payload.Signature)
	assert.NoError(t, mgr.VerifyPayload(payload))
}

func TestHandshakeTimesOutWithoutAck(t *testing.T) {
	clock := newFakeClock(time.Now())
	initiatorID := mustID(t, "11111111-1111-1111-1111-111111111111")
	responderID := mustID(t, "22222222-2222-2222-2222-222222222222")

	signingPub, signingPriv, err := cryptoutil.GenerateEd25519Keypair()
	require.NoError(t, err)

	initiatorMgr := New(initiatorID, "initiator", NewMapTrustStore(), newMemKeyPersister(), clock)
	session, err := initiatorMgr.NewQRPayload(signingPub, signingPriv, time.Minute)
	require.NoError(t, err)

	responderMgr := New(responderID, "responder", NewMapTrustStore(), newMemKeyPersister(), clock)

	discard := make(chan []byte, 4)
	never := make(chan []byte) // never delivers an ack

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = responderMgr.Handshake(ctx, session.Payload, pipeSender{to: discard}, never)
	assert.Error(t, err)
}

func TestRelayControlWrapRoundTrip(t *testing.T) {
	payload := []byte(`{"challenge_id":"abc"}`)
	wrapped, err := WrapRelayControl(payload)
	require.NoError(t, err)

	got, ok := UnwrapRelayControl(wrapped)
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(got))
}

func TestUnwrapRelayControlRejectsOtherKinds(t *testing.T) {
	wrapped := []byte(`{"msg_type":"control","kind":"routing_failure","payload":{}}`)
	_, ok := UnwrapRelayControl(wrapped)
	assert.False(t, ok)
}
