package syncengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/cryptoutil"
	"hypo/internal/model"
)

type fakeKeys struct {
	keys map[string][cryptoutil.KeySize]byte
}

func (f *fakeKeys) Load(peerID string) ([cryptoutil.KeySize]byte, bool, error) {
	k, ok := f.keys[peerID]
	return k, ok, nil
}

func newFakeKeys(peerID string, key [cryptoutil.KeySize]byte) *fakeKeys {
	return &fakeKeys{keys: map[string][cryptoutil.KeySize]byte{peerID: key}}
}

func TestSendDecodeRoundTrip(t *testing.T) {
	local := model.NewDeviceID()
	target := model.NewDeviceID()
	var key [cryptoutil.KeySize]byte
	key[0] = 0x11

	senderKeys := newFakeKeys(target.String(), key)
	engine := New(senderKeys, local, "Laptop")

	item := model.NewClipboardItem("id-1",
		model.ClipboardContent{Type: model.ContentText, Text: "hello world"},
		local, "Laptop", time.Now(), model.TransportLocal)

	env, err := engine.Send(item, target)
	require.NoError(t, err)
	assert.Equal(t, local.String(), env.Payload.DeviceID)

	// Decoding happens on the receiver's side, keyed by the sender's id.
	receiverKeys := newFakeKeys(local.String(), key)
	receiver := New(receiverKeys, target, "Phone")

	payload, err := receiver.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, "text", payload.ContentType)

	raw, err := decodeBase64Tolerant(payload.DataBase64)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(raw))
}

func TestSendMissingKey(t *testing.T) {
	local := model.NewDeviceID()
	target := model.NewDeviceID()
	engine := New(&fakeKeys{keys: map[string][cryptoutil.KeySize]byte{}}, local, "Laptop")

	item := model.NewClipboardItem("id-1",
		model.ClipboardContent{Type: model.ContentText, Text: "hi"},
		local, "Laptop", time.Now(), model.TransportLocal)

	_, err := engine.Send(item, target)
	require.ErrorIs(t, err, model.ErrMissingKey)
}

func TestDecodeWrongKeyFailsDecryption(t *testing.T) {
	local := model.NewDeviceID()
	target := model.NewDeviceID()
	var key [cryptoutil.KeySize]byte
	key[0] = 0x11
	var wrongKey [cryptoutil.KeySize]byte
	wrongKey[0] = 0x22

	engine := New(newFakeKeys(target.String(), key), local, "Laptop")
	item := model.NewClipboardItem("id-1",
		model.ClipboardContent{Type: model.ContentText, Text: "hi"},
		local, "Laptop", time.Now(), model.TransportLocal)
	env, err := engine.Send(item, target)
	require.NoError(t, err)

	receiver := New(newFakeKeys(local.String(), wrongKey), target, "Phone")
	_, err = receiver.Decode(env)
	require.ErrorIs(t, err, model.ErrDecryptionFailed)
}

func TestDecodePlaintextDebugMode(t *testing.T) {
	local := model.NewDeviceID()
	target := model.NewDeviceID()
	var key [cryptoutil.KeySize]byte

	engine := New(newFakeKeys(target.String(), key), local, "Laptop")
	engine.PlaintextDebug = true
	item := model.NewClipboardItem("id-1",
		model.ClipboardContent{Type: model.ContentText, Text: "debug text"},
		local, "Laptop", time.Now(), model.TransportLocal)
	env, err := engine.Send(item, target)
	require.NoError(t, err)
	assert.Empty(t, env.Payload.Encryption.NonceB64)

	receiver := New(newFakeKeys(local.String(), key), target, "Phone")
	_, err = receiver.Decode(env)
	require.ErrorIs(t, err, model.ErrDecryptionFailed)

	receiver.PlaintextDebug = true
	payload, err := receiver.Decode(env)
	require.NoError(t, err)

	raw, err := decodeBase64Tolerant(payload.DataBase64)
	require.NoError(t, err)
	assert.Equal(t, "debug text", string(raw))
}

func TestDecodeNormalizesLegacyPrefixedSenderID(t *testing.T) {
	local := model.NewDeviceID()
	target := model.NewDeviceID()
	var key [cryptoutil.KeySize]byte
	key[0] = 0x33

	engine := New(newFakeKeys(target.String(), key), local, "Laptop")
	item := model.NewClipboardItem("id-1",
		model.ClipboardContent{Type: model.ContentText, Text: "legacy id"},
		local, "Laptop", time.Now(), model.TransportLocal)
	env, err := engine.Send(item, target)
	require.NoError(t, err)

	// Simulate an inbound envelope from a peer still advertising its legacy
	// prefixed device id; the key is stored under the normalized form.
	env.Payload.DeviceID = "macos-" + local.String()

	receiver := New(newFakeKeys(local.String(), key), target, "Phone")
	payload, err := receiver.Decode(env)
	require.NoError(t, err)

	raw, err := decodeBase64Tolerant(payload.DataBase64)
	require.NoError(t, err)
	assert.Equal(t, "legacy id", string(raw))
}

func TestUnmarshalClipboardPayloadToleratesCamelCase(t *testing.T) {
	var out model.ClipboardPayload
	err := unmarshalClipboardPayload([]byte(`{"contentType":"text","dataBase64":"aGk"}`), &out)
	require.NoError(t, err)
	assert.Equal(t, "text", out.ContentType)
	assert.Equal(t, "aGk", out.DataBase64)
}
