package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/model"
)

func sampleEnvelope(id string) *model.SyncEnvelope {
	return &model.SyncEnvelope{
		ID:        id,
		Timestamp: model.NewTimestamp(time.Unix(0, 0).UTC()),
		Version:   "1.0",
		Type:      model.EnvelopeClipboard,
		Payload: model.Payload{
			ContentType: "text/plain",
			DeviceID:    "11111111-1111-1111-1111-111111111111",
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := sampleEnvelope("a")
	raw, err := Encode(env)
	require.NoError(t, err)

	got, err := DecodeAll(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].ID)
	assert.Equal(t, env.Payload.DeviceID, got[0].Payload.DeviceID)
}

func TestDecodeAllConcatenatedFrames(t *testing.T) {
	a, err := Encode(sampleEnvelope("a"))
	require.NoError(t, err)
	b, err := Encode(sampleEnvelope("b"))
	require.NoError(t, err)

	combined := append(append([]byte(nil), a...), b...)
	got, err := DecodeAll(combined)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestDecodeAllTruncatedLengthPrefix(t *testing.T) {
	_, err := DecodeAll([]byte{0x00, 0x01})
	require.ErrorIs(t, err, model.ErrPayloadMalformed)
}

func TestDecodeAllDeclaredSizeExceedsAvailable(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x10, 'x'}
	_, err := DecodeAll(buf)
	require.ErrorIs(t, err, model.ErrPayloadMalformed)
}

func TestDecodeAllOversizedFrameRejected(t *testing.T) {
	buf := make([]byte, 4)
	buf[0] = 0xFF // declares an absurdly large length
	_, err := DecodeAll(buf)
	require.ErrorIs(t, err, model.ErrPayloadTooLarge)
}

func TestReaderFeedSplitAcrossCalls(t *testing.T) {
	raw, err := Encode(sampleEnvelope("split"))
	require.NoError(t, err)

	var r Reader
	first, err := r.Feed(raw[:3])
	require.NoError(t, err)
	assert.Empty(t, first)

	second, err := r.Feed(raw[3:])
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "split", second[0].ID)
}
