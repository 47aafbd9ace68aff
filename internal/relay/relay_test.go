package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsControlMessageDetectsMarker(t *testing.T) {
	assert.True(t, isControlMessage([]byte(`{"msg_type":"control","reason":"routing_failure"}`)))
	assert.True(t, isControlMessage([]byte(`{"msg_type": "control"}`)))
}

func TestIsControlMessageRejectsSyncFrame(t *testing.T) {
	assert.False(t, isControlMessage([]byte{0x00, 0x00, 0x00, 0x05, '{', '"', 'a', '"', '}'}))
	assert.False(t, isControlMessage([]byte(`{"id":"a"}`)))
}

func TestNewClientDefaultsPingInterval(t *testing.T) {
	c := NewClient(Config{URL: "wss://relay.example.com/ws"}, nil, nil)
	assert.Equal(t, pingInterval, c.cfg.PingInterval)
	assert.False(t, c.Connected())
}
