package discovery

import (
	"testing"

	"github.com/libp2p/zeroconf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/model"
)

func TestNormalizeServiceNameStripsDisambiguator(t *testing.T) {
	assert.Equal(t, "My Laptop", normalizeServiceName("My Laptop (2)"))
	assert.Equal(t, "My Laptop", normalizeServiceName("My Laptop"))
	assert.Equal(t, "Weird (Name)", normalizeServiceName("Weird (Name)"))
}

func TestDedupeKeyPrefersDeviceID(t *testing.T) {
	id := model.NewDeviceID()
	p := Peer{DeviceID: id, ServiceName: "Laptop (2)"}
	assert.Equal(t, "id:"+id.String(), dedupeKey(p))
}

func TestDedupeKeyFallsBackToServiceName(t *testing.T) {
	p := Peer{ServiceName: "Laptop (2)"}
	assert.Equal(t, "name:Laptop", dedupeKey(p))
}

func TestClassifyEntryAddsSighting(t *testing.T) {
	id := model.NewDeviceID()
	seen := map[string]string{}
	entry := &zeroconf.ServiceEntry{
		Instance: "Laptop",
		Port:     7010,
		TTL:      120,
		Text:     []string{"device_id=" + id.String()},
	}

	ev, ok := classifyEntry(entry, model.NewDeviceID(), seen)
	require.True(t, ok)
	require.NotNil(t, ev.Added)
	assert.Equal(t, id, ev.Added.DeviceID)
	assert.Equal(t, "Laptop", seen["id:"+id.String()])
}

func TestClassifyEntryDropsLocalDevice(t *testing.T) {
	id := model.NewDeviceID()
	seen := map[string]string{}
	entry := &zeroconf.ServiceEntry{
		Instance: "Laptop",
		TTL:      120,
		Text:     []string{"device_id=" + id.String()},
	}

	ev, ok := classifyEntry(entry, id, seen)
	assert.False(t, ok)
	assert.Equal(t, Event{}, ev)
	assert.Empty(t, seen)
}

func TestClassifyEntryGoodbyePacketEmitsRemoved(t *testing.T) {
	id := model.NewDeviceID()
	seen := map[string]string{"id:" + id.String(): "Laptop"}
	entry := &zeroconf.ServiceEntry{Instance: "Laptop", TTL: 0}

	ev, ok := classifyEntry(entry, model.NewDeviceID(), seen)
	require.True(t, ok)
	assert.Nil(t, ev.Added)
	assert.Equal(t, "Laptop", ev.Removed)
	assert.Empty(t, seen)
}

func TestAdvertisementTXTFields(t *testing.T) {
	ad := Advertisement{
		DeviceID:         model.NewDeviceID(),
		Version:          "1.0.0",
		Protocols:        []string{"lan-ws", "relay-ws"},
		FingerprintHex:   "deadbeef",
		PubKeyB64:        "pub==",
		SigningPubKeyB64: "sig==",
	}
	txt := ad.txt()
	assert.Contains(t, txt, "version=1.0.0")
	assert.Contains(t, txt, "protocols=lan-ws,relay-ws")
	assert.Contains(t, txt, "fingerprint_sha256=deadbeef")
	assert.Contains(t, txt, "device_id="+ad.DeviceID.String())
}
