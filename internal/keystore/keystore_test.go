package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/cryptoutil"
)

func mustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

func testMasterKey() []byte {
	return make([]byte, cryptoutil.KeySize)
}

func TestOpenInitializesNewStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, testMasterKey(), "laptop")
	require.NoError(t, err)

	assert.NotEmpty(t, s.DeviceID().String())
	assert.Equal(t, "laptop", s.DeviceName())
	assert.FileExists(t, path)
}

func TestDeviceIDPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	key := testMasterKey()

	s1, err := Open(path, key, "laptop")
	require.NoError(t, err)
	id := s1.DeviceID()

	s2, err := Open(path, key, "laptop")
	require.NoError(t, err)
	assert.Equal(t, id, s2.DeviceID())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, testMasterKey(), "laptop")
	require.NoError(t, err)

	var key [cryptoutil.KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, s.Save("Peer-ABC", key))

	got, ok, err := s.Load("peer-abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestLoadCaseInsensitiveMismatchStillReturnsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, testMasterKey(), "laptop")
	require.NoError(t, err)

	var key [cryptoutil.KeySize]byte
	key[0] = 0x42
	require.NoError(t, s.Save("PeerXYZ", key))

	got, ok, err := s.Load("peerxyz")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestLoadMissingReturnsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, testMasterKey(), "laptop")
	require.NoError(t, err)

	_, ok, err := s.Load("does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRemovesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, testMasterKey(), "laptop")
	require.NoError(t, err)

	var key [cryptoutil.KeySize]byte
	require.NoError(t, s.Save("peer-1", key))
	require.NoError(t, s.Delete("peer-1"))

	_, ok, err := s.Load("peer-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListReturnsOriginalCasing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, testMasterKey(), "laptop")
	require.NoError(t, err)

	var key [cryptoutil.KeySize]byte
	require.NoError(t, s.Save("Peer-One", key))
	require.NoError(t, s.Save("peer-two", key))

	assert.ElementsMatch(t, []string{"Peer-One", "peer-two"}, s.List())
}

func TestFileIsNotPlaintextJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, testMasterKey(), "laptop")
	require.NoError(t, err)

	var key [cryptoutil.KeySize]byte
	for i := range key {
		key[i] = 0xAB
	}
	require.NoError(t, s.Save("peer-1", key))

	// The on-disk file must not contain the device name in the clear.
	raw := mustReadFile(t, path)
	assert.NotContains(t, string(raw), "laptop")
	assert.NotContains(t, string(raw), "peer-1")
}

func TestIdentityKeypairsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	key := testMasterKey()

	s1, err := Open(path, key, "laptop")
	require.NoError(t, err)
	priv1, pub1 := s1.X25519KeyPair()
	signPub1, signPriv1 := s1.SigningKeyPair()
	assert.NotEqual(t, [32]byte{}, pub1)

	s2, err := Open(path, key, "laptop")
	require.NoError(t, err)
	priv2, pub2 := s2.X25519KeyPair()
	signPub2, signPriv2 := s2.SigningKeyPair()

	assert.Equal(t, priv1, priv2)
	assert.Equal(t, pub1, pub2)
	assert.Equal(t, signPub1, signPub2)
	assert.Equal(t, signPriv1, signPriv2)
}
