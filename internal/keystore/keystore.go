// Package keystore implements the Device Identity & Key Store (spec.md
// §4.3): the stable device UUID, display name, and an encrypted-at-rest
// per-peer shared-key map. Persistence follows the teacher's pattern of a
// single JSON file guarded by an in-process lock (see cmd/suffuse/config.go
// for the analogous viper-config file load/save), but the key map itself is
// never written in plaintext — it is sealed with cryptoutil.Encrypt under a
// machine-bound master key before every save (spec.md §4.3 "no plaintext
// key on disk").
package keystore

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"hypo/internal/cryptoutil"
	"hypo/internal/model"
)

// record is the on-disk (post-decryption) shape of the store.
type record struct {
	DeviceID       string            `json:"device_id"`
	DeviceName     string            `json:"device_name"`
	Keys           map[string]string `json:"keys"` // peer_id -> base64(key)
	X25519Priv     string            `json:"x25519_priv_b64"`
	X25519Pub      string            `json:"x25519_pub_b64"`
	SigningPub     string            `json:"signing_pub_b64"`
	SigningPriv    string            `json:"signing_priv_b64"`
}

// Store is a file-backed, encrypted-at-rest identity and key store.
type Store struct {
	mu         sync.Mutex
	path       string
	masterKey  []byte // 32 bytes, machine-bound
	deviceID   model.DeviceID
	deviceName string
	keys       map[string]string // lowercase(peer_id) -> base64(key)
	// caseIndex preserves the originally-stored casing of each peer_id so
	// List() can report it back (spec.md §4.3 "lookup is case-insensitive").
	caseIndex map[string]string

	// x25519Priv/x25519Pub are the device's persistent Diffie-Hellman
	// keypair (spec.md §3 "pub_key, persistent across restarts"), advertised
	// on mDNS and used to anchor mode A pairing.
	x25519Priv [32]byte
	x25519Pub  [32]byte
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
}

const keystoreAAD = "hypo/keystore"

// Open loads path, decrypting with masterKey (32 bytes), or initializes a
// fresh store with a new device identity if path does not exist yet.
func Open(path string, masterKey []byte, defaultDeviceName string) (*Store, error) {
	if len(masterKey) != cryptoutil.KeySize {
		return nil, fmt.Errorf("keystore: master key must be %d bytes", cryptoutil.KeySize)
	}

	s := &Store{
		path:      path,
		masterKey: masterKey,
		keys:      make(map[string]string),
		caseIndex: make(map[string]string),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("keystore: read %s: %w", path, err)
		}
		s.deviceID = model.NewDeviceID()
		s.deviceName = defaultDeviceName
		if s.x25519Priv, s.x25519Pub, err = cryptoutil.GenerateX25519Keypair(); err != nil {
			return nil, fmt.Errorf("keystore: generate x25519 identity: %w", err)
		}
		if s.signingPub, s.signingPriv, err = cryptoutil.GenerateEd25519Keypair(); err != nil {
			return nil, fmt.Errorf("keystore: generate signing identity: %w", err)
		}
		if err := s.saveLocked(); err != nil {
			return nil, fmt.Errorf("keystore: initialize: %w", err)
		}
		return s, nil
	}

	rec, err := decodeFile(raw, masterKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode %s: %w", path, err)
	}
	id, err := model.NormalizeDeviceID(rec.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("keystore: stored device_id: %w", err)
	}
	s.deviceID = id
	s.deviceName = rec.DeviceName
	for peerID, b64 := range rec.Keys {
		lower := strings.ToLower(peerID)
		s.keys[lower] = b64
		s.caseIndex[lower] = peerID
	}
	if err := s.loadIdentityKeys(rec); err != nil {
		return nil, fmt.Errorf("keystore: stored identity keys: %w", err)
	}
	return s, nil
}

// loadIdentityKeys decodes the persistent X25519/Ed25519 identity keypairs
// from rec, minting a fresh pair for whichever is missing (migrating a
// store written before identity keys existed).
func (s *Store) loadIdentityKeys(rec record) error {
	var err error
	if rec.X25519Priv == "" || rec.X25519Pub == "" {
		s.x25519Priv, s.x25519Pub, err = cryptoutil.GenerateX25519Keypair()
		if err != nil {
			return fmt.Errorf("generate x25519 identity: %w", err)
		}
	} else {
		priv, err := decodeKey32(rec.X25519Priv)
		if err != nil {
			return fmt.Errorf("x25519_priv: %w", err)
		}
		pub, err := decodeKey32(rec.X25519Pub)
		if err != nil {
			return fmt.Errorf("x25519_pub: %w", err)
		}
		s.x25519Priv, s.x25519Pub = priv, pub
	}

	if rec.SigningPub == "" || rec.SigningPriv == "" {
		s.signingPub, s.signingPriv, err = cryptoutil.GenerateEd25519Keypair()
		if err != nil {
			return fmt.Errorf("generate signing identity: %w", err)
		}
		return nil
	}
	pub, err := base64.StdEncoding.DecodeString(rec.SigningPub)
	if err != nil {
		return fmt.Errorf("signing_pub: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(rec.SigningPriv)
	if err != nil {
		return fmt.Errorf("signing_priv: %w", err)
	}
	s.signingPub = ed25519.PublicKey(pub)
	s.signingPriv = ed25519.PrivateKey(priv)
	return nil
}

func decodeKey32(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("%w: expected 32 bytes", model.ErrPayloadMalformed)
	}
	copy(out[:], raw)
	return out, nil
}

func decodeFile(raw []byte, masterKey []byte) (record, error) {
	var env struct {
		Nonce      string `json:"nonce"`
		Tag        string `json:"tag"`
		Ciphertext string `json:"ciphertext"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return record{}, fmt.Errorf("%w: %v", model.ErrPayloadMalformed, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return record{}, fmt.Errorf("%w: ciphertext: %v", model.ErrPayloadMalformed, err)
	}
	nonceB, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonceB) != cryptoutil.NonceSize {
		return record{}, fmt.Errorf("%w: nonce", model.ErrPayloadMalformed)
	}
	tagB, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tagB) != cryptoutil.TagSize {
		return record{}, fmt.Errorf("%w: tag", model.ErrPayloadMalformed)
	}
	var nonce [cryptoutil.NonceSize]byte
	var tag [cryptoutil.TagSize]byte
	copy(nonce[:], nonceB)
	copy(tag[:], tagB)

	plain, err := cryptoutil.Decrypt(ciphertext, masterKey, nonce, tag, []byte(keystoreAAD))
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return record{}, fmt.Errorf("%w: %v", model.ErrPayloadMalformed, err)
	}
	return rec, nil
}

// saveLocked atomically overwrites the store's file with the current
// in-memory state, sealed under masterKey. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	rec := record{
		DeviceID:    s.deviceID.String(),
		DeviceName:  s.deviceName,
		Keys:        make(map[string]string, len(s.keys)),
		X25519Priv:  base64.StdEncoding.EncodeToString(s.x25519Priv[:]),
		X25519Pub:   base64.StdEncoding.EncodeToString(s.x25519Pub[:]),
		SigningPub:  base64.StdEncoding.EncodeToString(s.signingPub),
		SigningPriv: base64.StdEncoding.EncodeToString(s.signingPriv),
	}
	for lower, b64 := range s.keys {
		peerID := s.caseIndex[lower]
		if peerID == "" {
			peerID = lower
		}
		rec.Keys[peerID] = b64
	}

	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	sealed, err := cryptoutil.Encrypt(plain, s.masterKey, []byte(keystoreAAD))
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	env := struct {
		Nonce      string `json:"nonce"`
		Tag        string `json:"tag"`
		Ciphertext string `json:"ciphertext"`
	}{
		Nonce:      base64.StdEncoding.EncodeToString(sealed.Nonce[:]),
		Tag:        base64.StdEncoding.EncodeToString(sealed.Tag[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// DeviceID returns the stable local device identity.
func (s *Store) DeviceID() model.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// DeviceName returns the local display name.
func (s *Store) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceName
}

// SetDeviceName updates and persists the local display name.
func (s *Store) SetDeviceName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceName = name
	return s.saveLocked()
}

// X25519KeyPair returns the device's persistent Diffie-Hellman identity
// keypair, advertised on mDNS as pub_key (spec.md §3, §4.4).
func (s *Store) X25519KeyPair() (priv, pub [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x25519Priv, s.x25519Pub
}

// SigningKeyPair returns the device's persistent Ed25519 signing identity,
// used to sign QR pairing payloads (spec.md §4.8 mode B) and advertised on
// mDNS as signing_pub_key.
func (s *Store) SigningKeyPair() (pub ed25519.PublicKey, priv ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signingPub, s.signingPriv
}

// Save implements the key-store contract's save(peer_id, key): an atomic,
// overwriting write (spec.md §4.3).
func (s *Store) Save(peerID string, key [cryptoutil.KeySize]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lower := strings.ToLower(peerID)
	s.keys[lower] = base64.StdEncoding.EncodeToString(key[:])
	s.caseIndex[lower] = peerID
	return s.saveLocked()
}

// Load implements load(peer_id) → key?: a case-insensitive lookup. If the
// match was stored under different casing, a mismatch warning is logged
// per spec.md §4.3 rather than treated as a miss.
func (s *Store) Load(peerID string) ([cryptoutil.KeySize]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [cryptoutil.KeySize]byte

	lower := strings.ToLower(peerID)
	b64, ok := s.keys[lower]
	if !ok {
		return out, false, nil
	}
	if stored := s.caseIndex[lower]; stored != "" && stored != peerID {
		logKeystoreCaseMismatch(peerID, stored)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != cryptoutil.KeySize {
		return out, false, fmt.Errorf("%w: stored key for %s is malformed", model.ErrPayloadMalformed, peerID)
	}
	copy(out[:], raw)
	return out, true, nil
}

// Delete removes peer_id's key, if present.
func (s *Store) Delete(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lower := strings.ToLower(peerID)
	delete(s.keys, lower)
	delete(s.caseIndex, lower)
	return s.saveLocked()
}

// List returns every stored peer_id in its originally-saved casing.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.caseIndex))
	for _, peerID := range s.caseIndex {
		out = append(out, peerID)
	}
	return out
}
