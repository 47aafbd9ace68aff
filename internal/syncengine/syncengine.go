// Package syncengine implements the Sync Engine (spec.md §4.11): encoding
// a ClipboardItem into an encrypted SyncEnvelope for one target peer, and
// decoding an inbound SyncEnvelope back into plaintext. It is the one
// place AAD binding and the base64/case-insensitive-key tolerance rules
// are enforced, mirroring how the teacher's internal/wire centralizes
// encrypt-then-frame in one package rather than scattering it across
// callers.
package syncengine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"hypo/internal/cryptoutil"
	"hypo/internal/model"
)

// KeyLookup resolves a peer's shared symmetric key, case-insensitively
// (spec.md §4.3, §4.11).
type KeyLookup interface {
	Load(peerID string) ([cryptoutil.KeySize]byte, bool, error)
}

// Engine encodes/decodes SyncEnvelopes against a KeyLookup-backed key store.
type Engine struct {
	keys           KeyLookup
	localDeviceID  model.DeviceID
	localDeviceName string
	// PlaintextDebug disables encryption on Send and is the only setting
	// under which Decode accepts envelopes without nonce/tag; never set in
	// production (spec.md §4.11 "document this as development-only; never default").
	PlaintextDebug bool
}

// New constructs an Engine bound to the local device identity.
func New(keys KeyLookup, localDeviceID model.DeviceID, localDeviceName string) *Engine {
	return &Engine{keys: keys, localDeviceID: localDeviceID, localDeviceName: localDeviceName}
}

// Send builds an encrypted SyncEnvelope carrying item for targetID,
// per spec.md §4.11 send(item, target_id).
func (e *Engine) Send(item model.ClipboardItem, targetID model.DeviceID) (*model.SyncEnvelope, error) {
	key, ok, err := e.keys.Load(targetID.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrMissingKey
	}

	cp := model.ClipboardPayload{
		ContentType: string(item.Content.Type),
		DataBase64:  base64.RawStdEncoding.EncodeToString(item.Content.CanonicalBytes()),
		Metadata:    item.Metadata.Extra,
	}
	plain, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", model.ErrPayloadMalformed, err)
	}

	aad := []byte(strings.ToLower(e.localDeviceID.String()))

	env := &model.SyncEnvelope{
		ID:        item.ID,
		Timestamp: model.NewTimestamp(model.RealClock{}.Now()),
		Version:   "1.0",
		Type:      model.EnvelopeClipboard,
		Payload: model.Payload{
			ContentType: string(item.Content.Type),
			DeviceID:    strings.ToLower(e.localDeviceID.String()),
			DeviceName:  e.localDeviceName,
			Target:      targetID.String(),
		},
	}

	if e.PlaintextDebug {
		env.Payload.CiphertextB64 = base64.StdEncoding.EncodeToString(plain)
	} else {
		sealed, err := cryptoutil.Encrypt(plain, key[:], aad)
		if err != nil {
			return nil, err
		}
		env.Payload.CiphertextB64 = base64.StdEncoding.EncodeToString(sealed.Ciphertext)
		env.Payload.Encryption = model.Encryption{
			Algorithm: "AES-256-GCM",
			NonceB64:  base64.StdEncoding.EncodeToString(sealed.Nonce[:]),
			TagB64:    base64.StdEncoding.EncodeToString(sealed.Tag[:]),
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: estimate size: %v", model.ErrPayloadMalformed, err)
	}
	if len(raw) > model.MaxFrameBytes {
		return nil, fmt.Errorf("%w: envelope is %d bytes", model.ErrPayloadTooLarge, len(raw))
	}

	return env, nil
}

// Decode implements spec.md §4.11 decode(envelope): resolve the sender's
// key, decrypt (or pass through plaintext-debug payloads), and parse the
// resulting ClipboardPayload.
func (e *Engine) Decode(env *model.SyncEnvelope) (model.ClipboardPayload, error) {
	var out model.ClipboardPayload

	originID, err := model.NormalizeDeviceID(env.Payload.DeviceID)
	if err != nil {
		return out, fmt.Errorf("%w: device_id: %v", model.ErrPayloadMalformed, err)
	}

	key, ok, err := e.keys.Load(originID.String())
	if err != nil {
		return out, err
	}
	if !ok {
		return out, model.ErrMissingKey
	}

	ciphertext, err := decodeBase64Tolerant(env.Payload.CiphertextB64)
	if err != nil {
		return out, fmt.Errorf("%w: ciphertext: %v", model.ErrPayloadMalformed, err)
	}

	var plain []byte
	if env.Payload.Encryption.NonceB64 == "" || env.Payload.Encryption.TagB64 == "" {
		// Plaintext debug mode (spec.md §4.11). Never the production default:
		// an engine without PlaintextDebug rejects unencrypted envelopes.
		if !e.PlaintextDebug {
			return out, fmt.Errorf("%w: envelope has no nonce/tag and plaintext debug mode is off", model.ErrDecryptionFailed)
		}
		plain = ciphertext
	} else {
		nonceB, err := decodeBase64Tolerant(env.Payload.Encryption.NonceB64)
		if err != nil || len(nonceB) != cryptoutil.NonceSize {
			return out, fmt.Errorf("%w: nonce", model.ErrPayloadMalformed)
		}
		tagB, err := decodeBase64Tolerant(env.Payload.Encryption.TagB64)
		if err != nil || len(tagB) != cryptoutil.TagSize {
			return out, fmt.Errorf("%w: tag", model.ErrPayloadMalformed)
		}
		var nonce [cryptoutil.NonceSize]byte
		var tag [cryptoutil.TagSize]byte
		copy(nonce[:], nonceB)
		copy(tag[:], tagB)

		aad := []byte(originID.String())
		plain, err = cryptoutil.Decrypt(ciphertext, key[:], nonce, tag, aad)
		if err != nil {
			return out, err
		}
	}

	if len(plain) > model.MaxFrameBytes {
		return out, fmt.Errorf("%w: plaintext is %d bytes", model.ErrPayloadTooLarge, len(plain))
	}

	if err := unmarshalClipboardPayload(plain, &out); err != nil {
		return out, fmt.Errorf("%w: %v", model.ErrPayloadMalformed, err)
	}
	return out, nil
}

// decodeBase64Tolerant accepts both standard and raw (unpadded) base64, per
// spec.md §4.11 and §9's "base64 padding drift" fix.
func decodeBase64Tolerant(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// unmarshalClipboardPayload tolerates both snake_case and camelCase field
// names on ingress (spec.md §4.11, §9 "explicit field-name JSON schema").
func unmarshalClipboardPayload(raw []byte, out *model.ClipboardPayload) error {
	var loose struct {
		ContentType   string            `json:"content_type"`
		ContentTypeCC string            `json:"contentType"`
		DataBase64    string            `json:"data_base64"`
		DataBase64CC  string            `json:"dataBase64"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return err
	}
	out.ContentType = firstNonEmpty(loose.ContentType, loose.ContentTypeCC)
	out.DataBase64 = firstNonEmpty(loose.DataBase64, loose.DataBase64CC)
	out.Metadata = loose.Metadata
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
