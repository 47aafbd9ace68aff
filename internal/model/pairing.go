package model

// LANAutoDiscoverySentinel is the signature value substituted in mode A
// (spec.md §4.8): the advertised TXT public key stands in for a signed
// payload, so there's nothing to verify and the sentinel marks that
// explicitly rather than leaving Signature empty (which would be
// indistinguishable from a malformed QR payload).
const LANAutoDiscoverySentinel = "LAN_AUTO_DISCOVERY"

// PairingPayload is the signed, QR-encoded (or LAN-substituted) initiator
// advertisement that bootstraps a pairing handshake (spec.md §4.8 mode B).
type PairingPayload struct {
	Version        string `json:"version"` // always "1"
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	PubKeyB64      string `json:"pub_key_b64"`      // X25519, ephemeral for this pairing
	SigningPubKeyB64 string `json:"signing_pub_key_b64"`
	IssuedAt       string `json:"issued_at"` // ISO-8601 UTC
	ExpiresAt      string `json:"expires_at"`
	Signature      string `json:"signature"` // base64 Ed25519 sig, blanked before signing
}

// PairingChallengeMessage is step 2 of the common handshake (spec.md §4.8):
// the responder's contribution, addressed by ChallengeID for correlation.
type PairingChallengeMessage struct {
	ChallengeID    string `json:"challenge_id"`
	ResponderID    string `json:"responder_id"`
	ResponderPubKeyB64 string `json:"responder_pub_key_b64"`
	CiphertextB64  string `json:"ciphertext_b64"`
	NonceB64       string `json:"nonce_b64"`
	TagB64         string `json:"tag_b64"`
}

// ChallengeSecretPayload is the plaintext sealed inside a
// PairingChallengeMessage's ciphertext.
type ChallengeSecretPayload struct {
	ChallengeSecretB64 string `json:"challenge_secret_b64"`
	Timestamp          string `json:"timestamp"`
}

// PairingAckMessage is step 3 of the common handshake (spec.md §4.8): the
// initiator's proof that it could decrypt the challenge.
type PairingAckMessage struct {
	ChallengeID   string `json:"challenge_id"`
	InitiatorID   string `json:"initiator_id"`
	CiphertextB64 string `json:"ciphertext_b64"`
	NonceB64      string `json:"nonce_b64"`
	TagB64        string `json:"tag_b64"`
}

// AckResponsePayload is the plaintext sealed inside a PairingAckMessage's
// ciphertext.
type AckResponsePayload struct {
	ResponseHashB64 string `json:"response_hash_b64"`
	IssuedAt        string `json:"issued_at"`
}
