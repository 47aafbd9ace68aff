package model

import "time"

// DeviceIdentity is this device's own stable identity (spec.md §3),
// persisted once at install and read-only thereafter.
type DeviceIdentity struct {
	DeviceID   DeviceID
	DeviceName string
}

// PeerRecord describes a discovered and/or paired peer (spec.md §3).
// Owned by the Transport Manager; every other component borrows it by
// DeviceID lookup rather than holding its own copy.
type PeerRecord struct {
	DeviceID               DeviceID
	DisplayName            string
	Host                    string
	Port                    int
	FingerprintSHA256       string
	PublicKey               []byte // X25519
	SigningPublicKey        []byte // Ed25519
	LastSeen                time.Time
	LastSuccessfulTransport TransportKind
	Paired                  bool
}

// PairingState is the 6-digit-code / QR pairing session phase.
type PairingState string

const (
	PairingIdle      PairingState = "idle"
	PairingAwaitAck  PairingState = "await_ack"
	PairingCompleted PairingState = "completed"
	PairingError     PairingState = "error"
)
