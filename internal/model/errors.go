package model

import "errors"

// Error kinds produced by the core, per the error taxonomy: each is a
// sentinel so callers can use errors.Is across package boundaries instead
// of matching on error strings.
var (
	ErrMissingKey          = errors.New("missing shared key for peer")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrPayloadMalformed    = errors.New("payload malformed")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrHandshakeTimeout    = errors.New("handshake timeout")
	ErrSignatureInvalid    = errors.New("signature invalid")
	ErrCancelled           = errors.New("cancelled")

	// ErrChallengeMismatch and ErrPayloadExpired and ErrUntrusted and
	// ErrKeyAgreementFailed are pairing-specific failure modes (spec.md §4.8).
	ErrChallengeMismatch  = errors.New("challenge response mismatch")
	ErrPayloadExpired     = errors.New("pairing payload expired")
	ErrUntrusted          = errors.New("no bootstrap trust anchor for initiator")
	ErrKeyAgreementFailed = errors.New("key agreement failed")

	ErrPinningFailure = errors.New("certificate fingerprint pinning failure")
)
