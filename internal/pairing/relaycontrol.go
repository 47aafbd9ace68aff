package pairing

import (
	"context"
	"encoding/json"
	"fmt"
)

// relayControlEnvelope wraps a pairing message for mode C (spec.md §4.8:
// "carried over the relay as raw JSON control messages"). The relay
// client's isControlMessage dispatch (internal/relay) keys off msg_type,
// so pairing messages sent over the relay must present that field even
// though the pairing payload itself carries no such concept.
type relayControlEnvelope struct {
	MsgType string          `json:"msg_type"` // always "control"
	Kind    string          `json:"kind"`     // "pairing"
	Payload json.RawMessage `json:"payload"`
}

const relayControlKindPairing = "pairing"

// WrapRelayControl wraps a pairing message's raw JSON so the relay's
// control-message dispatch routes it to a ControlHandler instead of
// attempting (and failing) to decode it as a SyncEnvelope frame.
func WrapRelayControl(payload []byte) ([]byte, error) {
	env := relayControlEnvelope{MsgType: "control", Kind: relayControlKindPairing, Payload: payload}
	return json.Marshal(env)
}

// UnwrapRelayControl extracts a pairing payload from a raw relay control
// message, if it is one; ok is false for control messages belonging to
// some other concern (e.g. routing_failure).
func UnwrapRelayControl(raw []byte) (payload []byte, ok bool) {
	var env relayControlEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.Kind != relayControlKindPairing {
		return nil, false
	}
	return env.Payload, true
}

// relaySender adapts a relay raw-sender (relay.Client.SendRaw) so pairing
// messages are transparently wrapped in the control envelope mode C needs.
type relaySender struct {
	inner RawSender
}

// NewRelaySender wraps inner (typically a *relay.Client) so Handshake/
// HandleChallenge can send pairing messages over the relay without the
// caller having to manage the control envelope by hand.
func NewRelaySender(inner RawSender) RawSender {
	return &relaySender{inner: inner}
}

func (s *relaySender) SendRaw(ctx context.Context, raw []byte) error {
	wrapped, err := WrapRelayControl(raw)
	if err != nil {
		return fmt.Errorf("pairing: wrap relay control: %w", err)
	}
	return s.inner.SendRaw(ctx, wrapped)
}
