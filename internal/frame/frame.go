// Package frame implements Hypo's wire framing (spec.md §4.2): every
// SyncEnvelope is written as a 4-byte big-endian length prefix followed by
// its UTF-8 JSON encoding. The length-prefix idiom mirrors the teacher's
// internal/wire package (there: newline-delimited JSON over net.Conn);
// here the delimiter is a binary length because frames travel inside
// WebSocket binary messages, which may carry more than one frame back to
// back (spec.md §4.2 — readers must tolerate concatenated frames).
package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"hypo/internal/model"
)

// MaxFrameBytes is the hard cap on a single frame's JSON payload, matching
// model.MaxFrameBytes (10 MiB, spec.md §4.2).
const MaxFrameBytes = model.MaxFrameBytes

const lenPrefixSize = 4

// Encode serialises env to JSON and prepends its 4-byte big-endian length.
func Encode(env *model.SyncEnvelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("frame: marshal envelope: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame is %d bytes, max %d", model.ErrPayloadTooLarge, len(body), MaxFrameBytes)
	}

	out := make([]byte, lenPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:lenPrefixSize], uint32(len(body)))
	copy(out[lenPrefixSize:], body)
	return out, nil
}

// DecodeAll splits msg into every complete frame it contains, decoding each
// into a SyncEnvelope. WebSocket binary messages may bundle more than one
// frame (spec.md §4.2), so callers should always use DecodeAll rather than
// assuming one frame per message.
func DecodeAll(msg []byte) ([]*model.SyncEnvelope, error) {
	var envs []*model.SyncEnvelope
	buf := msg
	for len(buf) > 0 {
		if len(buf) < lenPrefixSize {
			return nil, fmt.Errorf("%w: truncated length prefix (%d bytes left)", model.ErrPayloadMalformed, len(buf))
		}
		n := binary.BigEndian.Uint32(buf[:lenPrefixSize])
		if int(n) > MaxFrameBytes {
			return nil, fmt.Errorf("%w: declared frame size %d exceeds max %d", model.ErrPayloadTooLarge, n, MaxFrameBytes)
		}
		buf = buf[lenPrefixSize:]
		if uint32(len(buf)) < n {
			return nil, fmt.Errorf("%w: declared %d bytes, only %d available", model.ErrPayloadMalformed, n, len(buf))
		}
		body := buf[:n]
		buf = buf[n:]

		var env model.SyncEnvelope
		dec := json.NewDecoder(bytes.NewReader(body))
		if err := dec.Decode(&env); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrPayloadMalformed, err)
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

// Reader accumulates bytes across multiple WebSocket reads (e.g. when a
// frame's length prefix arrives split across messages) and yields complete
// envelopes as they become available.
type Reader struct {
	buf bytes.Buffer
}

// Feed appends msg to the internal buffer and returns every envelope that
// can now be fully decoded, leaving any partial trailing frame buffered.
func (r *Reader) Feed(msg []byte) ([]*model.SyncEnvelope, error) {
	r.buf.Write(msg)

	var envs []*model.SyncEnvelope
	for {
		data := r.buf.Bytes()
		if len(data) < lenPrefixSize {
			break
		}
		n := binary.BigEndian.Uint32(data[:lenPrefixSize])
		if int(n) > MaxFrameBytes {
			return envs, fmt.Errorf("%w: declared frame size %d exceeds max %d", model.ErrPayloadTooLarge, n, MaxFrameBytes)
		}
		total := lenPrefixSize + int(n)
		if len(data) < total {
			break
		}

		var env model.SyncEnvelope
		if err := json.Unmarshal(data[lenPrefixSize:total], &env); err != nil {
			return envs, fmt.Errorf("%w: %v", model.ErrPayloadMalformed, err)
		}
		envs = append(envs, &env)

		remaining := append([]byte(nil), data[total:]...)
		r.buf.Reset()
		r.buf.Write(remaining)
	}
	return envs, nil
}
