// Package relayapi implements the HTTP client side of the relay's pairing
// wire contract (spec.md §6): the 6-digit-code exchange and the
// challenge/ack polling endpoints that carry mode C's handshake traffic
// before a WebSocket control channel exists for the pair. Plain
// net/http.Client is used throughout, matching the teacher's own
// unadorned net/http usage (cmd/suffuse/http.go) rather than reaching for
// an HTTP client framework the corpus never uses.
package relayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// Client talks to one relay server's pairing HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client against baseURL (e.g. "https://relay.example.com").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: defaultTimeout}}
}

// Sentinel errors for the claim endpoint's documented status codes
// (spec.md §6), so callers can branch with errors.Is instead of string
// matching on HTTP status.
var (
	ErrCodeNotFound       = fmt.Errorf("relayapi: pairing code not found")
	ErrCodeAlreadyClaimed = fmt.Errorf("relayapi: pairing code already claimed")
	ErrCodeExpired        = fmt.Errorf("relayapi: pairing code expired")
	ErrNotReady           = fmt.Errorf("relayapi: not ready yet")
)

// CreateCodeRequest is the body of POST /pairing/code.
type CreateCodeRequest struct {
	InitiatorDeviceID     string `json:"initiator_device_id"`
	InitiatorDeviceName   string `json:"initiator_device_name"`
	InitiatorPublicKeyB64 string `json:"initiator_public_key"`
}

// CreateCodeResponse is the 200 body of POST /pairing/code.
type CreateCodeResponse struct {
	Code      string `json:"code"`
	ExpiresAt string `json:"expires_at"`
}

// CreateCode requests a fresh 6-digit pairing code (spec.md §6, 60 s TTL).
func (c *Client) CreateCode(ctx context.Context, req CreateCodeRequest) (CreateCodeResponse, error) {
	var resp CreateCodeResponse
	err := c.doJSON(ctx, http.MethodPost, "/pairing/code", req, &resp, nil)
	return resp, err
}

// ClaimCodeRequest is the body of POST /pairing/claim.
type ClaimCodeRequest struct {
	Code                  string `json:"code"`
	ResponderDeviceID     string `json:"responder_device_id"`
	ResponderDeviceName   string `json:"responder_device_name"`
	ResponderPublicKeyB64 string `json:"responder_public_key"`
}

// ClaimCodeResponse is the 200 body of POST /pairing/claim.
type ClaimCodeResponse struct {
	InitiatorDeviceID     string `json:"initiator_device_id"`
	InitiatorDeviceName   string `json:"initiator_device_name"`
	InitiatorPublicKeyB64 string `json:"initiator_public_key"`
	ExpiresAt             string `json:"expires_at"`
}

// ClaimCode resolves a pairing code into the initiator's identity
// (spec.md §6). Status codes map to ErrCodeNotFound/ErrCodeAlreadyClaimed/
// ErrCodeExpired.
func (c *Client) ClaimCode(ctx context.Context, req ClaimCodeRequest) (ClaimCodeResponse, error) {
	statusErrs := map[int]error{
		http.StatusNotFound: ErrCodeNotFound,
		http.StatusConflict: ErrCodeAlreadyClaimed,
		http.StatusGone:     ErrCodeExpired,
	}
	var resp ClaimCodeResponse
	err := c.doJSON(ctx, http.MethodPost, "/pairing/claim", req, &resp, statusErrs)
	return resp, err
}

// PostChallenge carries the responder's PairingChallengeMessage to the
// initiator via the relay before a control-channel WebSocket exists
// (spec.md §6 POST /pairing/code/{code}/challenge).
func (c *Client) PostChallenge(ctx context.Context, code, responderDeviceID string, challenge json.RawMessage) error {
	body := struct {
		ResponderDeviceID string          `json:"responder_device_id"`
		Challenge         json.RawMessage `json:"challenge"`
	}{ResponderDeviceID: responderDeviceID, Challenge: challenge}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/pairing/code/%s/challenge", code), body, nil, nil)
}

// PollChallenge polls for the challenge the responder posted, from the
// initiator's side (spec.md §6 GET .../challenge). ErrNotReady is returned
// for the documented "challenge not available" 404.
func (c *Client) PollChallenge(ctx context.Context, code, initiatorDeviceID string) (json.RawMessage, error) {
	var resp struct {
		Challenge json.RawMessage `json:"challenge"`
	}
	path := fmt.Sprintf("/pairing/code/%s/challenge?initiator_device_id=%s", code, initiatorDeviceID)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp, nil)
	if err != nil {
		return nil, err
	}
	return resp.Challenge, nil
}

// PostAck carries the initiator's PairingAckMessage back to the responder
// via the relay (spec.md §6 POST /pairing/code/{code}/ack).
func (c *Client) PostAck(ctx context.Context, code, initiatorDeviceID string, ack json.RawMessage) error {
	body := struct {
		InitiatorDeviceID string          `json:"initiator_device_id"`
		Ack               json.RawMessage `json:"ack"`
	}{InitiatorDeviceID: initiatorDeviceID, Ack: ack}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/pairing/code/%s/ack", code), body, nil, nil)
}

// PollAck polls for the ack the initiator posted, from the responder's
// side (spec.md §6 GET .../ack). ErrNotReady is returned for the
// documented "acknowledgement not available" 404.
func (c *Client) PollAck(ctx context.Context, code, responderDeviceID string) (json.RawMessage, error) {
	var resp struct {
		Ack json.RawMessage `json:"ack"`
	}
	path := fmt.Sprintf("/pairing/code/%s/ack?responder_device_id=%s", code, responderDeviceID)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp, nil)
	if err != nil {
		return nil, err
	}
	return resp.Ack, nil
}

// doJSON issues one request, JSON-encoding body (if non-nil) and
// JSON-decoding the 200 response into out (if non-nil). statusErrs maps
// specific non-200 status codes to sentinel errors; any other non-200
// becomes a generic error carrying the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}, statusErrs map[int]error) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("relayapi: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("relayapi: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relayapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusNotFound && bytes.Contains(respBody, []byte("not available")) {
			return ErrNotReady
		}
		if statusErrs != nil {
			if sentinel, ok := statusErrs[resp.StatusCode]; ok {
				return sentinel
			}
		}
		return fmt.Errorf("relayapi: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("relayapi: decode response: %w", err)
	}
	return nil
}
