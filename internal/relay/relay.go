// Package relay implements the cloud Relay WebSocket Client (spec.md
// §4.6): a single long-lived wss:// connection with truncated exponential
// backoff reconnect, periodic keepalive pings, and an outbound queue with
// a bounded per-message retry budget. The reconnect/backoff shape is
// grounded in github.com/cenkalti/backoff/v4, the library the broader
// example pack (syncthing-syncthing and others) reaches for instead of a
// hand-rolled retry loop.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"hypo/internal/frame"
	"hypo/internal/model"
)

const (
	outboundQueueCapacity = 64
	pingInterval          = 20 * time.Second
	maxRetryAttempts      = 8
	maxRetryBudget        = 10 * time.Minute
	maxBackoff            = 128 * time.Second
)

// Config parameterizes the relay connection for one local device.
type Config struct {
	URL              string // wss://relay.example.com/ws
	DeviceID         model.DeviceID
	DevicePlatform   string
	PingInterval     time.Duration
}

// ControlHandler is invoked for relay control messages (msg_type ==
// "control"), e.g. routing_failure notifications, which are consumed
// locally and never surfaced as sync traffic (spec.md §4.6).
type ControlHandler func(raw []byte)

// Client manages the single long-lived relay connection.
type Client struct {
	cfg     Config
	onSync  func(*model.SyncEnvelope)
	onCtl   ControlHandler

	mu          sync.Mutex
	connected   bool
	reconnectMu sync.Mutex // guards "a single reconnection task at a time"

	queue   chan queuedFrame
	closeCh chan struct{}
}

type queuedFrame struct {
	raw      []byte
	enqueued time.Time
	attempts int
}

// NewClient constructs a relay client; call Run to start the connection
// loop. onSync receives decoded sync envelopes; onCtl receives raw control
// message bodies.
func NewClient(cfg Config, onSync func(*model.SyncEnvelope), onCtl ControlHandler) *Client {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = pingInterval
	}
	return &Client{
		cfg:     cfg,
		onSync:  onSync,
		onCtl:   onCtl,
		queue:   make(chan queuedFrame, outboundQueueCapacity),
		closeCh: make(chan struct{}),
	}
}

// Connected reports whether the relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send encodes and enqueues env, subject to the per-message retry budget
// in spec.md §4.6. Frames exceeding the Frame Codec max are rejected
// immediately with no retry.
func (c *Client) Send(ctx context.Context, env *model.SyncEnvelope) error {
	raw, err := frame.Encode(env)
	if err != nil {
		return err
	}
	qf := queuedFrame{raw: raw, enqueued: time.Now()}
	select {
	case c.queue <- qf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeCh:
		return fmt.Errorf("%w: relay client closed", model.ErrTransportUnavailable)
	}
}

// SendRaw enqueues a pre-built frame verbatim, bypassing the Frame Codec
// and subject to the same per-message retry budget as Send. Used for
// relay-carried pairing control messages (spec.md §4.8 mode C), which are
// raw JSON rather than length-prefixed SyncEnvelopes.
func (c *Client) SendRaw(ctx context.Context, raw []byte) error {
	qf := queuedFrame{raw: raw, enqueued: time.Now()}
	select {
	case c.queue <- qf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeCh:
		return fmt.Errorf("%w: relay client closed", model.ErrTransportUnavailable)
	}
}

// Close shuts the relay client down permanently.
func (c *Client) Close() {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
}

// Run drives the reconnect loop until ctx is cancelled or Close is called.
// Backoff resets on the first successful handshake or first successful
// ping reply (spec.md §4.6).
func (c *Client) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0 // reconnect forever; only the caller's ctx stops us

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		if !c.reconnectMu.TryLock() {
			// Another reconnect attempt already in flight.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		err := c.connectOnce(ctx, b)
		c.reconnectMu.Unlock()

		if err == nil {
			// connectOnce only returns nil on a clean shutdown request.
			return
		}
		slog.Warn("relay: connection lost, reconnecting", "err", err)

		wait := b.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) connectOnce(ctx context.Context, b *backoff.ExponentialBackOff) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("relay: parse url: %w", err)
	}

	header := http.Header{}
	header.Set("X-Device-Id", c.cfg.DeviceID.String())
	header.Set("X-Device-Platform", c.cfg.DevicePlatform)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("relay: dial: %w", err)
	}
	defer ws.Close()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	b.Reset()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	errCh := make(chan error, 2)
	done := make(chan struct{})
	defer close(done)

	ws.SetPongHandler(func(string) error {
		b.Reset()
		return nil
	})

	go c.writePump(ws, b, errCh, done)
	go c.readPump(ws, errCh, done)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		_ = ws.Close()
		return fmt.Errorf("context done")
	case <-c.closeCh:
		_ = ws.Close()
		return nil
	}
}

func (c *Client) writePump(ws *websocket.Conn, b *backoff.ExponentialBackOff, errCh chan<- error, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case qf := <-c.queue:
			if time.Since(qf.enqueued) > maxRetryBudget {
				slog.Warn("relay: dropping frame past retry budget")
				continue
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, qf.raw); err != nil {
				qf.attempts++
				if qf.attempts < maxRetryAttempts {
					go c.requeue(qf)
				} else {
					slog.Warn("relay: dropping frame after max retry attempts")
				}
				errCh <- fmt.Errorf("write: %w", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				errCh <- fmt.Errorf("ping: %w", err)
				return
			}
		case <-done:
			return
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) requeue(qf queuedFrame) {
	select {
	case c.queue <- qf:
	case <-c.closeCh:
	case <-time.After(time.Second):
	}
}

func (c *Client) readPump(ws *websocket.Conn, errCh chan<- error, done <-chan struct{}) {
	var reader frame.Reader
	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			select {
			case errCh <- fmt.Errorf("read: %w", err):
			case <-done:
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if isControlMessage(msg) {
			if c.onCtl != nil {
				c.onCtl(msg)
			}
			continue
		}

		envs, err := reader.Feed(msg)
		if err != nil {
			slog.Warn("relay: malformed sync frame", "err", err)
			continue
		}
		for _, env := range envs {
			if c.onSync != nil {
				c.onSync(env)
			}
		}
	}
}

// isControlMessage reports whether msg is a relay control message
// (identified by a top-level "msg_type":"control" field) rather than a
// length-prefixed SyncEnvelope frame (spec.md §4.6).
func isControlMessage(msg []byte) bool {
	trimmed := msg
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return containsControlMarker(trimmed)
}

func containsControlMarker(b []byte) bool {
	return bytes.Contains(b, []byte(`"msg_type":"control"`)) ||
		bytes.Contains(b, []byte(`"msg_type": "control"`))
}
