package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hypo/internal/cryptoutil"
	"hypo/internal/model"
)

const defaultLANPort = 7010

func getenv(key string) string  { return os.Getenv(key) }
func hostname() (string, error) { return os.Hostname() }

// defaultDeviceName returns a human-readable identifier for this host,
// shown to peers during pairing and carried in sync envelopes.
func defaultDeviceName() string {
	for _, env := range []string{"HYPO_DEVICE_NAME", "HOSTNAME_FRIENDLY"} {
		if v := getenv(env); v != "" {
			return v
		}
	}
	h, err := hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// defaultStateDir is where the identity/keystore file and local master key
// live by default: %APPDATA%\hypo on Windows, ~/.local/share/hypo elsewhere,
// separate from the config search paths used for hypo.toml (spec.md §4.3
// "must be confidentiality-protected at rest").
func defaultStateDir() string {
	if runtimeWindows() {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "hypo")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "hypo")
	}
	return "."
}

func defaultIdentityPath() string {
	return filepath.Join(defaultStateDir(), "identity.json")
}

func defaultMasterKeyPath() string {
	return filepath.Join(defaultStateDir(), "master.key")
}

func runtimeWindows() bool {
	return os.PathSeparator == '\\'
}

// loadOrCreateMasterKey reads the OS-bound master key protecting the
// identity file, generating and atomically persisting a fresh one on first
// run (spec.md §4.3: "OS-provided encrypted store OR file encrypted under
// an OS-bound master key"). The teacher derives its TLS key straight from
// a user-supplied token; hypo has no equivalent shared secret, so the
// master key is a locally-generated file instead, following keystore's own
// tmp-then-rename atomic write idiom.
func loadOrCreateMasterKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != cryptoutil.KeySize {
			return nil, fmt.Errorf("master key file %s: want %d bytes, got %d", path, cryptoutil.KeySize, len(raw))
		}
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, cryptoutil.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, key, 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("rename master key: %w", err)
	}
	return key, nil
}

// wsRawSender adapts a *websocket.Conn to pairing.RawSender. A mutex guards
// WriteMessage since the handshake's single reply can race a caller-owned
// write loop on the same connection (spec.md §5 "mutate ... under a lock").
type wsRawSender struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsRawSender) SendRaw(_ context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteMessage(websocket.BinaryMessage, raw)
}

// dialPairingSocket opens a raw LAN WebSocket connection for the active
// (dialing) side of a pairing handshake, carrying the X-Device-Id/
// X-Device-Platform headers spec.md §6 requires of both LAN and cloud
// connections. It returns the socket, a RawSender over it, and a channel
// fed by a dedicated read-loop goroutine — the shape pairing.Manager.
// Handshake needs to await the single matching ack.
func dialPairingSocket(ctx context.Context, url string, localID model.DeviceID) (*websocket.Conn, *wsRawSender, <-chan []byte, error) {
	header := http.Header{}
	header.Set("X-Device-Id", localID.String())
	header.Set("X-Device-Platform", platformName())

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}

	incoming := make(chan []byte, 4)
	go func() {
		defer close(incoming)
		for {
			msgType, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			incoming <- msg
		}
	}()

	return ws, &wsRawSender{ws: ws}, incoming, nil
}

func platformName() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	default:
		return "linux"
	}
}

// qrEnvelope is what's actually encoded in the QR image: the signed
// PairingPayload plus the transport-hint host/port the scanner dials.
// Host/port aren't part of the signed payload since they're connectivity
// metadata, not an identity claim — tampering with them only causes a
// failed dial, never a handshake bypass.
type qrEnvelope struct {
	Payload model.PairingPayload `json:"payload"`
	Host    string               `json:"host"`
	Port    int                  `json:"port"`
}

func marshalQREnvelope(env qrEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func unmarshalQREnvelope(raw []byte) (qrEnvelope, error) {
	var env qrEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return qrEnvelope{}, fmt.Errorf("%w: qr payload: %v", model.ErrPayloadMalformed, err)
	}
	return env, nil
}

const pairingWaitTimeout = 2 * time.Minute
