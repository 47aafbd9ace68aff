package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hypo/internal/clipboard"
	"hypo/internal/coordinator"
	"hypo/internal/discovery"
	"hypo/internal/historystore"
	"hypo/internal/keystore"
	"hypo/internal/lanws"
	"hypo/internal/model"
	"hypo/internal/pairing"
	"hypo/internal/relay"
	"hypo/internal/syncengine"
	"hypo/internal/tlsconf"
	"hypo/internal/transport"
)

const (
	historyCap  = 200
	protocolVer = "1"
)

func newRunCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the clipboard sync daemon in the foreground",
		Long: `Starts hypo's LAN advertiser/listener, optional cloud relay client,
and the clipboard sync loop. The daemon is a single foreground process —
there is no background service mode or local IPC surface; "hypo status"
and "hypo pair" each operate on the on-disk identity store directly.

Flags, environment variables, and config-file keys
  Flag               Env var               Config key
  ─────────────────────────────────────────────────────
  --port             HYPO_PORT             port
  --device-name       HYPO_DEVICE_NAME      device-name
  --relay-url         HYPO_RELAY_URL        relay-url
  --identity-file     HYPO_IDENTITY_FILE    identity-file
  --master-key-file   HYPO_MASTER_KEY_FILE  master-key-file
  --plaintext-debug   HYPO_PLAINTEXT_DEBUG  plaintext-debug
  --log-level         HYPO_LOG_LEVEL        log-level
  --log-format        HYPO_LOG_FORMAT       log-format
  --config            (flag only)

Config file search order (first found wins; --config replaces the search)
  /etc/hypo/hypo.toml
  $XDG_CONFIG_HOME/hypo/hypo.toml (or $HOME/.config/hypo/hypo.toml if unset)
  Windows: %ProgramData%\hypo\hypo.toml, then %APPDATA%\hypo\hypo.toml

Precedence: defaults → config file → HYPO_* env vars → CLI flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runDaemon(v) },
	}

	f := cmd.Flags()
	f.Int("port", defaultLANPort, "LAN WebSocket port, listened on and advertised via mDNS")
	f.String("device-name", defaultDeviceName(), "name advertised to peers")
	f.String("relay-url", "", "cloud relay wss:// URL (enables cloud fallback when LAN is unreachable)")
	f.String("identity-file", defaultIdentityPath(), "path to the encrypted identity/key store file")
	f.String("master-key-file", defaultMasterKeyPath(), "path to the local master key protecting the identity file")
	f.Bool("plaintext-debug", false, "disable envelope encryption (development only, never use in production)")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runDaemon(v *viper.Viper) error {
	setupLogging(v)

	port := v.GetInt("port")
	deviceName := v.GetString("device-name")
	relayURL := v.GetString("relay-url")
	identityFile := v.GetString("identity-file")
	masterKeyFile := v.GetString("master-key-file")
	plaintextDebug := v.GetBool("plaintext-debug")

	masterKey, err := loadOrCreateMasterKey(masterKeyFile)
	if err != nil {
		return fmt.Errorf("master key: %w", err)
	}
	ks, err := keystore.Open(identityFile, masterKey, deviceName)
	if err != nil {
		return fmt.Errorf("identity store: %w", err)
	}

	tlsIdentity, err := tlsconf.NewIdentity(ks.DeviceID().String())
	if err != nil {
		return fmt.Errorf("lan tls identity: %w", err)
	}

	slog.Info("hypo daemon starting",
		"version", Version,
		"device_id", ks.DeviceID(),
		"device_name", ks.DeviceName(),
		"port", port,
		"relay", relayURL != "",
	)

	ctx := context.Background()
	clock := model.RealClock{}

	trust := pairing.NewMapTrustStore()
	pm := pairing.New(ks.DeviceID(), ks.DeviceName(), trust, ks, clock)

	eng := syncengine.New(ks, ks.DeviceID(), ks.DeviceName())
	eng.PlaintextDebug = plaintextDebug

	hist := historystore.New(historyCap)
	obs := clipboard.NewObserver()

	// coord and tm are declared ahead of the relay client so its callbacks
	// (below) can reach them once they're assigned further down.
	var coord *coordinator.Coordinator
	var tm *transport.Manager

	var relayClient *relay.Client
	if relayURL != "" {
		relayClient = relay.NewClient(relay.Config{
			URL:            relayURL,
			DeviceID:       ks.DeviceID(),
			DevicePlatform: platformName(),
		}, func(env *model.SyncEnvelope) {
			if coord != nil {
				handleInboundSync(ctx, eng, coord, env, model.TransportCloud)
			}
		}, func(raw []byte) {
			if tm != nil {
				acceptRelayPairingChallenge(ctx, ks, pm, tm, relayClient, raw)
			}
		})
		go relayClient.Run(ctx)
	}

	tm = transport.NewManager(relayClient, clock)
	// Peers paired in earlier runs are known only to the key store; register
	// them so they are part of the fan-out target set from the start.
	for _, id := range ks.List() {
		if peerID, err := model.NormalizeDeviceID(id); err == nil {
			tm.UpsertPaired(model.PeerRecord{DeviceID: peerID, Paired: true})
		}
	}
	go tm.PruneLoop(ctx, 0)

	sender := &engineSender{eng: eng, tm: tm}
	writer := &clipboardApplier{obs: obs}

	coord = coordinator.New(hist, tm, sender, writer, clock, ks.DeviceID(), ks.DeviceName())
	go coord.Run(ctx)

	obs.OnChange(func() {
		content, err := obs.Read()
		if err != nil || content == nil {
			if err != nil {
				slog.Warn("clipboard: read after change failed", "err", err)
			}
			return
		}
		if err := coord.Submit(ctx, coordinator.Event{Content: *content, Local: true}); err != nil {
			slog.Warn("coordinator: submit local event failed", "err", err)
		}
	})

	discEvents, err := discovery.Browse(ctx, ks.DeviceID(), nil)
	if err != nil {
		return fmt.Errorf("discovery browse: %w", err)
	}
	go func() {
		for ev := range discEvents {
			if ev.Added != nil {
				tm.OnDiscoveryEvent(*ev.Added)
			}
		}
	}()

	_, x25519Pub := ks.X25519KeyPair()
	signingPub, _ := ks.SigningKeyPair()
	ad := discovery.Advertisement{
		DeviceID:         ks.DeviceID(),
		DeviceName:       ks.DeviceName(),
		Port:             port,
		Version:          protocolVer,
		Protocols:        []string{"hypo-sync-1"},
		FingerprintHex:   tlsIdentity.FingerprintHex(),
		PubKeyB64:        base64.StdEncoding.EncodeToString(x25519Pub[:]),
		SigningPubKeyB64: base64.StdEncoding.EncodeToString(signingPub),
	}
	advertiser, err := discovery.Advertise(ad)
	if err != nil {
		return fmt.Errorf("discovery advertise: %w", err)
	}
	defer advertiser.Shutdown()

	handlePairing := func(raw []byte, ws *websocket.Conn) {
		go acceptPairingChallenge(ctx, ks, pm, tm, raw, ws)
	}
	handleSync := func(env *model.SyncEnvelope) {
		handleInboundSync(ctx, eng, coord, env, model.TransportLAN)
	}

	addr := fmt.Sprintf(":%d", port)
	if err := lanws.ListenAndServe(ctx, addr, tlsIdentity, handlePairing, handleSync); err != nil {
		return fmt.Errorf("lan listener: %w", err)
	}
	return nil
}

// acceptPairingChallenge plays the passive/initiator role (spec.md §4.8)
// for an inbound mode-A pairing attempt on the steady-state LAN listener:
// the daemon's persistent X25519 identity keypair substitutes the
// ephemeral key a QR session would otherwise carry.
func acceptPairingChallenge(ctx context.Context, ks *keystore.Store, pm *pairing.Manager, tm *transport.Manager, raw []byte, ws *websocket.Conn) {
	var msg model.PairingChallengeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("pairing: malformed inbound challenge", "err", err)
		return
	}

	priv, _ := ks.X25519KeyPair()
	session := pairing.QRSession{EphemeralPriv: priv}
	sender := &wsRawSender{ws: ws}

	peerID, err := pm.HandleChallenge(ctx, session, msg, sender)
	if err != nil {
		slog.Warn("pairing: handle challenge failed", "err", err)
		return
	}
	tm.UpsertPaired(model.PeerRecord{DeviceID: peerID, Paired: true})
	slog.Info("pairing: paired via lan auto-discovery", "peer", peerID)
}

// acceptRelayPairingChallenge plays the passive/initiator role for an
// inbound mode-C pairing attempt arriving over the daemon's own live relay
// connection (spec.md §4.8's cloud-code path), rather than through a
// separate "hypo pair code" polling process. Messages not meant for
// pairing are silently ignored; UnwrapRelayControl is the dispatch filter.
func acceptRelayPairingChallenge(ctx context.Context, ks *keystore.Store, pm *pairing.Manager, tm *transport.Manager, rc *relay.Client, raw []byte) {
	payload, ok := pairing.UnwrapRelayControl(raw)
	if !ok {
		return
	}
	var msg model.PairingChallengeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("pairing: malformed relay challenge", "err", err)
		return
	}

	priv, _ := ks.X25519KeyPair()
	session := pairing.QRSession{EphemeralPriv: priv}
	sender := pairing.NewRelaySender(rc)

	peerID, err := pm.HandleChallenge(ctx, session, msg, sender)
	if err != nil {
		slog.Warn("pairing: handle relay challenge failed", "err", err)
		return
	}
	tm.UpsertPaired(model.PeerRecord{DeviceID: peerID, Paired: true})
	slog.Info("pairing: paired via relay code", "peer", peerID)
}

// engineSender adapts syncengine.Engine + transport.Manager to
// coordinator.Sender, the narrow dependency the Coordinator accepts per
// spec.md §9's cycle-avoidance design note.
type engineSender struct {
	eng *syncengine.Engine
	tm  *transport.Manager
}

func (s *engineSender) SendTo(ctx context.Context, item model.ClipboardItem, target model.DeviceID) error {
	env, err := s.eng.Send(item, target)
	if err != nil {
		return err
	}
	_, err = s.tm.Send(ctx, target, env)
	return err
}

// clipboardApplier adapts clipboard.Observer to coordinator.ClipboardWriter,
// marking the write as already-seen first so applying an incoming item
// never re-triggers an outbound echo (spec.md §4.9/§4.10).
type clipboardApplier struct {
	obs *clipboard.Observer
}

func (c *clipboardApplier) Write(content model.ClipboardContent) error {
	c.obs.NoteExternalWrite(content)
	return c.obs.Write(content)
}

// handleInboundSync decodes an inbound SyncEnvelope through eng and
// submits it to coord as a non-local event.
func handleInboundSync(ctx context.Context, eng *syncengine.Engine, coord *coordinator.Coordinator, env *model.SyncEnvelope, transportOrigin model.TransportKind) {
	cp, err := eng.Decode(env)
	if err != nil {
		slog.Warn("syncengine: decode failed", "err", err)
		return
	}
	content, err := contentFromPayload(cp)
	if err != nil {
		slog.Warn("syncengine: payload malformed", "err", err)
		return
	}
	originID, err := model.NormalizeDeviceID(env.Payload.DeviceID)
	if err != nil {
		slog.Warn("syncengine: bad origin device_id", "err", err)
		return
	}
	ev := coordinator.Event{
		Content:          content,
		Local:            false,
		OriginDeviceID:   originID,
		OriginDeviceName: env.Payload.DeviceName,
		TransportOrigin:  transportOrigin,
	}
	if err := coord.Submit(ctx, ev); err != nil {
		slog.Warn("coordinator: submit inbound event failed", "err", err)
	}
}

// contentFromPayload reconstructs a ClipboardContent from a decoded
// ClipboardPayload. Image/file MIME and filenames aren't currently carried
// over the wire (ClipboardPayload.Metadata is only ever populated from
// ItemMetadata.Extra, which the Observer never fills in) so sensible
// defaults stand in; text and link content, the common case, round-trips
// exactly.
func contentFromPayload(cp model.ClipboardPayload) (model.ClipboardContent, error) {
	raw, err := decodeBase64Tolerant(cp.DataBase64)
	if err != nil {
		return model.ClipboardContent{}, fmt.Errorf("%w: data_base64: %v", model.ErrPayloadMalformed, err)
	}

	switch model.ContentType(cp.ContentType) {
	case model.ContentText:
		return model.ClipboardContent{Type: model.ContentText, Text: string(raw)}, nil
	case model.ContentLink:
		return model.ClipboardContent{Type: model.ContentLink, Text: string(raw)}, nil
	case model.ContentImage:
		mime := cp.Metadata["mime"]
		if mime == "" {
			mime = "png"
		}
		return model.ClipboardContent{Type: model.ContentImage, Image: &model.ImageContent{Bytes: raw, MIME: mime}}, nil
	case model.ContentFile:
		filename := cp.Metadata["filename"]
		if filename == "" {
			filename = "file"
		}
		mime := cp.Metadata["mime"]
		if mime == "" {
			mime = "application/octet-stream"
		}
		return model.ClipboardContent{Type: model.ContentFile, File: &model.FileContent{Bytes: raw, Filename: filename, MIME: mime, Size: int64(len(raw))}}, nil
	default:
		return model.ClipboardContent{}, fmt.Errorf("%w: unknown content_type %q", model.ErrPayloadMalformed, cp.ContentType)
	}
}

// decodeBase64Tolerant accepts both standard and raw (unpadded) base64, the
// same tolerance syncengine.Engine.Decode applies to ciphertext (spec.md
// §4.11, §9 "base64 padding drift"); ClipboardPayload.DataBase64 gets the
// identical treatment once decrypted.
func decodeBase64Tolerant(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
