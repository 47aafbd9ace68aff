package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"hypo/internal/discovery"
	"hypo/internal/keystore"
	"hypo/internal/lanws"
	"hypo/internal/model"
	"hypo/internal/pairing"
	"hypo/internal/relayapi"
	"hypo/internal/tlsconf"
)

const (
	pairingPayloadVersion = "1"
	lanDiscoveryWindow    = 5 * time.Second
	qrListenPort          = defaultLANPort + 1
	relayPollInterval     = 2 * time.Second
)

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this device with another (spec.md §4.8)",
		Long: `pair establishes a shared symmetric key with another device using one
of three bootstrap modes:

  lan       same-subnet auto-discovery, no user interaction on the target
  qr        one device shows a QR code, the other scans it
  code      a short-lived 6-digit code relayed through the cloud server

All three end with the identical challenge/ack handshake (spec.md §4.8
steps 1-4); they differ only in how the initiating device's identity and
connectivity are conveyed to the other side.`,
	}
	cmd.AddCommand(newPairLANCmd(), newPairQRCmd(), newPairCodeCmd())
	return cmd
}

func openIdentityForPairing(v pairingFlags) (*keystore.Store, error) {
	masterKey, err := loadOrCreateMasterKey(v.masterKeyFile)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	ks, err := keystore.Open(v.identityFile, masterKey, defaultDeviceName())
	if err != nil {
		return nil, fmt.Errorf("identity store: %w", err)
	}
	return ks, nil
}

// pairingFlags collects the identity-file flags every pair subcommand
// shares; unlike "hypo run" these commands are short-lived and don't need
// the full daemon flag set.
type pairingFlags struct {
	identityFile  string
	masterKeyFile string
}

func addPairingFlags(cmd *cobra.Command) *pairingFlags {
	pf := &pairingFlags{}
	cmd.Flags().StringVar(&pf.identityFile, "identity-file", defaultIdentityPath(), "path to the encrypted identity/key store file")
	cmd.Flags().StringVar(&pf.masterKeyFile, "master-key-file", defaultMasterKeyPath(), "path to the local master key protecting the identity file")
	return pf
}

// --- mode A: LAN auto-discovery ---------------------------------------

func newPairLANCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lan <device-id>",
		Short: "Pair with a device already visible via LAN auto-discovery",
		Args:  cobra.ExactArgs(1),
	}
	pf := addPairingFlags(cmd)

	cmd.RunE = func(_ *cobra.Command, args []string) error {
		targetID, err := model.NormalizeDeviceID(args[0])
		if err != nil {
			return fmt.Errorf("device id: %w", err)
		}

		ks, err := openIdentityForPairing(*pf)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), lanDiscoveryWindow)
		defer cancel()
		peer, err := findDiscoveredPeer(ctx, ks.DeviceID(), targetID)
		if err != nil {
			return err
		}

		if len(peer.Hosts) == 0 {
			return fmt.Errorf("device %s advertised no reachable address", targetID)
		}

		pm := pairing.New(ks.DeviceID(), ks.DeviceName(), pairing.NewMapTrustStore(), ks, model.RealClock{})
		payload := pairing.PayloadFromDiscoveredPeer(*peer, time.Now())

		dialCtx, dialCancel := context.WithTimeout(context.Background(), pairingWaitTimeout)
		defer dialCancel()
		url := fmt.Sprintf("ws://%s:%d/", peer.Hosts[0], peer.Port)
		ws, sender, incoming, err := dialPairingSocket(dialCtx, url, ks.DeviceID())
		if err != nil {
			return fmt.Errorf("dial %s: %w", peer.ServiceName, err)
		}
		defer ws.Close()

		peerID, err := pm.Handshake(dialCtx, payload, sender, incoming)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		fmt.Printf("paired with %s (%s)\n", peer.ServiceName, peerID)
		return nil
	}
	return cmd
}

// findDiscoveredPeer browses long enough to observe targetID, or reports
// it was never seen. A one-shot CLI invocation doesn't warrant keeping
// the daemon's long-lived Browse loop running.
func findDiscoveredPeer(ctx context.Context, localID, targetID model.DeviceID) (*discovery.Peer, error) {
	events, err := discovery.Browse(ctx, localID, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery browse: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("device %s not seen on LAN within %s", targetID, lanDiscoveryWindow)
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("device %s not seen on LAN within %s", targetID, lanDiscoveryWindow)
			}
			if ev.Added != nil && ev.Added.DeviceID == targetID {
				p := *ev.Added
				return &p, nil
			}
		}
	}
}

// --- mode B: QR code ----------------------------------------------------

func newPairQRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Pair via a displayed/scanned QR code",
	}
	cmd.AddCommand(newPairQRShowCmd(), newPairQRScanCmd())
	return cmd
}

func newPairQRShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display a QR code for another device to scan",
		Args:  cobra.NoArgs,
	}
	pf := addPairingFlags(cmd)

	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		ks, err := openIdentityForPairing(*pf)
		if err != nil {
			return err
		}
		pm := pairing.New(ks.DeviceID(), ks.DeviceName(), pairing.NewMapTrustStore(), ks, model.RealClock{})

		signingPub, signingPriv := ks.SigningKeyPair()
		session, err := pm.NewQRPayload(signingPub, signingPriv, pairingWaitTimeout)
		if err != nil {
			return fmt.Errorf("new qr session: %w", err)
		}

		host, err := outboundIP()
		if err != nil {
			return fmt.Errorf("determine lan address: %w", err)
		}
		raw, err := marshalQREnvelope(qrEnvelope{Payload: session.Payload, Host: host, Port: qrListenPort})
		if err != nil {
			return err
		}

		qr, err := qrcode.New(string(raw), qrcode.Medium)
		if err != nil {
			return fmt.Errorf("render qr: %w", err)
		}
		fmt.Println(qr.ToString(false))
		fmt.Printf("waiting up to %s for a scan...\n", pairingWaitTimeout)

		identity, err := tlsconf.NewIdentity(ks.DeviceID().String())
		if err != nil {
			return fmt.Errorf("tls identity: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), pairingWaitTimeout)
		defer cancel()

		type result struct {
			peerID model.DeviceID
			err    error
		}
		results := make(chan result, 1)

		handlePairing := func(raw []byte, ws *websocket.Conn) {
			go func() {
				var msg model.PairingChallengeMessage
				if err := json.Unmarshal(raw, &msg); err != nil {
					results <- result{err: fmt.Errorf("%w: challenge: %v", model.ErrPayloadMalformed, err)}
					return
				}
				sender := &wsRawSender{ws: ws}
				peerID, err := pm.HandleChallenge(ctx, session, msg, sender)
				results <- result{peerID: peerID, err: err}
			}()
		}

		addr := fmt.Sprintf(":%d", qrListenPort)
		go func() {
			if err := lanws.ListenAndServe(ctx, addr, identity, handlePairing, func(*model.SyncEnvelope) {}); err != nil {
				results <- result{err: fmt.Errorf("lan listener: %w", err)}
			}
		}()

		select {
		case r := <-results:
			cancel()
			if r.err != nil {
				return fmt.Errorf("handshake: %w", r.err)
			}
			fmt.Printf("paired with %s\n", r.peerID)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for a scan")
		}
	}
	return cmd
}

func newPairQRScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <qr-data>",
		Short: "Pair by scanning another device's displayed QR code",
		Long: `scan takes the raw text decoded from the other device's QR image
(e.g. piped from a phone's QR scanner or a webcam decoder) and completes
the handshake against it.

Trust model: the scanning device trusts the signing key embedded in the
QR payload on first use (TOFU) before verifying the payload's own
signature against it. The QR channel itself — a human holding a phone up
to a screen — is the out-of-band authentication; spec.md's pairing modes
don't define a prior trust anchor for a first-time QR pairing.`,
		Args: cobra.ExactArgs(1),
	}
	pf := addPairingFlags(cmd)

	cmd.RunE = func(_ *cobra.Command, args []string) error {
		env, err := unmarshalQREnvelope([]byte(args[0]))
		if err != nil {
			return err
		}

		ks, err := openIdentityForPairing(*pf)
		if err != nil {
			return err
		}

		peerDeviceID, err := model.NormalizeDeviceID(env.Payload.DeviceID)
		if err != nil {
			return fmt.Errorf("qr payload: %w", err)
		}
		signingPub, err := base64.StdEncoding.DecodeString(env.Payload.SigningPubKeyB64)
		if err != nil {
			return fmt.Errorf("qr payload: signing_pub_key_b64: %w", err)
		}

		trust := pairing.NewMapTrustStore()
		trust.Trust(peerDeviceID, ed25519.PublicKey(signingPub))
		pm := pairing.New(ks.DeviceID(), ks.DeviceName(), trust, ks, model.RealClock{})

		if err := pm.VerifyPayload(env.Payload); err != nil {
			return fmt.Errorf("verify qr payload: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), pairingWaitTimeout)
		defer cancel()
		url := fmt.Sprintf("ws://%s:%d/", env.Host, env.Port)
		ws, sender, incoming, err := dialPairingSocket(ctx, url, ks.DeviceID())
		if err != nil {
			return fmt.Errorf("dial %s: %w", url, err)
		}
		defer ws.Close()

		peerID, err := pm.Handshake(ctx, env.Payload, sender, incoming)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		fmt.Printf("paired with %s\n", peerID)
		return nil
	}
	return cmd
}

// --- mode C: relay code --------------------------------------------------

func newPairCodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Pair via a short-lived code relayed through the cloud server",
	}
	cmd.AddCommand(newPairCodeCreateCmd(), newPairCodeJoinCmd())
	return cmd
}

func newPairCodeCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pairing code for another device to join",
		Args:  cobra.NoArgs,
	}
	pf := addPairingFlags(cmd)
	relayURL := cmd.Flags().String("relay-url", "", "cloud relay base URL, e.g. https://relay.example.com")

	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		if *relayURL == "" {
			return fmt.Errorf("--relay-url is required")
		}
		ks, err := openIdentityForPairing(*pf)
		if err != nil {
			return err
		}
		pm := pairing.New(ks.DeviceID(), ks.DeviceName(), pairing.NewMapTrustStore(), ks, model.RealClock{})
		signingPub, signingPriv := ks.SigningKeyPair()
		session, err := pm.NewQRPayload(signingPub, signingPriv, pairingWaitTimeout)
		if err != nil {
			return fmt.Errorf("new pairing session: %w", err)
		}

		rc := relayapi.New(*relayURL)
		ctx, cancel := context.WithTimeout(context.Background(), pairingWaitTimeout)
		defer cancel()

		resp, err := rc.CreateCode(ctx, relayapi.CreateCodeRequest{
			InitiatorDeviceID:     ks.DeviceID().String(),
			InitiatorDeviceName:   ks.DeviceName(),
			InitiatorPublicKeyB64: session.Payload.PubKeyB64,
		})
		if err != nil {
			return fmt.Errorf("create code: %w", err)
		}
		fmt.Printf("pairing code: %s (expires %s)\n", resp.Code, resp.ExpiresAt)
		fmt.Printf("enter it on the other device with: hypo pair code join %s\n", resp.Code)

		raw, err := pollRelay(ctx, func() (jsonRawMessage, error) {
			return rc.PollChallenge(ctx, resp.Code, ks.DeviceID().String())
		})
		if err != nil {
			return fmt.Errorf("await challenge: %w", err)
		}

		var msg model.PairingChallengeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("%w: challenge: %v", model.ErrPayloadMalformed, err)
		}
		sender := &relayAckSender{client: rc, code: resp.Code, initiatorID: ks.DeviceID().String()}
		peerID, err := pm.HandleChallenge(ctx, session, msg, sender)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		fmt.Printf("paired with %s\n", peerID)
		return nil
	}
	return cmd
}

func newPairCodeJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <code>",
		Short: "Join a pairing code created on another device",
		Args:  cobra.ExactArgs(1),
	}
	pf := addPairingFlags(cmd)
	relayURL := cmd.Flags().String("relay-url", "", "cloud relay base URL, e.g. https://relay.example.com")

	cmd.RunE = func(_ *cobra.Command, args []string) error {
		code := args[0]
		if *relayURL == "" {
			return fmt.Errorf("--relay-url is required")
		}
		ks, err := openIdentityForPairing(*pf)
		if err != nil {
			return err
		}
		pm := pairing.New(ks.DeviceID(), ks.DeviceName(), pairing.NewMapTrustStore(), ks, model.RealClock{})

		rc := relayapi.New(*relayURL)
		ctx, cancel := context.WithTimeout(context.Background(), pairingWaitTimeout)
		defer cancel()

		// Handshake generates its own fresh ephemeral X25519 keypair
		// internally when it sends the challenge; the persistent identity
		// key below is purely informational for the relay's bookkeeping,
		// not part of the cryptographic exchange.
		_, persistentPub := ks.X25519KeyPair()
		claim, err := rc.ClaimCode(ctx, relayapi.ClaimCodeRequest{
			Code:                  code,
			ResponderDeviceID:     ks.DeviceID().String(),
			ResponderDeviceName:   ks.DeviceName(),
			ResponderPublicKeyB64: base64.StdEncoding.EncodeToString(persistentPub[:]),
		})
		if err != nil {
			return fmt.Errorf("claim code: %w", err)
		}

		payload := model.PairingPayload{
			Version:          pairingPayloadVersion,
			DeviceID:         claim.InitiatorDeviceID,
			DeviceName:       claim.InitiatorDeviceName,
			PubKeyB64:        claim.InitiatorPublicKeyB64,
			SigningPubKeyB64: "",
			IssuedAt:         model.NewTimestamp(time.Now()),
			ExpiresAt:        claim.ExpiresAt,
			// Relay-code trust rests on possession of the short-lived,
			// out-of-band code itself, the same bootstrap trust model LAN
			// auto-discovery uses (spec.md has no separate mechanism for a
			// mode-C signing anchor).
			Signature: model.LANAutoDiscoverySentinel,
		}

		incoming := make(chan []byte, 4)
		go func() {
			defer close(incoming)
			ticker := time.NewTicker(relayPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					raw, err := rc.PollAck(ctx, code, ks.DeviceID().String())
					if err != nil {
						continue
					}
					incoming <- raw
				}
			}
		}()

		sender := &relayChallengeSender{client: rc, code: code, responderID: ks.DeviceID().String()}
		peerID, err := pm.Handshake(ctx, payload, sender, incoming)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		fmt.Printf("paired with %s\n", peerID)
		return nil
	}
	return cmd
}

type jsonRawMessage = json.RawMessage

// pollRelay retries poll while it reports relayapi.ErrNotReady, returning
// immediately on success or on any other error.
func pollRelay(ctx context.Context, poll func() (jsonRawMessage, error)) (jsonRawMessage, error) {
	ticker := time.NewTicker(relayPollInterval)
	defer ticker.Stop()
	for {
		raw, err := poll()
		switch {
		case err == nil:
			return raw, nil
		case !errors.Is(err, relayapi.ErrNotReady):
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// relayChallengeSender carries the responder's PairingChallengeMessage to
// the initiator through the relay's POST .../challenge endpoint instead of
// a raw socket write.
type relayChallengeSender struct {
	client      *relayapi.Client
	code        string
	responderID string
}

func (s *relayChallengeSender) SendRaw(ctx context.Context, raw []byte) error {
	return s.client.PostChallenge(ctx, s.code, s.responderID, raw)
}

// relayAckSender carries the initiator's PairingAckMessage back to the
// responder through the relay's POST .../ack endpoint.
type relayAckSender struct {
	client      *relayapi.Client
	code        string
	initiatorID string
}

func (s *relayAckSender) SendRaw(ctx context.Context, raw []byte) error {
	return s.client.PostAck(ctx, s.code, s.initiatorID, raw)
}

// outboundIP returns the local address that would be used to reach the
// wider LAN, for embedding in a displayed QR payload.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "255.255.255.255:1")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
