// Package transport implements the Transport Manager (spec.md §4.7): a
// per-peer registry tracking LAN/Cloud/None connection state and the
// LAN-first-then-relay-fallback send selection algorithm. It holds no
// back-pointer to the Sync Coordinator or Sync Engine — callers pass a
// Sender-shaped dependency instead, the narrow-interface idiom spec.md
// §9's Design Notes prescribe to avoid the Transport/Coordinator/Engine
// cycle.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hypo/internal/discovery"
	"hypo/internal/lanws"
	"hypo/internal/model"
	"hypo/internal/relay"
)

const (
	lanDialTimeout  = 3 * time.Second
	stalePeerWindow = 5 * time.Minute
)

// peerState tracks one peer's transport status (spec.md §4.7).
type peerState struct {
	record               model.PeerRecord
	lanConn              *lanws.Conn
	lastSuccessfulTransport model.TransportKind
	lastSeen             time.Time
	paired               bool
}

// relaySender is the narrow slice of *relay.Client the Manager needs,
// letting tests substitute a fake relay without a live connection.
type relaySender interface {
	Send(ctx context.Context, env *model.SyncEnvelope) error
}

// Manager owns the peer registry and the single relay connection, and
// selects LAN-vs-relay per send (spec.md §4.7).
type Manager struct {
	relayClient relaySender
	clock       model.Clock

	mu    sync.Mutex
	peers map[model.DeviceID]*peerState
}

// NewManager constructs a Manager. relayClient may be nil if no cloud
// relay is configured (LAN-only operation).
func NewManager(relayClient *relay.Client, clock model.Clock) *Manager {
	if clock == nil {
		clock = model.RealClock{}
	}
	m := &Manager{
		clock: clock,
		peers: make(map[model.DeviceID]*peerState),
	}
	if relayClient != nil {
		m.relayClient = relayClient
	}
	return m
}

// UpsertPaired registers or updates a paired peer's record (survives
// stale-peer pruning unlike auto-discovered peers).
func (m *Manager) UpsertPaired(rec model.PeerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[rec.DeviceID]
	if !ok {
		ps = &peerState{record: rec}
		m.peers[rec.DeviceID] = ps
	} else {
		ps.record = rec
	}
	ps.paired = true
	ps.lastSeen = m.clock.Now()
}

// PairedPeerIDs returns every currently paired peer's device id, the
// fan-out target set for the Sync Coordinator (spec.md §4.10).
func (m *Manager) PairedPeerIDs() []model.DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]model.DeviceID, 0, len(m.peers))
	for id, ps := range m.peers {
		if ps.paired {
			ids = append(ids, id)
		}
	}
	return ids
}

// OnDiscoveryEvent folds a LAN discovery sighting into the registry
// (spec.md §4.7 "peer registry: supplied by LAN Discovery events").
func (m *Manager) OnDiscoveryEvent(p discovery.Peer) {
	if p.DeviceID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.peers[p.DeviceID]
	if !ok {
		ps = &peerState{record: model.PeerRecord{DeviceID: p.DeviceID}}
		m.peers[p.DeviceID] = ps
	}
	if len(p.Hosts) > 0 {
		ps.record.Host = p.Hosts[0]
	}
	ps.record.Port = p.Port
	if p.FingerprintHex != "" {
		ps.record.FingerprintSHA256 = p.FingerprintHex
	}
	ps.lastSeen = m.clock.Now()
}

// PruneStale removes non-paired peers not seen within window (default 5
// min, spec.md §4.7); paired peers are never pruned.
func (m *Manager) PruneStale(window time.Duration) {
	if window == 0 {
		window = stalePeerWindow
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ps := range m.peers {
		if ps.paired {
			continue
		}
		if now.Sub(ps.lastSeen) > window {
			if ps.lanConn != nil {
				ps.lanConn.Close()
			}
			delete(m.peers, id)
		}
	}
}

// PruneLoop runs PruneStale every interval until ctx is cancelled.
func (m *Manager) PruneLoop(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = stalePeerWindow
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PruneStale(stalePeerWindow)
		}
	}
}

// lanDial is swapped out in tests; production wires the real LAN dialer.
// It blocks until the connection reaches StateOpen or ctx expires, so a
// caller bounding ctx to lanDialTimeout gets a real pass/fail signal
// instead of an immediately-returned, not-yet-connected Conn.
var lanDial = func(ctx context.Context, ps *peerState) (*lanws.Conn, error) {
	url := fmt.Sprintf("ws://%s:%d/", ps.record.Host, ps.record.Port)
	conn := lanws.NewConn(lanws.DialConfig{URL: url})
	if err := conn.WaitOpen(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Send implements the selection algorithm in spec.md §4.7: prefer an open
// LAN connection, else dial LAN with a 3s timeout, else fall back to the
// relay; surfaces TransportUnavailable if both fail.
func (m *Manager) Send(ctx context.Context, peerID model.DeviceID, env *model.SyncEnvelope) (model.TransportKind, error) {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return model.TransportNone, fmt.Errorf("%w: unknown peer %s", model.ErrTransportUnavailable, peerID)
	}
	existing := ps.lanConn
	m.mu.Unlock()

	if existing != nil && existing.State() == lanws.StateOpen {
		if err := existing.Send(ctx, env); err == nil {
			m.recordSuccess(peerID, model.TransportLAN)
			return model.TransportLAN, nil
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, lanDialTimeout)
	conn, err := lanDial(dialCtx, ps)
	cancel()
	if err == nil {
		if sendErr := conn.Send(ctx, env); sendErr == nil {
			m.mu.Lock()
			ps.lanConn = conn
			m.mu.Unlock()
			m.recordSuccess(peerID, model.TransportLAN)
			return model.TransportLAN, nil
		}
	} else {
		slog.Debug("transport: lan dial failed, falling back to relay", "peer", peerID, "err", err)
	}

	if m.relayClient != nil {
		if sendErr := m.relayClient.Send(ctx, env); sendErr == nil {
			m.recordSuccess(peerID, model.TransportCloud)
			return model.TransportCloud, nil
		}
	}

	return model.TransportNone, fmt.Errorf("%w: peer %s unreachable via LAN or relay", model.ErrTransportUnavailable, peerID)
}

func (m *Manager) recordSuccess(peerID model.DeviceID, kind model.TransportKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[peerID]; ok {
		ps.lastSuccessfulTransport = kind
		ps.lastSeen = m.clock.Now()
	}
}

// LastSuccessfulTransport reports the last transport that succeeded for
// peerID, or model.TransportNone if unknown.
func (m *Manager) LastSuccessfulTransport(peerID model.DeviceID) model.TransportKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[peerID]; ok {
		return ps.lastSuccessfulTransport
	}
	return model.TransportNone
}

// OnNetworkChange restarts LAN advertisement and forces a relay reconnect,
// per spec.md §4.7 "on any ... restart of network, or IP change".
func (m *Manager) OnNetworkChange(restartAdvertise func(), reconnectRelay func()) {
	if restartAdvertise != nil {
		restartAdvertise()
	}
	if reconnectRelay != nil {
		reconnectRelay()
	}
}
