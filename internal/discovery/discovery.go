// Package discovery implements LAN peer discovery (spec.md §4.4): an
// mDNS/DNS-SD advertiser and browser for the `_hypo._tcp.` service in the
// `local.` domain, built on github.com/libp2p/zeroconf/v2. The advertise/
// browse split and the Added/Removed event shape follow the
// config-driven discovery layer sketched in the clipman-daemon reference
// (internal/p2p/config.go's DiscoveryMethod/EnableMDNS knobs), generalized
// here into a concrete mDNS implementation since Hypo's LAN path has no
// DHT or libp2p host to fall back to.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"hypo/internal/model"
)

const (
	serviceType = "_hypo._tcp"
	domain      = "local."
)

// Advertisement describes the local device's published TXT record fields
// (spec.md §4.4).
type Advertisement struct {
	DeviceID       model.DeviceID
	DeviceName     string
	Port           int
	Version        string   // semver
	Protocols      []string // comma-joined on the wire
	FingerprintHex string   // hex SHA-256 of the whole LAN TLS certificate (DER), not of its public key alone
	PubKeyB64      string   // base64 X25519 public key
	SigningPubKeyB64 string // base64 Ed25519 public key
}

func (a Advertisement) txt() []string {
	return []string{
		"version=" + a.Version,
		"protocols=" + strings.Join(a.Protocols, ","),
		"fingerprint_sha256=" + a.FingerprintHex,
		"device_id=" + a.DeviceID.String(),
		"pub_key=" + a.PubKeyB64,
		"signing_pub_key=" + a.SigningPubKeyB64,
	}
}

// Advertiser publishes the local device on mDNS until Shutdown is called.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the local service. The instance name is the device
// id so peers can dedupe purely on the mDNS instance when TXT is slow to
// resolve.
func Advertise(ad Advertisement) (*Advertiser, error) {
	server, err := zeroconf.Register(
		ad.DeviceID.String(),
		serviceType,
		domain,
		ad.Port,
		ad.txt(),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown stops advertising.
func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Peer is a discovered LAN peer, assembled from a resolved mDNS entry
// (spec.md §4.4 "peer includes resolved host(s), port, TXT map, last_seen").
type Peer struct {
	DeviceID         model.DeviceID
	ServiceName      string
	Hosts            []string
	Port             int
	Version          string
	Protocols        []string
	FingerprintHex   string
	PubKeyB64        string
	SigningPubKeyB64 string
	LastSeen         time.Time
}

// Event is either an Added or Removed notification from Browse.
type Event struct {
	Added   *Peer
	Removed string // service instance name
}

// Browse resolves _hypo._tcp.local. peers until ctx is cancelled, filtering
// out the local device. Every sighting is emitted as Added, repeats of the
// same peer included; Browse does not suppress duplicates itself. It keys
// each peer by device_id (falling back to a normalized service name when
// device_id is absent, per spec.md §4.4) only to map goodbye packets to
// Removed events; the Transport Manager folds Added events by device_id.
// networkChanged, if non-nil, is read to trigger an immediate re-browse so
// stale cached mDNS responses are refreshed on connectivity changes.
func Browse(ctx context.Context, localDeviceID model.DeviceID, networkChanged <-chan struct{}) (<-chan Event, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("discovery: new resolver: %w", err)
	}

	out := make(chan Event, 16)
	var mu sync.Mutex
	seen := make(map[string]string) // dedupe key -> service instance name

	runBrowse := func(browseCtx context.Context) {
		entries := make(chan *zeroconf.ServiceEntry, 16)
		go func() {
			for entry := range entries {
				mu.Lock()
				ev, ok := classifyEntry(entry, localDeviceID, seen)
				mu.Unlock()
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-browseCtx.Done():
					return
				}
			}
		}()
		if err := resolver.Browse(browseCtx, serviceType, domain, entries); err != nil {
			slog.Warn("discovery: browse failed", "err", err)
		}
	}

	go func() {
		defer close(out)
		browseCtx, cancel := context.WithCancel(ctx)
		go runBrowse(browseCtx)

		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case _, ok := <-networkChanged:
				if !ok {
					networkChanged = nil
					continue
				}
				// Restart the browse to flush stale cached responses.
				cancel()
				browseCtx, cancel = context.WithCancel(ctx)
				go runBrowse(browseCtx)
			}
		}
	}()

	return out, nil
}

// classifyEntry turns one resolved or expired mDNS entry into an Event,
// reporting ok=false when the entry should be dropped entirely (it's our
// own advertisement). seen is updated in place: a normal sighting records
// its dedupe key -> instance mapping, and a goodbye packet (see below)
// removes the matching entry.
//
// A TTL of 0 is an mDNS "goodbye packet" (RFC 6762 §10.1): the peer is
// proactively announcing its departure, not just a normal query response.
// zeroconf/v2 passes these through like any other entry, so they're
// special-cased into Event.Removed rather than treated as an Added
// sighting (spec.md §4.4 "Browser emits Added(peer) and
// Removed(service_name)").
func classifyEntry(entry *zeroconf.ServiceEntry, localDeviceID model.DeviceID, seen map[string]string) (Event, bool) {
	if entry.TTL == 0 {
		for key, instance := range seen {
			if instance == entry.Instance {
				delete(seen, key)
				break
			}
		}
		return Event{Removed: entry.Instance}, true
	}

	p := parseEntry(entry)
	if p.DeviceID != "" && p.DeviceID.Equal(localDeviceID) {
		return Event{}, false
	}
	seen[dedupeKey(p)] = entry.Instance
	return Event{Added: &p}, true
}

func parseEntry(entry *zeroconf.ServiceEntry) Peer {
	txt := make(map[string]string, len(entry.Text))
	for _, kv := range entry.Text {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			txt[kv[:i]] = kv[i+1:]
		}
	}

	var deviceID model.DeviceID
	if raw, ok := txt["device_id"]; ok {
		if id, err := model.NormalizeDeviceID(raw); err == nil {
			deviceID = id
		}
	}

	hosts := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		hosts = append(hosts, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		hosts = append(hosts, ip.String())
	}

	var protocols []string
	if p := txt["protocols"]; p != "" {
		protocols = strings.Split(p, ",")
	}

	return Peer{
		DeviceID:         deviceID,
		ServiceName:      entry.Instance,
		Hosts:            hosts,
		Port:             entry.Port,
		Version:          txt["version"],
		Protocols:        protocols,
		FingerprintHex:   txt["fingerprint_sha256"],
		PubKeyB64:        txt["pub_key"],
		SigningPubKeyB64: txt["signing_pub_key"],
		LastSeen:         time.Now(),
	}
}

// dedupeKey returns device_id when present; otherwise the service name with
// a trailing " (N)" interface-disambiguator suffix stripped, per spec.md
// §4.4.
func dedupeKey(p Peer) string {
	if p.DeviceID != "" {
		return "id:" + p.DeviceID.String()
	}
	return "name:" + normalizeServiceName(p.ServiceName)
}

func normalizeServiceName(name string) string {
	if i := strings.LastIndexByte(name, '('); i > 0 && strings.HasSuffix(name, ")") {
		candidate := strings.TrimSpace(name[:i])
		if _, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name[i:], "("), ")")); err == nil {
			return candidate
		}
	}
	return name
}
