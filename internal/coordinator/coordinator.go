// Package coordinator implements the Sync Coordinator (spec.md §4.10): a
// single-writer actor over local clipboard events and incoming-sync
// events. It owns dedup-vs-history resolution, history upsert, and bounded
// parallel fan-out to paired peers, and is the one place echo suppression
// is enforced. The single-writer-actor shape is grounded in the teacher's
// hub.Hub, which also serializes all mutation of shared per-clipboard
// state through one goroutine reading off a channel rather than locking
// shared maps from arbitrary callers.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hypo/internal/model"
)

const (
	defaultMaxFanOutConcurrency = 16
	waitForTargetsTimeout       = 10 * time.Second
)

// PeerLister supplies the current paired/discovered-and-paired peer set,
// excluding the local device (spec.md §4.10 target-set computation).
type PeerLister interface {
	PairedPeerIDs() []model.DeviceID
}

// Sender delivers item to one target peer. It is the narrow interface the
// Coordinator depends on instead of importing transport/syncengine
// directly, per spec.md §9's cycle-avoidance design note.
type Sender interface {
	SendTo(ctx context.Context, item model.ClipboardItem, target model.DeviceID) error
}

// ClipboardWriter applies an accepted incoming item to the local pasteboard.
type ClipboardWriter interface {
	Write(model.ClipboardContent) error
}

// Event is one clipboard change or incoming-sync notification fed to the
// Coordinator's single-writer loop.
type Event struct {
	Content model.ClipboardContent

	// Local is true for a change observed on this device; false for an
	// event decoded from an inbound SyncEnvelope.
	Local bool

	// The following are only meaningful when Local is false.
	OriginDeviceID   model.DeviceID
	OriginDeviceName string
	TransportOrigin  model.TransportKind
}

// Coordinator is the single-writer actor described in spec.md §4.10.
type Coordinator struct {
	history   model.HistoryStore
	peers     PeerLister
	sender    Sender
	clipboard ClipboardWriter
	clock     model.Clock
	localID   model.DeviceID
	localName string
	namespace string

	maxFanOutConcurrency int
	waitForTargets       time.Duration

	events chan Event
	done   chan struct{}
}

// New constructs a Coordinator. Call Run in its own goroutine to start the
// single-writer event loop.
func New(history model.HistoryStore, peers PeerLister, sender Sender, clipboardWriter ClipboardWriter, clock model.Clock, localID model.DeviceID, localName string) *Coordinator {
	if clock == nil {
		clock = model.RealClock{}
	}
	return &Coordinator{
		history:              history,
		peers:                peers,
		sender:               sender,
		clipboard:            clipboardWriter,
		clock:                clock,
		localID:              localID,
		localName:            localName,
		namespace:            "default",
		maxFanOutConcurrency: defaultMaxFanOutConcurrency,
		waitForTargets:       waitForTargetsTimeout,
		events:               make(chan Event, 64),
		done:                 make(chan struct{}),
	}
}

// Submit enqueues an event for processing. Never called from within Run's
// goroutine.
func (c *Coordinator) Submit(ctx context.Context, ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return model.ErrCancelled
	}
}

// Stop halts the event loop.
func (c *Coordinator) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Run is the single-writer loop: every event is processed to completion
// (dedup, upsert, broadcast) before the next is read, per spec.md §5
// "Dedup vs history upsert MUST happen before broadcast for a given event
// (Coordinator serializes)".
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.events:
			c.process(ctx, ev)
		}
	}
}

// echo suppression: events whose origin is our own device id are dropped
// outright, guarding against loopback even if skip_broadcast handling is
// somehow bypassed (spec.md §4.10).
func (c *Coordinator) isLoopback(ev Event) bool {
	return !ev.Local && ev.OriginDeviceID != "" && ev.OriginDeviceID.Equal(c.localID)
}

func (c *Coordinator) process(ctx context.Context, ev Event) {
	if c.isLoopback(ev) {
		slog.Debug("coordinator: dropping loopback event", "origin", ev.OriginDeviceID)
		return
	}

	now := c.clock.Now()
	skipBroadcast := !ev.Local

	item, err := c.resolve(ev, now)
	if err != nil {
		slog.Warn("coordinator: resolve failed", "err", err)
		return
	}

	if err := c.history.Upsert(item); err != nil {
		slog.Warn("coordinator: history upsert failed", "err", err)
		return
	}

	if !ev.Local && c.clipboard != nil {
		if err := c.clipboard.Write(item.Content); err != nil {
			slog.Warn("coordinator: clipboard write failed", "err", err)
		}
	}

	if skipBroadcast {
		return
	}
	c.broadcast(ctx, item)
}

// resolve implements the three-way duplicate-resolution rule in spec.md
// §4.10: match top-of-history, match a non-top row, or insert new,
// preserving is_pinned/is_encrypted/transport_origin/origin fields as
// specified.
func (c *Coordinator) resolve(ev Event, now time.Time) (model.ClipboardItem, error) {
	top, err := c.history.Latest(c.namespace)
	if err != nil {
		return model.ClipboardItem{}, err
	}
	if top != nil && top.MatchesContent(ev.Content) {
		return c.reinsert(*top, ev, now), nil
	}

	match, err := c.history.FindMatching(c.namespace, ev.Content)
	if err != nil {
		return model.ClipboardItem{}, err
	}
	if match != nil {
		return c.reinsert(*match, ev, now), nil
	}

	return c.newItem(ev, now), nil
}

func (c *Coordinator) reinsert(existing model.ClipboardItem, ev Event, now time.Time) model.ClipboardItem {
	fresh := existing
	fresh.CreatedAt = now
	// is_pinned/is_encrypted always survive. existing transport_origin and
	// origin_device_* also survive when the event is local (a re-copy of
	// content that arrived from elsewhere keeps its original origin); a
	// received event instead stamps the new sender's origin (spec.md §4.10).
	if !ev.Local {
		fresh.OriginDeviceID = ev.OriginDeviceID
		fresh.OriginDeviceName = ev.OriginDeviceName
		fresh.TransportOrigin = ev.TransportOrigin
	}
	return fresh
}

func (c *Coordinator) newItem(ev Event, now time.Time) model.ClipboardItem {
	origin := c.localID
	originName := c.localName
	transportOrigin := model.TransportLocal
	if !ev.Local {
		origin = ev.OriginDeviceID
		originName = ev.OriginDeviceName
		transportOrigin = ev.TransportOrigin
	}
	item := model.NewClipboardItem(model.NewDeviceID().String(), ev.Content, origin, originName, now, transportOrigin)
	item.Namespace = c.namespace
	item.IsEncrypted = !ev.Local
	return item
}

// broadcast implements spec.md §4.10: compute the target set, wait up to
// waitForTargets for it to become non-empty (handles the pairing-then-copy
// race), then fan out with bounded concurrency and per-target independent
// failure.
func (c *Coordinator) broadcast(ctx context.Context, item model.ClipboardItem) {
	targets := c.targetSet()
	if len(targets) == 0 {
		targets = c.waitForAnyTarget(ctx)
		if len(targets) == 0 {
			return
		}
	}

	concurrency := c.maxFanOutConcurrency
	if len(targets) < concurrency {
		concurrency = len(targets)
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, target := range targets {
		target := target
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.sender.SendTo(ctx, item, target); err != nil {
				slog.Warn("coordinator: send failed", "target", target, "err", err)
			}
		}()
	}
	wg.Wait()
}

func (c *Coordinator) targetSet() []model.DeviceID {
	var out []model.DeviceID
	for _, id := range c.peers.PairedPeerIDs() {
		if !id.Equal(c.localID) {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) waitForAnyTarget(ctx context.Context) []model.DeviceID {
	deadline := c.clock.After(c.waitForTargets)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case <-ticker.C:
			if targets := c.targetSet(); len(targets) > 0 {
				return targets
			}
		}
	}
}
