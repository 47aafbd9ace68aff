//go:build darwin

package clipboard

// #cgo CFLAGS: -x objective-c
// #cgo LDFLAGS: -framework Cocoa
// #import <Cocoa/Cocoa.h>
//
// NSInteger hypo_changeCount() {
//     return [[NSPasteboard generalPasteboard] changeCount];
// }
import "C"

import (
	"log/slog"
	"time"

	goclipboard "golang.design/x/clipboard"
)

const darwinPollInterval = 100 * time.Millisecond

type darwinBackend struct {
	lastChange C.NSInteger
	watchCh    chan struct{}
	done       chan struct{}
	available  bool
}

func newBackend() backend {
	b := &darwinBackend{
		lastChange: C.hypo_changeCount(),
		watchCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if err := goclipboard.Init(); err != nil {
		slog.Warn("clipboard: init failed, reads/writes disabled", "err", err)
	} else {
		b.available = true
	}
	go b.poll()
	return b
}

func (b *darwinBackend) Name() string    { return "macOS NSPasteboard" }
func (b *darwinBackend) CanRead() bool   { return b.available }

func (b *darwinBackend) poll() {
	t := time.NewTicker(darwinPollInterval)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			cc := C.hypo_changeCount()
			if cc != b.lastChange {
				b.lastChange = cc
				select {
				case b.watchCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (b *darwinBackend) Read() ([]rawItem, error) {
	var items []rawItem
	if text := goclipboard.Read(goclipboard.FmtText); text != nil {
		items = append(items, rawItem{MIME: "text/plain", Data: text})
	}
	if img := goclipboard.Read(goclipboard.FmtImage); img != nil {
		items = append(items, rawItem{MIME: "image/png", Data: img})
	}
	return items, nil
}

func (b *darwinBackend) Write(items []rawItem) error {
	for _, it := range items {
		switch {
		case it.MIME == "text/plain" || it.MIME == "text/uri-list":
			goclipboard.Write(goclipboard.FmtText, it.Data)
		case it.MIME == "image/png":
			goclipboard.Write(goclipboard.FmtImage, it.Data)
		}
	}
	return nil
}

func (b *darwinBackend) Watch() <-chan struct{} { return b.watchCh }
func (b *darwinBackend) Close()                 { close(b.done) }
