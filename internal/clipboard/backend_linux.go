//go:build linux

package clipboard

import (
	"bytes"
	"log/slog"
	"time"

	goclipboard "golang.design/x/clipboard"
)

const linuxPollInterval = 250 * time.Millisecond

type linuxBackend struct {
	watchCh   chan struct{}
	done      chan struct{}
	lastText  []byte
	lastImg   []byte
	available bool
}

func newBackend() backend {
	if err := goclipboard.Init(); err != nil {
		slog.Warn("clipboard: unavailable, running headless", "err", err)
		return &headlessBackend{watchCh: make(chan struct{})}
	}
	b := &linuxBackend{
		watchCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		available: true,
	}
	go b.poll()
	return b
}

func (b *linuxBackend) Name() string  { return "Linux clipboard (poll)" }
func (b *linuxBackend) CanRead() bool { return b.available }

func (b *linuxBackend) poll() {
	t := time.NewTicker(linuxPollInterval)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			text := goclipboard.Read(goclipboard.FmtText)
			img := goclipboard.Read(goclipboard.FmtImage)
			if !bytes.Equal(text, b.lastText) || !bytes.Equal(img, b.lastImg) {
				b.lastText = text
				b.lastImg = img
				select {
				case b.watchCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (b *linuxBackend) Read() ([]rawItem, error) {
	var items []rawItem
	if text := goclipboard.Read(goclipboard.FmtText); text != nil {
		items = append(items, rawItem{MIME: "text/plain", Data: text})
	}
	if img := goclipboard.Read(goclipboard.FmtImage); img != nil {
		items = append(items, rawItem{MIME: "image/png", Data: img})
	}
	return items, nil
}

func (b *linuxBackend) Write(items []rawItem) error {
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

func (b *linuxBackend) Watch() <-chan struct{} { return b.watchCh }
func (b *linuxBackend) Close()                 { close(b.done) }
