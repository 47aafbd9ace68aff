// Package clipboard implements the Clipboard Observer (spec.md §4.9): a
// model.PasteboardProvider backed by a platform-specific change-watch
// backend, plus the shared parse/hash/dedup/size-enforcement logic that
// sits in front of every backend. Build constraints select the backend,
// exactly as the teacher's internal/clip package does:
//
//	backend_darwin.go   — macOS via golang.design/x/clipboard + cgo changeCount
//	backend_windows.go  — Windows via golang.design/x/clipboard + AddClipboardFormatListener
//	backend_linux.go    — Linux via golang.design/x/clipboard, polling only
//	backend_other.go    — headless stub
package clipboard

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"

	"hypo/internal/model"
)

// rawItem is what a platform backend hands back: an untyped MIME-tagged
// blob, before Observer promotes it into a model.ClipboardContent.
type rawItem struct {
	MIME string
	Data []byte
}

// headlessBackend is the no-op fallback used both as the dedicated
// "other" platform backend and as the degraded mode a platform backend
// falls back to when its native clipboard library fails to initialize.
type headlessBackend struct {
	watchCh chan struct{}
}

func (b *headlessBackend) Name() string             { return "headless (no-op)" }
func (b *headlessBackend) CanRead() bool            { return false }
func (b *headlessBackend) Read() ([]rawItem, error) { return nil, nil }
func (b *headlessBackend) Write(_ []rawItem) error  { return nil }
func (b *headlessBackend) Watch() <-chan struct{}   { return b.watchCh }
func (b *headlessBackend) Close()                   {}

// backend is the interface every platform implementation satisfies. It
// mirrors the teacher's clip.Backend shape (Name/Read/Write/Watch/Close).
type backend interface {
	Name() string
	Read() ([]rawItem, error)
	Write(items []rawItem) error
	Watch() <-chan struct{}
	Close()
	CanRead() bool
}

// Observer implements model.PasteboardProvider (spec.md §4.9): it watches
// the platform backend, suppresses OS-level echo storms by hash
// comparison, enforces size caps, and signals a registered no-argument
// callback on each change; the callback fetches the parsed
// ClipboardContent itself via Read.
type Observer struct {
	backend backend

	mu           sync.Mutex
	lastHash     [32]byte
	hasLastHash  bool
	onChange     func()
}

// NewObserver constructs an Observer wrapping the platform backend
// selected at build time.
func NewObserver() *Observer {
	return &Observer{backend: newBackend()}
}

// Name reports the underlying backend's human-readable name, for status
// output (cmd/hypo's status command, in the teacher's tabwriter style).
func (o *Observer) Name() string { return o.backend.Name() }

// CanRead reports whether the platform currently permits a clipboard read
// (spec.md §4.9 "cope with platforms that deny clipboard reads when the
// app is not focused").
func (o *Observer) CanRead() bool { return o.backend.CanRead() }

// Read returns the current clipboard content, or nil if empty. When the
// backend cannot read it returns an ErrTransportUnavailable error.
func (o *Observer) Read() (*model.ClipboardContent, error) {
	if !o.backend.CanRead() {
		return nil, fmt.Errorf("%w: clipboard read denied (app not focused)", model.ErrTransportUnavailable)
	}
	items, err := o.backend.Read()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	content, err := parseRawItem(items[0])
	if err != nil {
		return nil, err
	}
	return &content, nil
}

// Write sets the platform clipboard to content.
func (o *Observer) Write(content model.ClipboardContent) error {
	item, err := toRawItem(content)
	if err != nil {
		return err
	}
	return o.backend.Write([]rawItem{item})
}

// OnChange registers callback, invoked after every clipboard change that
// survives echo suppression and size enforcement (spec.md §4.9).
func (o *Observer) OnChange(callback func()) {
	o.mu.Lock()
	o.onChange = callback
	o.mu.Unlock()

	go o.watchLoop()
}

// Close releases the backend's resources.
func (o *Observer) Close() error {
	o.backend.Close()
	return nil
}

func (o *Observer) watchLoop() {
	for range o.backend.Watch() {
		content, err := o.Read()
		if err != nil {
			slog.Debug("clipboard: read failed after change notification", "err", err)
			continue
		}
		if content == nil {
			continue
		}
		if o.shouldSuppress(*content) {
			continue
		}
		o.mu.Lock()
		cb := o.onChange
		o.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

// shouldSuppress compares content's hash against the last-emitted hash
// (spec.md §4.9 "suppresses OS-level echo storms").
func (o *Observer) shouldSuppress(content model.ClipboardContent) bool {
	h := sha256.Sum256(content.CanonicalBytes())

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hasLastHash && bytes.Equal(h[:], o.lastHash[:]) {
		return true
	}
	o.lastHash = h
	o.hasLastHash = true
	return false
}

// NoteExternalWrite records a hash as "already seen" without going through
// the backend, so programmatic writes (e.g. applying an incoming sync
// item) don't re-trigger an outbound echo.
func (o *Observer) NoteExternalWrite(content model.ClipboardContent) {
	h := sha256.Sum256(content.CanonicalBytes())
	o.mu.Lock()
	o.lastHash = h
	o.hasLastHash = true
	o.mu.Unlock()
}

func parseRawItem(it rawItem) (model.ClipboardContent, error) {
	switch {
	case it.MIME == "text/plain":
		return model.ClipboardContent{Type: model.ContentText, Text: string(it.Data)}, nil
	case it.MIME == "text/uri-list":
		return model.ClipboardContent{Type: model.ContentLink, Text: string(it.Data)}, nil
	case bytes.HasPrefix([]byte(it.MIME), []byte("image/")):
		data := it.Data
		if len(data) > model.MaxImageBytes {
			return model.ClipboardContent{}, fmt.Errorf("%w: image is %d bytes, max %d", model.ErrPayloadTooLarge, len(data), model.MaxImageBytes)
		}
		return model.ClipboardContent{
			Type: model.ContentImage,
			Image: &model.ImageContent{
				Bytes: data,
				MIME:  it.MIME[len("image/"):],
			},
		}, nil
	default:
		if len(it.Data) > model.MaxFileTransfer {
			return model.ClipboardContent{}, fmt.Errorf("%w: file is %d bytes, max %d for transfer", model.ErrPayloadTooLarge, len(it.Data), model.MaxFileTransfer)
		}
		return model.ClipboardContent{
			Type: model.ContentFile,
			File: &model.FileContent{Bytes: it.Data, MIME: it.MIME, Size: int64(len(it.Data))},
		}, nil
	}
}

func toRawItem(c model.ClipboardContent) (rawItem, error) {
	switch c.Type {
	case model.ContentText:
		return rawItem{MIME: "text/plain", Data: []byte(c.Text)}, nil
	case model.ContentLink:
		return rawItem{MIME: "text/uri-list", Data: []byte(c.Text)}, nil
	case model.ContentImage:
		if c.Image == nil {
			return rawItem{}, fmt.Errorf("%w: nil image content", model.ErrPayloadMalformed)
		}
		return rawItem{MIME: "image/" + c.Image.MIME, Data: c.Image.Bytes}, nil
	case model.ContentFile:
		if c.File == nil {
			return rawItem{}, fmt.Errorf("%w: nil file content", model.ErrPayloadMalformed)
		}
		return rawItem{MIME: c.File.MIME, Data: c.File.Bytes}, nil
	default:
		return rawItem{}, fmt.Errorf("%w: unknown content type %q", model.ErrPayloadMalformed, c.Type)
	}
}
