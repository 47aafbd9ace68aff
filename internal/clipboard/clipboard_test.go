package clipboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/model"
)

type fakeBackend struct {
	name    string
	items   []rawItem
	watchCh chan struct{}
	canRead bool
}

func (f *fakeBackend) Name() string  { return f.name }
func (f *fakeBackend) CanRead() bool { return f.canRead }
func (f *fakeBackend) Read() ([]rawItem, error) {
	return f.items, nil
}
func (f *fakeBackend) Write(items []rawItem) error { f.items = items; return nil }
func (f *fakeBackend) Watch() <-chan struct{}       { return f.watchCh }
func (f *fakeBackend) Close()                       {}

func TestParseRawItemText(t *testing.T) {
	c, err := parseRawItem(rawItem{MIME: "text/plain", Data: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, model.ContentText, c.Type)
	assert.Equal(t, "hi", c.Text)
}

func TestParseRawItemImageOversized(t *testing.T) {
	big := make([]byte, model.MaxImageBytes+1)
	_, err := parseRawItem(rawItem{MIME: "image/png", Data: big})
	require.ErrorIs(t, err, model.ErrPayloadTooLarge)
}

func TestParseRawItemFileOversized(t *testing.T) {
	big := make([]byte, model.MaxFileTransfer+1)
	_, err := parseRawItem(rawItem{MIME: "application/zip", Data: big})
	require.ErrorIs(t, err, model.ErrPayloadTooLarge)
}

func TestToRawItemRoundTrip(t *testing.T) {
	c := model.ClipboardContent{Type: model.ContentText, Text: "hello"}
	item, err := toRawItem(c)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", item.MIME)

	back, err := parseRawItem(item)
	require.NoError(t, err)
	assert.True(t, model.MatchesContent(c, back))
}

func TestObserverSuppressesRepeatedHash(t *testing.T) {
	fb := &fakeBackend{
		canRead: true,
		items:   []rawItem{{MIME: "text/plain", Data: []byte("same")}},
		watchCh: make(chan struct{}, 2),
	}
	o := &Observer{backend: fb}

	content := model.ClipboardContent{Type: model.ContentText, Text: "same"}
	assert.False(t, o.shouldSuppress(content))
	assert.True(t, o.shouldSuppress(content))
}

func TestObserverCanReadReflectsBackend(t *testing.T) {
	fb := &fakeBackend{canRead: false, watchCh: make(chan struct{})}
	o := &Observer{backend: fb}
	assert.False(t, o.CanRead())

	_, err := o.Read()
	require.ErrorIs(t, err, model.ErrTransportUnavailable)
}
