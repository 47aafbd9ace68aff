package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/model"
)

type memHistory struct {
	mu    sync.Mutex
	items map[string][]model.ClipboardItem // namespace -> rows, newest first
}

func newMemHistory() *memHistory {
	return &memHistory{items: make(map[string][]model.ClipboardItem)}
}

func (m *memHistory) Upsert(item model.ClipboardItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := item.Namespace
	rows := m.items[ns]
	for i, r := range rows {
		if r.ID == item.ID {
			rows = append(rows[:i], rows[i+1:]...)
			break
		}
	}
	rows = append([]model.ClipboardItem{item}, rows...)
	m.items[ns] = rows
	return nil
}

func (m *memHistory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ns, rows := range m.items {
		for i, r := range rows {
			if r.ID == id {
				m.items[ns] = append(rows[:i], rows[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *memHistory) Latest(namespace string) (*model.ClipboardItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.items[namespace]
	if len(rows) == 0 {
		return nil, nil
	}
	top := rows[0]
	return &top, nil
}

func (m *memHistory) FindMatching(namespace string, content model.ClipboardContent) (*model.ClipboardItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.items[namespace] {
		if r.MatchesContent(content) {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memHistory) Observe(ctx context.Context, namespace string, limit int) (<-chan []model.ClipboardItem, error) {
	ch := make(chan []model.ClipboardItem)
	close(ch)
	return ch, nil
}

type staticPeers struct{ ids []model.DeviceID }

func (p staticPeers) PairedPeerIDs() []model.DeviceID { return p.ids }

type recordingSender struct {
	mu      sync.Mutex
	calls   []model.DeviceID
	failFor map[model.DeviceID]bool
}

func (s *recordingSender) SendTo(ctx context.Context, item model.ClipboardItem, target model.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, target)
	if s.failFor != nil && s.failFor[target] {
		return model.ErrTransportUnavailable
	}
	return nil
}

type noopClipboard struct{ written []model.ClipboardContent }

func (n *noopClipboard) Write(c model.ClipboardContent) error {
	n.written = append(n.written, c)
	return nil
}

func mustDeviceID(t *testing.T, s string) model.DeviceID {
	t.Helper()
	id, err := model.NormalizeDeviceID(s)
	require.NoError(t, err)
	return id
}

func TestProcessLocalEventInsertsAndBroadcasts(t *testing.T) {
	history := newMemHistory()
	local := mustDeviceID(t, "11111111-1111-1111-1111-111111111111")
	peerA := mustDeviceID(t, "22222222-2222-2222-2222-222222222222")
	peerB := mustDeviceID(t, "33333333-3333-3333-3333-333333333333")
	sender := &recordingSender{}

	c := New(history, staticPeers{ids: []model.DeviceID{local, peerA, peerB}}, sender, nil, nil, local, "local-laptop")

	ctx := context.Background()
	go c.Run(ctx)
	defer c.Stop()

	err := c.Submit(ctx, Event{Local: true, Content: model.ClipboardContent{Type: model.ContentText, Text: "hello"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.calls) == 2
	}, time.Second, 10*time.Millisecond)

	top, err := history.Latest("default")
	require.NoError(t, err)
	require.NotNil(t, top)
	assert.Equal(t, "hello", top.Content.Text)
}

func TestProcessIncomingEventSkipsBroadcastAndWritesLocalClipboard(t *testing.T) {
	history := newMemHistory()
	local := mustDeviceID(t, "11111111-1111-1111-1111-111111111111")
	sender := &recordingSender{}
	clipboard := &noopClipboard{}

	c := New(history, staticPeers{ids: []model.DeviceID{local}}, sender, clipboard, nil, local, "local-laptop")

	ctx := context.Background()
	go c.Run(ctx)
	defer c.Stop()

	remote := mustDeviceID(t, "44444444-4444-4444-4444-444444444444")
	err := c.Submit(ctx, Event{
		Local:            false,
		Content:          model.ClipboardContent{Type: model.ContentText, Text: "from peer"},
		OriginDeviceID:   remote,
		OriginDeviceName: "phone",
		TransportOrigin:  model.TransportLocal,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		top, _ := history.Latest("default")
		return top != nil
	}, time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	assert.Empty(t, sender.calls, "incoming events must not be rebroadcast")
	sender.mu.Unlock()

	assert.Len(t, clipboard.written, 1)
}

func TestProcessDropsLoopbackEvent(t *testing.T) {
	history := newMemHistory()
	local := mustDeviceID(t, "11111111-1111-1111-1111-111111111111")
	sender := &recordingSender{}

	c := New(history, staticPeers{ids: []model.DeviceID{local}}, sender, nil, nil, local, "local-laptop")

	ctx := context.Background()
	go c.Run(ctx)
	defer c.Stop()

	err := c.Submit(ctx, Event{
		Local:          false,
		Content:        model.ClipboardContent{Type: model.ContentText, Text: "echo"},
		OriginDeviceID: local,
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	top, err := history.Latest("default")
	require.NoError(t, err)
	assert.Nil(t, top, "loopback event must never be written to history")
}

func TestResolveReinsertMatchingTopRow(t *testing.T) {
	history := newMemHistory()
	local := mustDeviceID(t, "11111111-1111-1111-1111-111111111111")
	c := New(history, staticPeers{}, &recordingSender{}, nil, nil, local, "local-laptop")

	content := model.ClipboardContent{Type: model.ContentText, Text: "repeat"}
	first := c.newItem(Event{Local: true, Content: content}, time.Unix(100, 0))
	require.NoError(t, history.Upsert(first))

	resolved, err := c.resolve(Event{Local: true, Content: content}, time.Unix(200, 0))
	require.NoError(t, err)
	assert.Equal(t, first.ID, resolved.ID, "matching content must reuse the existing row id")
	assert.Equal(t, time.Unix(200, 0), resolved.CreatedAt)
}

func TestBroadcastContinuesPastPerTargetFailure(t *testing.T) {
	history := newMemHistory()
	local := mustDeviceID(t, "11111111-1111-1111-1111-111111111111")
	peerA := mustDeviceID(t, "22222222-2222-2222-2222-222222222222")
	peerB := mustDeviceID(t, "33333333-3333-3333-3333-333333333333")
	sender := &recordingSender{failFor: map[model.DeviceID]bool{peerA: true}}

	c := New(history, staticPeers{ids: []model.DeviceID{local, peerA, peerB}}, sender, nil, nil, local, "local-laptop")

	item := c.newItem(Event{Local: true, Content: model.ClipboardContent{Type: model.ContentText, Text: "x"}}, time.Unix(1, 0))
	c.broadcast(context.Background(), item)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.calls, 2, "failure on one target must not prevent sends to others")
}
