package historystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypo/internal/model"
)

func item(id, text string, at time.Time) model.ClipboardItem {
	content := model.ClipboardContent{Type: model.ContentText, Text: text}
	return model.NewClipboardItem(id, content, model.DeviceID("dev"), "dev-name", at, model.TransportLocal)
}

func TestUpsertDedupesByContent(t *testing.T) {
	s := New(0)
	now := time.Now()

	require.NoError(t, s.Upsert(item("a", "hello", now)))
	require.NoError(t, s.Upsert(item("b", "hello", now.Add(time.Second))))

	rows := s.Rows("default")
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0].ID)
}

func TestUpsertReplacesByID(t *testing.T) {
	s := New(0)
	now := time.Now()

	require.NoError(t, s.Upsert(item("a", "first", now)))
	require.NoError(t, s.Upsert(item("a", "second", now.Add(time.Second))))

	rows := s.Rows("default")
	require.Len(t, rows, 1)
	assert.Equal(t, "second", rows[0].Content.Text)
}

func TestNamespacesAreIsolated(t *testing.T) {
	s := New(0)
	now := time.Now()

	work := item("a", "work-clip", now)
	work.Namespace = "work"
	require.NoError(t, s.Upsert(work))

	home := item("b", "home-clip", now)
	home.Namespace = "home"
	require.NoError(t, s.Upsert(home))

	assert.Len(t, s.Rows("work"), 1)
	assert.Len(t, s.Rows("home"), 1)
	assert.Empty(t, s.Rows("default"))
}

func TestLatestReturnsTopRow(t *testing.T) {
	s := New(0)
	now := time.Now()
	require.NoError(t, s.Upsert(item("a", "one", now)))
	require.NoError(t, s.Upsert(item("b", "two", now.Add(time.Second)))) // becomes newest

	latest, err := s.Latest("default")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.ID)
}

func TestPerNamespaceCapEvictsOldest(t *testing.T) {
	s := New(2)
	now := time.Now()
	require.NoError(t, s.Upsert(item("a", "1", now)))
	require.NoError(t, s.Upsert(item("b", "2", now)))
	require.NoError(t, s.Upsert(item("c", "3", now)))

	assert.Len(t, s.Rows("default"), 2)
	for _, r := range s.Rows("default") {
		assert.NotEqual(t, "a", r.ID, "oldest row should have been evicted")
	}
}

func TestDeleteRemovesAcrossNamespaces(t *testing.T) {
	s := New(0)
	now := time.Now()
	require.NoError(t, s.Upsert(item("a", "1", now)))
	require.NoError(t, s.Delete("a"))
	assert.Empty(t, s.Rows("default"))
}

func TestObserveReceivesUpdatesAndClosesOnCancel(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Observe(ctx, "default", 10)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(item("a", "hi", time.Now())))

	select {
	case rows := <-ch:
		require.Len(t, rows, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observe notification")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
