// Package historystore provides an in-memory reference implementation of
// model.HistoryStore. Hypo's spec treats persistent history storage as an
// external collaborator (spec.md §6); this implementation exists so the
// core is runnable and testable standalone, the way the teacher repo's
// hub.Hub keeps an in-memory "latest" map per clipboard rather than
// depending on a database.
package historystore

import (
	"context"
	"sort"
	"sync"

	"hypo/internal/model"
)

// Store is a thread-safe, in-memory HistoryStore keyed by namespace.
type Store struct {
	mu    sync.RWMutex
	rows  map[string][]model.ClipboardItem // namespace -> rows, most-recent-first
	subs  map[string][]chan []model.ClipboardItem
	limit int
}

// New returns an empty Store. perNamespaceCap bounds how many rows are
// retained per namespace (0 means unbounded).
func New(perNamespaceCap int) *Store {
	return &Store{
		rows:  make(map[string][]model.ClipboardItem),
		subs:  make(map[string][]chan []model.ClipboardItem),
		limit: perNamespaceCap,
	}
}

const defaultNamespace = "default"

func ns(namespace string) string {
	if namespace == "" {
		return defaultNamespace
	}
	return namespace
}

// Upsert implements model.HistoryStore: it removes any row with the same
// ID or matching content, then inserts item at the top of its namespace.
func (s *Store) Upsert(item model.ClipboardItem) error {
	cb := ns(item.Namespace)
	s.mu.Lock()
	rows := s.rows[cb]
	filtered := rows[:0:0]
	for _, r := range rows {
		if r.ID == item.ID || r.MatchesContent(item.Content) {
			continue
		}
		filtered = append(filtered, r)
	}
	filtered = append([]model.ClipboardItem{item}, filtered...)
	if s.limit > 0 && len(filtered) > s.limit {
		filtered = filtered[:s.limit]
	}
	s.rows[cb] = filtered
	subs := append([]chan []model.ClipboardItem(nil), s.subs[cb]...)
	s.mu.Unlock()

	s.notify(subs, filtered)
	return nil
}

// Delete removes the row with the given id from every namespace.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cb, rows := range s.rows {
		out := rows[:0:0]
		for _, r := range rows {
			if r.ID != id {
				out = append(out, r)
			}
		}
		s.rows[cb] = out
	}
	return nil
}

// Latest returns the top row of namespace, or nil if empty.
func (s *Store) Latest(namespace string) (*model.ClipboardItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[ns(namespace)]
	if len(rows) == 0 {
		return nil, nil
	}
	top := rows[0]
	return &top, nil
}

// FindMatching returns the first row in namespace whose content matches, or nil.
func (s *Store) FindMatching(namespace string, content model.ClipboardContent) (*model.ClipboardItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rows[ns(namespace)] {
		if r.MatchesContent(content) {
			row := r
			return &row, nil
		}
	}
	return nil, nil
}

// Rows returns a snapshot of namespace's rows, pinned rows first and then
// most-recent first by CreatedAt, for tests and CLI status output.
func (s *Store) Rows(namespace string) []model.ClipboardItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[ns(namespace)]
	out := make([]model.ClipboardItem, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPinned != out[j].IsPinned {
			return out[i].IsPinned
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Observe streams history snapshots for namespace as they change. Only the
// initial snapshot is capped at limit; later change notifications carry
// every row of the namespace.
func (s *Store) Observe(ctx context.Context, namespace string, limit int) (<-chan []model.ClipboardItem, error) {
	cb := ns(namespace)
	ch := make(chan []model.ClipboardItem, 1)

	s.mu.Lock()
	s.subs[cb] = append(s.subs[cb], ch)
	current := append([]model.ClipboardItem(nil), s.rows[cb]...)
	s.mu.Unlock()

	if len(current) > 0 {
		if limit > 0 && len(current) > limit {
			current = current[:limit]
		}
		ch <- current
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[cb]
		for i, c := range subs {
			if c == ch {
				s.subs[cb] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (s *Store) notify(subs []chan []model.ClipboardItem, rows []model.ClipboardItem) {
	for _, ch := range subs {
		select {
		case ch <- rows:
		default:
			// Slow subscriber; drop rather than block the writer actor.
		}
	}
}
