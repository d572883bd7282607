package history

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. It is used when no database is configured
// and in tests. The zero value is ready to use.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]ChatHistoryItem

	// now is overridable in tests.
	now func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Save implements [Store].
func (s *MemStore) Save(_ context.Context, item ChatHistoryItem) error {
	if item.ID == "" {
		return errors.New("history: save: empty id")
	}
	item.Messages = slices.Clone(item.Messages)
	item.UpdatedAt = s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[string]ChatHistoryItem)
	}
	s.items[item.ID] = item
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (ChatHistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return ChatHistoryItem{}, ErrNotFound
	}
	item.Messages = slices.Clone(item.Messages)
	return item, nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context) ([]ChatHistoryItem, error) {
	s.mu.RLock()
	out := make([]ChatHistoryItem, 0, len(s.items))
	for _, item := range s.items {
		item.Messages = slices.Clone(item.Messages)
		out = append(out, item)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b ChatHistoryItem) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return compareIDs(b.ID, a.ID)
	})
	return out, nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

// compareIDs orders numeric IDs numerically and falls back to string order.
func compareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func formatMillis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
