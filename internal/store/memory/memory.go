// internal/store/memory/memory.go

// Package memory keeps loan requests and item counters in process memory.
package memory

import (
	"context"
	"slices"
	"sync"

	"libralend/internal/inventory"
	"libralend/internal/lending"

	"github.com/google/uuid"
)

var (
	_ lending.Store   = (*Store)(nil)
	_ inventory.Store = (*Store)(nil)
)

// Store is safe for concurrent use. Records are copied on the way in and
// out, so callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	items    map[uuid.UUID]inventory.Item
	requests map[uuid.UUID]lending.LoanRequest
	order    []uuid.UUID
}

func New() *Store {
	return &Store{
		items:    make(map[uuid.UUID]inventory.Item),
		requests: make(map[uuid.UUID]lending.LoanRequest),
	}
}

func (s *Store) GetItem(_ context.Context, id uuid.UUID) (*inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, inventory.ErrItemNotFound
	}
	return &item, nil
}

func (s *Store) CreateItem(_ context.Context, item *inventory.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; ok {
		return inventory.ErrItemExists
	}
	s.items[item.ID] = *item
	return nil
}

func (s *Store) UpdateItem(_ context.Context, item *inventory.Item, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[item.ID]
	if !ok {
		return inventory.ErrItemNotFound
	}
	if current.Version != expectedVersion {
		return inventory.ErrVersionConflict
	}
	s.items[item.ID] = *item
	return nil
}

func (s *Store) ListItems(_ context.Context) ([]*inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*inventory.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, &item)
	}
	slices.SortFunc(out, func(a, b *inventory.Item) int {
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return out, nil
}

// CreateRequest refuses a second open record for the same borrower and item.
func (s *Store) CreateRequest(_ context.Context, r *lending.LoanRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[r.ID]; ok {
		return lending.ErrConflict
	}
	if r.IsOpen() {
		for _, existing := range s.requests {
			if existing.IsOpen() && existing.BorrowerID == r.BorrowerID && existing.ItemID == r.ItemID {
				return lending.ErrConflict
			}
		}
	}
	s.requests[r.ID] = *r
	s.order = append(s.order, r.ID)
	return nil
}

func (s *Store) GetRequest(_ context.Context, id uuid.UUID) (*lending.LoanRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, lending.ErrRequestNotFound
	}
	return &r, nil
}

func (s *Store) UpdateRequest(_ context.Context, r *lending.LoanRequest, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[r.ID]
	if !ok {
		return lending.ErrRequestNotFound
	}
	if current.Version != expectedVersion {
		return lending.ErrVersionConflict
	}
	s.requests[r.ID] = *r
	return nil
}

func (s *Store) ListRequests(_ context.Context, f lending.Filter) ([]*lending.LoanRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*lending.LoanRequest
	for _, id := range s.order {
		r := s.requests[id]
		if f.Matches(&r) {
			out = append(out, &r)
		}
	}
	return out, nil
}
