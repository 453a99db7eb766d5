// internal/eventstore/memory.go
package eventstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process log with the same versioning rules as
// EventStore. Used by the memory store driver and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byAgg  map[uuid.UUID][]int
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAgg: make(map[uuid.UUID][]int),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) AppendEvents(_ context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byAgg[aggregateID]) != expectedVersion {
		return ErrConcurrencyConflict
	}
	for i, e := range events {
		e.ID = int64(len(m.events) + 1)
		e.AggregateID = aggregateID
		e.AggregateType = aggregateType
		e.Version = expectedVersion + i + 1
		e.CreatedAt = m.now()
		m.events = append(m.events, e)
		m.byAgg[aggregateID] = append(m.byAgg[aggregateID], len(m.events)-1)
	}
	return nil
}

func (m *MemoryStore) LoadEvents(_ context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, idx := range m.byAgg[aggregateID] {
		e := m.events[idx]
		if e.Version < fromVersion || (toVersion > 0 && e.Version > toVersion) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) GetCurrentVersion(_ context.Context, aggregateID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAgg[aggregateID]), nil
}

func (m *MemoryStore) StreamEvents(_ context.Context, fromID int64, batchSize int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := int(max(fromID, 0))
	if start >= len(m.events) {
		return nil, nil
	}
	end := len(m.events)
	if batchSize > 0 {
		end = min(end, start+batchSize)
	}
	return slices.Clone(m.events[start:end]), nil
}
