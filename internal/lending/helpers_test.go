package lending_test

import (
	"context"
	"sync"
	"time"

	"libralend/internal/eventstore"
	"libralend/internal/inventory"
	"libralend/internal/lending"
	"libralend/internal/store/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []lending.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n lending.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Kind
	}
	return out
}

type fixture struct {
	svc      lending.Service
	store    *memory.Store
	ledger   *inventory.Ledger
	events   *eventstore.MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
}

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

func newFixture(t testingT) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		events:   eventstore.NewMemoryStore(),
		clock:    &fakeClock{now: epoch},
		notifier: &recordingNotifier{},
	}
	f.ledger = inventory.NewLedger(f.store, nil)
	f.svc = lending.NewService(f.store, f.ledger,
		lending.WithClock(f.clock),
		lending.WithEventStore(f.events),
		lending.WithNotifier(f.notifier),
	)
	return f
}

func (f *fixture) stock(t testingT, total int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.svc.StockItem(context.Background(), id, total)
	require.NoError(t, err)
	return id
}

func (f *fixture) available(t testingT, itemID uuid.UUID) int {
	t.Helper()
	item, err := f.svc.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	return item.AvailableCopies
}

func (f *fixture) state(t testingT, requestID uuid.UUID) lending.State {
	t.Helper()
	r, err := f.svc.Get(context.Background(), requestID)
	require.NoError(t, err)
	return r.State
}
