package memory

import (
	"context"
	"testing"
	"time"

	"libralend/internal/inventory"
	"libralend/internal/lending"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Items(t *testing.T) {
	ctx := context.Background()
	s := New()
	item := &inventory.Item{ID: uuid.New(), TotalCopies: 3, AvailableCopies: 3, Version: 1}

	require.NoError(t, s.CreateItem(ctx, item))
	assert.ErrorIs(t, s.CreateItem(ctx, item), inventory.ErrItemExists)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	got.AvailableCopies = 0
	again, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, again.AvailableCopies, "returned records must be copies")

	next := *item
	next.AvailableCopies = 2
	next.Version = 2
	require.NoError(t, s.UpdateItem(ctx, &next, 1))
	assert.ErrorIs(t, s.UpdateItem(ctx, &next, 1), inventory.ErrVersionConflict)

	_, err = s.GetItem(ctx, uuid.New())
	assert.ErrorIs(t, err, inventory.ErrItemNotFound)
	assert.ErrorIs(t, s.UpdateItem(ctx, &inventory.Item{ID: uuid.New()}, 1), inventory.ErrItemNotFound)

	items, err := s.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].AvailableCopies)
}

func TestStore_RequestsRejectSecondOpenRecord(t *testing.T) {
	ctx := context.Background()
	s := New()
	borrower, item := uuid.New(), uuid.New()

	first := &lending.LoanRequest{ID: uuid.New(), BorrowerID: borrower, ItemID: item, State: lending.StatePending, Version: 1}
	require.NoError(t, s.CreateRequest(ctx, first))

	dup := &lending.LoanRequest{ID: uuid.New(), BorrowerID: borrower, ItemID: item, State: lending.StateOutstanding, Version: 1}
	assert.ErrorIs(t, s.CreateRequest(ctx, dup), lending.ErrConflict)
	assert.ErrorIs(t, s.CreateRequest(ctx, first), lending.ErrConflict, "ids are unique")

	closed := *first
	closed.State = lending.StateRejected
	closed.Version = 2
	require.NoError(t, s.UpdateRequest(ctx, &closed, 1))
	assert.NoError(t, s.CreateRequest(ctx, dup))
}

func TestStore_UpdateRequestChecksVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	r := &lending.LoanRequest{ID: uuid.New(), BorrowerID: uuid.New(), ItemID: uuid.New(), State: lending.StatePending, Version: 1}
	require.NoError(t, s.CreateRequest(ctx, r))

	stale := *r
	stale.Version = 2
	require.NoError(t, s.UpdateRequest(ctx, &stale, 1))
	assert.ErrorIs(t, s.UpdateRequest(ctx, &stale, 1), lending.ErrVersionConflict)

	missing := &lending.LoanRequest{ID: uuid.New()}
	assert.ErrorIs(t, s.UpdateRequest(ctx, missing, 1), lending.ErrRequestNotFound)
	_, err := s.GetRequest(ctx, missing.ID)
	assert.ErrorIs(t, err, lending.ErrRequestNotFound)
}

func TestStore_ListRequestsInCreationOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	borrower := uuid.New()
	now := time.Now()

	var want []uuid.UUID
	for i := range 5 {
		r := &lending.LoanRequest{
			ID:         uuid.New(),
			BorrowerID: borrower,
			ItemID:     uuid.New(),
			State:      lending.StatePending,
			Version:    1,
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.CreateRequest(ctx, r))
		want = append(want, r.ID)
	}
	require.NoError(t, s.CreateRequest(ctx, &lending.LoanRequest{
		ID: uuid.New(), BorrowerID: uuid.New(), ItemID: uuid.New(), State: lending.StateRejected, Version: 1,
	}))

	got, err := s.ListRequests(ctx, lending.Filter{BorrowerID: borrower})
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i, r := range got {
		assert.Equal(t, want[i], r.ID)
	}

	rejected, err := s.ListRequests(ctx, lending.Filter{States: []lending.State{lending.StateRejected}})
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}
