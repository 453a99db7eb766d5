package clients

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"libralend/internal/inventory"
	"libralend/internal/lending"
	"libralend/internal/store/memory"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *LendingClient {
	t.Helper()
	store := memory.New()
	svc := lending.NewService(store, inventory.NewLedger(store, nil))
	router := chi.NewRouter()
	lending.NewHandler(svc, 0, nil).Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return NewLendingClient(srv.URL+"/", nil)
}

func TestLendingClient_Lifecycle(t *testing.T) {
	ctx := t.Context()
	c := newClient(t)
	borrower := uuid.New()

	item, err := c.StockItem(ctx, uuid.Nil, 2)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, item.ID)
	assert.Equal(t, 2, item.AvailableCopies)

	req, err := c.SubmitRequest(ctx, borrower, item.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.StatePending, req.State)

	loan, err := c.Approve(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.StateOutstanding, loan.State)
	assert.False(t, loan.DueAt.IsZero())

	got, err := c.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)

	returned, err := c.ReturnItem(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.StateReturned, returned.State)
	assert.Zero(t, returned.Fine)

	adjusted, err := c.AdjustStock(ctx, item.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, adjusted.AvailableCopies)
}

func TestLendingClient_Errors(t *testing.T) {
	ctx := t.Context()
	c := newClient(t)

	item, err := c.StockItem(ctx, uuid.New(), 1)
	require.NoError(t, err)

	_, err = c.DirectIssue(ctx, uuid.New(), item.ID)
	require.NoError(t, err)

	_, err = c.DirectIssue(ctx, uuid.New(), item.ID)
	assert.True(t, IsCode(err, "item_unavailable"), "got %v", err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	req, err := c.SubmitRequest(ctx, uuid.New(), item.ID)
	assert.Nil(t, req)
	assert.True(t, IsCode(err, "item_unavailable"))

	_, err = c.Reject(ctx, uuid.New())
	assert.True(t, IsCode(err, "request_not_found"))

	_, err = c.GetItem(ctx, uuid.New())
	assert.True(t, IsCode(err, "item_not_found"))
	assert.False(t, IsCode(nil, "item_not_found"))
}
