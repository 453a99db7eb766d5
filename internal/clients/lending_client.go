// internal/clients/lending_client.go

// Package clients holds HTTP clients for lendingd.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"libralend/internal/inventory"
	"libralend/internal/lending"

	"github.com/google/uuid"
)

// APIError is a non-2xx answer from lendingd.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lendingd: %d %s: %s", e.Status, e.Code, e.Message)
}

// LendingClient calls the lendingd HTTP API.
type LendingClient struct {
	baseURL string
	http    *http.Client
}

// NewLendingClient creates a client for the daemon at baseURL. A nil
// httpClient gets a client with a 10s timeout.
func NewLendingClient(baseURL string, httpClient *http.Client) *LendingClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &LendingClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *LendingClient) StockItem(ctx context.Context, itemID uuid.UUID, totalCopies int) (*inventory.Item, error) {
	body := map[string]any{"total_copies": totalCopies}
	if itemID != uuid.Nil {
		body["item_id"] = itemID
	}
	var item inventory.Item
	if err := c.do(ctx, http.MethodPost, "/items", body, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *LendingClient) GetItem(ctx context.Context, itemID uuid.UUID) (*inventory.Item, error) {
	var item inventory.Item
	if err := c.do(ctx, http.MethodGet, "/items/"+itemID.String(), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *LendingClient) AdjustStock(ctx context.Context, itemID uuid.UUID, totalCopies int) (*inventory.Item, error) {
	var item inventory.Item
	body := map[string]int{"total_copies": totalCopies}
	if err := c.do(ctx, http.MethodPut, "/items/"+itemID.String()+"/stock", body, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *LendingClient) SubmitRequest(ctx context.Context, borrowerID, itemID uuid.UUID) (*lending.LoanRequest, error) {
	return c.pair(ctx, "/requests", borrowerID, itemID)
}

func (c *LendingClient) DirectIssue(ctx context.Context, borrowerID, itemID uuid.UUID) (*lending.LoanRequest, error) {
	return c.pair(ctx, "/loans", borrowerID, itemID)
}

func (c *LendingClient) Approve(ctx context.Context, requestID uuid.UUID) (*lending.LoanRequest, error) {
	return c.transition(ctx, requestID, "approve")
}

func (c *LendingClient) Reject(ctx context.Context, requestID uuid.UUID) (*lending.LoanRequest, error) {
	return c.transition(ctx, requestID, "reject")
}

func (c *LendingClient) ReturnItem(ctx context.Context, requestID uuid.UUID) (*lending.LoanRequest, error) {
	return c.transition(ctx, requestID, "return")
}

func (c *LendingClient) pair(ctx context.Context, path string, borrowerID, itemID uuid.UUID) (*lending.LoanRequest, error) {
	body := map[string]uuid.UUID{"borrower_id": borrowerID, "item_id": itemID}
	var loan lending.LoanRequest
	if err := c.do(ctx, http.MethodPost, path, body, &loan); err != nil {
		return nil, err
	}
	return &loan, nil
}

func (c *LendingClient) transition(ctx context.Context, requestID uuid.UUID, action string) (*lending.LoanRequest, error) {
	var loan lending.LoanRequest
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/requests/%s/%s", requestID, action), nil, &loan); err != nil {
		return nil, err
	}
	return &loan, nil
}

func (c *LendingClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Code = "unknown"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
