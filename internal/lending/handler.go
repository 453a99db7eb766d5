// internal/lending/handler.go
package lending

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"libralend/internal/inventory"
	"libralend/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handler exposes the workflow over HTTP.
type Handler struct {
	service Service
	logger  *slog.Logger
	limits  *borrowerLimits
}

// NewHandler creates a handler. requestsPerMinute caps how often one
// borrower may submit requests; 0 disables the cap.
func NewHandler(service Service, requestsPerMinute int, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  observability.OrDefault(logger),
		limits:  newBorrowerLimits(requestsPerMinute),
	}
}

// Routes mounts the lending endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/requests", h.HandleSubmit)
	r.Get("/requests", h.HandleList)
	r.Get("/requests/overdue", h.HandleOverdue)
	r.Route("/requests/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Get("/history", h.HandleHistory)
		r.Post("/approve", h.HandleApprove)
		r.Post("/reject", h.HandleReject)
		r.Post("/return", h.HandleReturn)
	})
	r.Post("/loans", h.HandleDirectIssue)
	r.Post("/items", h.HandleStockItem)
	r.Get("/items/{id}", h.HandleGetItem)
	r.Put("/items/{id}/stock", h.HandleAdjustStock)
	r.Get("/borrowers/{id}/summary", h.HandleSummary)
	r.Get("/activity", h.HandleActivity)
}

type pairRequest struct {
	BorrowerID uuid.UUID `json:"borrower_id"`
	ItemID     uuid.UUID `json:"item_id"`
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !h.decodePair(w, r, &req) {
		return
	}
	if !h.allow(req.BorrowerID) {
		h.writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests from this borrower, try again later")
		return
	}

	loan, err := h.service.SubmitRequest(r.Context(), req.BorrowerID, req.ItemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleDirectIssue(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !h.decodePair(w, r, &req) {
		return
	}

	loan, err := h.service.DirectIssue(r.Context(), req.BorrowerID, req.ItemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Reject)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ReturnItem)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

// HandleList lists requests by borrower_id or by status.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		loans []*LoanRequest
		err   error
	)
	switch {
	case q.Get("borrower_id") != "":
		borrowerID, perr := uuid.Parse(q.Get("borrower_id"))
		if perr != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_id", "borrower_id is not a valid id")
			return
		}
		loans, err = h.service.ListByBorrower(r.Context(), borrowerID)
	case q.Get("status") != "":
		status, perr := ParseStatus(q.Get("status"))
		if perr != nil {
			h.fail(w, r, perr)
			return
		}
		loans, err = h.service.ListByStatus(r.Context(), status)
	default:
		h.writeError(w, r, http.StatusBadRequest, "missing_filter", "borrower_id or status is required")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(loans))
}

func (h *Handler) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	overdue, err := h.service.ListOverdue(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(overdue))
}

func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sum, err := h.service.BorrowerSummary(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	var after int64
	var limit int
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_cursor", "after must be a non-negative event id")
			return
		}
		after = parsed
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a number")
			return
		}
		limit = parsed
	}

	events, err := h.service.Activity(r.Context(), after, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

type stockRequest struct {
	ItemID      uuid.UUID `json:"item_id"`
	TotalCopies *int      `json:"total_copies"`
}

func (h *Handler) HandleStockItem(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	if req.TotalCopies == nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "total_copies is required")
		return
	}
	if req.ItemID == uuid.Nil {
		req.ItemID = uuid.New()
	}

	item, err := h.service.StockItem(r.Context(), req.ItemID, *req.TotalCopies)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) HandleAdjustStock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		TotalCopies *int `json:"total_copies"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TotalCopies == nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "total_copies is required")
		return
	}

	item, err := h.service.AdjustStock(r.Context(), id, *req.TotalCopies)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (*LoanRequest, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	loan, err := op(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) decodePair(w http.ResponseWriter, r *http.Request, req *pairRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return false
	}
	if req.BorrowerID == uuid.Nil || req.ItemID == uuid.Nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "borrower_id and item_id are required")
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_id", "path id is not a valid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) allow(borrowerID uuid.UUID) bool {
	return h.limits.allow(borrowerID)
}

// errorMapping gives every failure kind its own status, code and message.
var errorMapping = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{ErrConflict, http.StatusConflict, "conflict", "borrower already has an open request or loan for this item"},
	{ErrItemUnavailable, http.StatusConflict, "item_unavailable", "no copies of this item are available"},
	{ErrNotPending, http.StatusConflict, "not_pending", "request is no longer pending"},
	{ErrNotOutstanding, http.StatusConflict, "not_outstanding", "loan is not outstanding"},
	{ErrVersionConflict, http.StatusConflict, "version_conflict", "request was modified concurrently, retry"},
	{ErrRequestNotFound, http.StatusNotFound, "request_not_found", "loan request not found"},
	{ErrInvalidStatus, http.StatusBadRequest, "invalid_status", "status must be PENDING, APPROVED or REJECTED"},
	{inventory.ErrItemNotFound, http.StatusNotFound, "item_not_found", "catalog item not found"},
	{inventory.ErrItemExists, http.StatusConflict, "item_exists", "catalog item is already stocked"},
	{inventory.ErrInvalidTotal, http.StatusBadRequest, "invalid_total", "total copies must not be negative"},
	{inventory.ErrVersionConflict, http.StatusConflict, "item_version_conflict", "item was modified concurrently, retry"},
	{inventory.ErrInvariant, http.StatusInternalServerError, "inventory_invariant", "stored copy counts are inconsistent, the change was refused"},
	{inventory.ErrReleaseOverflow, http.StatusInternalServerError, "inventory_invariant", "copy released onto a full shelf, the change was refused"},
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				h.logFailure(r, err)
			}
			h.writeError(w, r, m.status, m.code, m.message)
			return
		}
	}
	h.logFailure(r, err)
	h.writeError(w, r, http.StatusInternalServerError, "internal", "internal error, the failure was logged")
}

func (h *Handler) logFailure(r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if status < http.StatusInternalServerError {
		h.logger.DebugContext(r.Context(), "request rejected",
			slog.String("path", r.URL.Path),
			slog.String("code", code),
		)
	}
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
