package lending

import (
	"time"

	"github.com/google/uuid"
)

func (h *Handler) Allow(borrowerID uuid.UUID) bool { return h.allow(borrowerID) }

func (h *Handler) TrackedBorrowers() int { return h.limits.size() }

func (h *Handler) SetClock(now func() time.Time) { h.limits.now = now }
