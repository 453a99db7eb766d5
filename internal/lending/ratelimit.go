// internal/lending/ratelimit.go
package lending

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// borrowerLimits holds one token bucket per borrower. A bucket refills
// completely within refill, so buckets idle that long are swept: a fresh
// one behaves the same.
type borrowerLimits struct {
	perMinute int
	refill    time.Duration
	now       func() time.Time

	mu        sync.Mutex
	buckets   map[uuid.UUID]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newBorrowerLimits(perMinute int) *borrowerLimits {
	return &borrowerLimits{
		perMinute: perMinute,
		refill:    time.Minute,
		now:       time.Now,
		buckets:   make(map[uuid.UUID]*bucket),
	}
}

func (b *borrowerLimits) allow(borrowerID uuid.UUID) bool {
	if b.perMinute <= 0 {
		return true
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastSweep) >= b.refill {
		b.sweep(now)
	}
	bk, ok := b.buckets[borrowerID]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(rate.Every(b.refill/time.Duration(b.perMinute)), b.perMinute)}
		b.buckets[borrowerID] = bk
	}
	bk.lastSeen = now
	return bk.limiter.AllowN(now, 1)
}

// sweep must be called with mu held.
func (b *borrowerLimits) sweep(now time.Time) {
	for id, bk := range b.buckets {
		if now.Sub(bk.lastSeen) >= b.refill {
			delete(b.buckets, id)
		}
	}
	b.lastSweep = now
}

func (b *borrowerLimits) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}
