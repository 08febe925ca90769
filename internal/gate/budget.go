package gate

import (
	"sync"
	"time"
)

// #region budget
// Budget caps helper calls per fixed window. The window restarts once more
// than Window has passed since it opened. A unit is taken by Reserve and
// handed back by Refund when the call did not succeed, so only successful
// calls count against the cap.
type Budget struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	now         func() time.Time
	windowStart time.Time
	used        int
}

// Reservation is one unit taken from a Budget window.
type Reservation struct {
	windowStart time.Time
	refunded    bool
}

// NewBudget creates a budget of limit calls per window.
func NewBudget(limit int, window time.Duration) *Budget {
	return NewBudgetWithClock(limit, window, time.Now)
}

// NewBudgetWithClock creates a budget with an injected clock.
func NewBudgetWithClock(limit int, window time.Duration, now func() time.Time) *Budget {
	if window <= 0 {
		window = time.Hour
	}
	return &Budget{
		limit:       limit,
		window:      window,
		now:         now,
		windowStart: now(),
	}
}

// #endregion budget

// #region reserve
// Reserve takes one unit if the current window has room.
func (b *Budget) Reserve() (*Reservation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollLocked()
	if b.used >= b.limit {
		return nil, false
	}
	b.used++
	return &Reservation{windowStart: b.windowStart}, true
}

// Refund returns a reserved unit. It is a no-op once the window has rolled
// or when the reservation was already refunded.
func (b *Budget) Refund(r *Reservation) {
	if r == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.refunded {
		return
	}
	r.refunded = true
	b.rollLocked()
	if r.windowStart.Equal(b.windowStart) && b.used > 0 {
		b.used--
	}
}

// Remaining returns the units left in the current window.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return max(0, b.limit-b.used)
}

func (b *Budget) rollLocked() {
	now := b.now()
	if now.Sub(b.windowStart) > b.window {
		b.windowStart = now
		b.used = 0
	}
}

// #endregion reserve
