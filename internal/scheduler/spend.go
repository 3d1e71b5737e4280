package scheduler

import (
	"sync"
	"time"
)

// SpendTracker enforces the daily marketplace spend ceiling. The counter
// resets when the UTC day rolls over.
type SpendTracker struct {
	mu    sync.Mutex
	limit float64
	spent float64
	day   time.Time

	now func() time.Time
}

// NewSpendTracker creates a tracker with the given daily USD limit. A
// non-positive limit disables the cap.
func NewSpendTracker(limit float64) *SpendTracker {
	return &SpendTracker{limit: limit, now: time.Now}
}

// Allow reports whether a new cycle may provision under the current limit.
func (t *SpendTracker) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.limit <= 0 || t.spent < t.limit
}

// Add records marketplace cost against today's budget.
func (t *SpendTracker) Add(cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	t.spent += cost
}

// Spent returns today's accumulated cost.
func (t *SpendTracker) Spent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.spent
}

func (t *SpendTracker) rollover() {
	today := t.now().UTC().Truncate(24 * time.Hour)
	if today.After(t.day) {
		t.day = today
		t.spent = 0
	}
}
