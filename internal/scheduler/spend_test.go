package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpendTracker_Limit(t *testing.T) {
	tr := NewSpendTracker(1.0)

	assert.True(t, tr.Allow())
	tr.Add(0.6)
	assert.True(t, tr.Allow())
	tr.Add(0.6)
	assert.False(t, tr.Allow())
	assert.InDelta(t, 1.2, tr.Spent(), 1e-9)
}

func TestSpendTracker_DisabledLimit(t *testing.T) {
	tr := NewSpendTracker(0)
	tr.Add(100)
	assert.True(t, tr.Allow())
}

func TestSpendTracker_DailyRollover(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	tr := NewSpendTracker(1.0)
	tr.now = func() time.Time { return now }

	tr.Add(1.5)
	assert.False(t, tr.Allow())

	// Next UTC day resets the counter.
	now = now.Add(2 * time.Hour)
	assert.True(t, tr.Allow())
	assert.Zero(t, tr.Spent())
}
