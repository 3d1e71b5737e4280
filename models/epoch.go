package models

import (
	"fmt"
	"time"
)

// EpochStatus is the chain's public epoch/timing payload
// (GET /api/v1/epochs/latest).
type EpochStatus struct {
	BlockHeight int64           `json:"block_height"`
	Phase       string          `json:"phase"`
	LatestEpoch Epoch           `json:"latest_epoch"`
	NextStages  NextEpochStages `json:"next_epoch_stages"`
}

// Epoch identifies a protocol epoch.
type Epoch struct {
	Index int64 `json:"index"`
}

// NextEpochStages carries the block heights of the upcoming epoch's
// phase boundaries.
type NextEpochStages struct {
	EpochIndex       int64 `json:"epoch_index"`
	PoCStart         int64 `json:"poc_start"`
	PoCValidationEnd int64 `json:"poc_validation_end"`
}

// PoCWindow is a best-effort prediction of the next proof-of-compute
// phase, derived from on-chain block heights. Actual phase boundaries are
// authoritative on-chain and may drift; a newer computation supersedes a
// prior one.
type PoCWindow struct {
	EpochIndex int64 `json:"epoch_index"`

	// LeadAt is StartsAt minus the configured lead time: the moment
	// provisioning should begin so the instance is ready for the phase.
	LeadAt   time.Time `json:"lead_at"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`

	// ComputedAt records when the prediction was made.
	ComputedAt time.Time `json:"computed_at"`
}

// InLead reports whether now is inside the lead-time window but before the
// predicted phase end.
func (w *PoCWindow) InLead(now time.Time) bool {
	return !now.Before(w.LeadAt) && now.Before(w.EndsAt)
}

// Duration is the predicted length of the PoC phase.
func (w *PoCWindow) Duration() time.Duration {
	return w.EndsAt.Sub(w.StartsAt)
}

func (w *PoCWindow) String() string {
	return fmt.Sprintf("epoch %d: PoC %s → %s (lead %s)",
		w.EpochIndex,
		w.StartsAt.Format(time.RFC3339),
		w.EndsAt.Format(time.RFC3339),
		w.LeadAt.Format(time.RFC3339))
}
