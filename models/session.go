package models

import "time"

// SessionOutcome classifies how a PoC cycle ended.
type SessionOutcome string

const (
	SessionPending   SessionOutcome = "pending"
	SessionCompleted SessionOutcome = "completed"
	SessionFailed    SessionOutcome = "failed"
	SessionSkipped   SessionOutcome = "skipped"
)

// Session records one PoC cycle end to end: which epoch it served, which
// instance it rented, what it cost and how it ended. Sessions are held in
// memory only; the log stream is the durable record.
type Session struct {
	EpochIndex int64          `json:"epoch_index"`
	InstanceID string         `json:"instance_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Outcome    SessionOutcome `json:"outcome"`
	Cost       float64        `json:"cost"`
	Error      string         `json:"error,omitempty"`
}

// Duration is the wall-clock length of the cycle so far (or total once
// ended).
func (s *Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}
