package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Event statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
)

// InboxEvent is a webhook delivery persisted before it is reconciled.
type InboxEvent struct {
	Seq          int64
	ID           string
	Event        string
	EntityTypeID int
	ItemID       int
	Payload      string
	Status       string
	ReceivedAt   time.Time
	UpdatedAt    time.Time
}

// Run is one journaled reconciliation result.
type Run struct {
	RunID        string    `json:"run_id"`
	EventID      string    `json:"event_id,omitempty"`
	Event        string    `json:"event"`
	EntityTypeID int       `json:"entity_type_id"`
	ItemID       int       `json:"item_id"`
	OK           bool      `json:"ok"`
	Action       string    `json:"action"`
	Error        string    `json:"error,omitempty"`
	ResultJSON   string    `json:"-"`
	StartedAt    time.Time `json:"started_at"`
	DurationMs   int64     `json:"duration_ms"`
}

// RunFilter narrows RecentRuns. Zero fields match everything.
type RunFilter struct {
	EntityTypeID int
	ItemID       int
	FailedOnly   bool
	Limit        int
}
