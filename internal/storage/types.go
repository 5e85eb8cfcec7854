package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a rule or stream does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": dependency-free in-memory backend (tests, dev)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// StreamStatus tracks a stream through its lifecycle. The scheduler only
// ever creates streams as StatusScheduled; the live/ended transitions are
// driven by the streaming subsystem (or the lifecycle sweeps).
type StreamStatus string

const (
	StatusScheduled StreamStatus = "scheduled"
	StatusLive      StreamStatus = "live"
	StatusEnded     StreamStatus = "ended"
)

// Stream is a concrete, schedulable live-stream record.
//
// RuleID is empty for ad hoc streams created outside the scheduler.
type Stream struct {
	ID          string
	RuleID      string
	AuthorID    string
	Title       string
	Description string

	Status StreamStatus

	// StartsAt / EndsAt are the scheduled window. EndsAt may be zero for
	// ad hoc streams without a planned end.
	StartsAt time.Time
	EndsAt   time.Time

	ActualStart *time.Time
	ActualEnd   *time.Time

	// AutoStart opts the stream into the auto-start sweep.
	AutoStart bool

	// Engagement counters, owned by the streaming subsystem.
	CurrentViewers int
	PeakViewers    int
	TotalViews     int

	CreatedAt time.Time
	UpdatedAt time.Time
}
