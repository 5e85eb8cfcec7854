package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"livesched/internal/recurrence"
	logx "livesched/pkg/logx"
)

// Store is the persistence API used by the materializer and the
// lifecycle sweeps.
type Store interface {
	// Rules. The scheduler reads them; authors own them.
	UpsertRule(ctx context.Context, rule recurrence.Rule) error
	GetRule(ctx context.Context, id string) (recurrence.Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]recurrence.Rule, error)
	// SetRuleActive flips the activation flag. It is idempotent: setting
	// the current state again is a successful no-op.
	SetRuleActive(ctx context.Context, id string, active bool) error
	// DeleteRule removes the rule. Streams already materialized from it
	// survive on their own (their rule reference is cleared).
	DeleteRule(ctx context.Context, id string) error

	// CreateStreamIfAbsent inserts the stream unless one already exists
	// for the same (rule, scheduled start) pair. It reports whether a row
	// was created; an existing pair is a successful no-op, not an error.
	CreateStreamIfAbsent(ctx context.Context, s Stream) (bool, error)
	GetStream(ctx context.Context, id string) (Stream, error)
	ListStreamsByRule(ctx context.Context, ruleID string) ([]Stream, error)

	// Lifecycle queries and transitions.
	DueScheduled(ctx context.Context, now time.Time, grace time.Duration) ([]Stream, error)
	OverdueLive(ctx context.Context, now time.Time) ([]Stream, error)
	MarkLive(ctx context.Context, id string, at time.Time) error
	MarkEnded(ctx context.Context, id string, at time.Time) error
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Viewer counters (streaming subsystem).
	JoinViewer(ctx context.Context, id string) error
	LeaveViewer(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return newMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
