// Package stream drives scheduled streams through their lifecycle:
// auto-start when the scheduled window opens, auto-end when it closes,
// and retention cleanup of long-ended streams.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livesched/internal/eventbus"
	"livesched/internal/storage"
	logx "livesched/pkg/logx"
)

// Config bounds the lifecycle sweeps.
type Config struct {
	// AutoStartGrace is how far past the scheduled start a stream may
	// still be auto-started. Older scheduled streams are left alone.
	AutoStartGrace time.Duration
	// Retention is how long ended streams are kept before cleanup.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.AutoStartGrace <= 0 {
		c.AutoStartGrace = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Lifecycle runs the sweeps against a store.
type Lifecycle struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	cfg   Config
}

// NewLifecycle builds a Lifecycle. bus may be nil.
func NewLifecycle(store storage.Store, bus eventbus.Bus, log logx.Logger, cfg Config) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lifecycle{store: store, bus: bus, log: log, cfg: cfg.withDefaults()}
}

// AutoStart transitions due scheduled streams to live. It returns the
// number of streams started; a failing stream does not stop the sweep.
func (l *Lifecycle) AutoStart(ctx context.Context, now time.Time) (int, error) {
	due, err := l.store.DueScheduled(ctx, now, l.cfg.AutoStartGrace)
	if err != nil {
		return 0, fmt.Errorf("query due streams: %w", err)
	}

	started := 0
	var firstErr error
	for _, s := range due {
		if err := l.store.MarkLive(ctx, s.ID, now); err != nil {
			// A concurrent transition already claimed this stream.
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			l.log.Warn("auto-start failed", logx.String("stream", s.ID), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started++
		l.log.Info("stream auto-started",
			logx.String("stream", s.ID),
			logx.String("rule", s.RuleID),
			logx.Time("scheduled", s.StartsAt),
		)
		l.publish(eventbus.TypeStreamStarted, s)
	}
	return started, firstErr
}

// AutoEnd transitions live streams whose scheduled end has passed to
// ended. It returns the number of streams ended.
func (l *Lifecycle) AutoEnd(ctx context.Context, now time.Time) (int, error) {
	overdue, err := l.store.OverdueLive(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query overdue streams: %w", err)
	}

	ended := 0
	var firstErr error
	for _, s := range overdue {
		if err := l.store.MarkEnded(ctx, s.ID, now); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			l.log.Warn("auto-end failed", logx.String("stream", s.ID), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ended++
		l.log.Info("stream auto-ended",
			logx.String("stream", s.ID),
			logx.String("rule", s.RuleID),
			logx.Time("scheduled_end", s.EndsAt),
		)
		l.publish(eventbus.TypeStreamEnded, s)
	}
	return ended, firstErr
}

// Cleanup deletes ended streams older than the retention window and
// returns how many were removed.
func (l *Lifecycle) Cleanup(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-l.cfg.Retention)
	removed, err := l.store.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge ended streams: %w", err)
	}
	if removed > 0 {
		l.log.Info("ended streams purged",
			logx.Int("removed", removed),
			logx.Time("cutoff", cutoff),
		)
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{
				Type: eventbus.TypeStreamsPurged,
				Data: eventbus.PurgeEvent{Removed: removed, Cutoff: cutoff},
			})
		}
	}
	return removed, nil
}

func (l *Lifecycle) publish(eventType string, s storage.Stream) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{
		Type: eventType,
		Data: eventbus.StreamEvent{StreamID: s.ID, RuleID: s.RuleID, Title: s.Title, StartsAt: s.StartsAt},
	})
}
