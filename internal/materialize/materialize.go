// Package materialize turns recurrence rules into concrete scheduled
// streams. The pass is idempotent: each (rule, occurrence start) pair
// yields at most one stream no matter how often or how concurrently the
// pass runs.
package materialize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livesched/internal/eventbus"
	"livesched/internal/recurrence"
	"livesched/internal/storage"
	logx "livesched/pkg/logx"
)

// Failure records a single rule that could not be materialized. One bad
// rule never aborts the pass for the others.
type Failure struct {
	RuleID string
	Err    error
}

// Result summarizes one materialization pass.
type Result struct {
	// Created holds the streams inserted by this pass.
	Created []storage.Stream
	// Existing counts occurrences that were already materialized.
	Existing int
	// Skipped counts inactive rules.
	Skipped int
	Failures []Failure
}

// Materializer runs materialization passes against a store.
type Materializer struct {
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger
	workers int
	newID   func() string
}

// Option tweaks a Materializer.
type Option func(*Materializer)

// WithWorkers bounds the per-pass fanout.
func WithWorkers(n int) Option {
	return func(m *Materializer) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithIDFunc overrides stream ID generation.
func WithIDFunc(fn func() string) Option {
	return func(m *Materializer) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// New builds a Materializer. bus may be nil.
func New(store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Materializer {
	m := &Materializer{
		store:   store,
		bus:     bus,
		log:     log,
		workers: 4,
		newID:   uuid.NewString,
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaterializeDue loads every active rule from the store and materializes
// the next occurrence of each, relative to ref.
func (m *Materializer) MaterializeDue(ctx context.Context, ref time.Time) (Result, error) {
	rules, err := m.store.ListRules(ctx, true)
	if err != nil {
		return Result{}, fmt.Errorf("list rules: %w", err)
	}
	return m.MaterializeRules(ctx, rules, ref), nil
}

// MaterializeRules materializes the given rules relative to ref. Inactive
// rules are skipped; failures are collected per rule.
func (m *Materializer) MaterializeRules(ctx context.Context, rules []recurrence.Rule, ref time.Time) Result {
	var res Result

	active := make([]recurrence.Rule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Active {
			res.Skipped++
			continue
		}
		active = append(active, rule)
	}
	if len(active) == 0 {
		return res
	}

	workers := m.workers
	if workers > len(active) {
		workers = len(active)
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan recurrence.Rule)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rule := range jobs {
				s, created, err := m.materializeOne(ctx, rule, ref)
				mu.Lock()
				switch {
				case err != nil:
					res.Failures = append(res.Failures, Failure{RuleID: rule.ID, Err: err})
				case created:
					res.Created = append(res.Created, s)
				default:
					res.Existing++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, rule := range active {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- rule:
		}
	}
	close(jobs)
	wg.Wait()

	m.log.Info("materialization pass done",
		logx.Int("created", len(res.Created)),
		logx.Int("existing", res.Existing),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", len(res.Failures)),
	)
	return res
}

func (m *Materializer) materializeOne(ctx context.Context, rule recurrence.Rule, ref time.Time) (storage.Stream, bool, error) {
	startsAt, err := recurrence.NextOccurrence(rule, ref)
	if err != nil {
		m.log.Warn("rule rejected",
			logx.String("rule", rule.ID),
			logx.Err(err),
		)
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{
				Type: eventbus.TypeRuleRejected,
				Data: eventbus.RuleRejectedEvent{RuleID: rule.ID, Reason: err.Error()},
			})
		}
		return storage.Stream{}, false, err
	}

	s := storage.Stream{
		ID:          m.newID(),
		RuleID:      rule.ID,
		AuthorID:    rule.AuthorID,
		Title:       renderTemplate(rule.TitleTemplate, rule, startsAt),
		Description: renderTemplate(rule.DescriptionTemplate, rule, startsAt),
		Status:      storage.StatusScheduled,
		StartsAt:    startsAt,
		EndsAt:      startsAt.Add(rule.Duration()),
		AutoStart:   true,
	}

	created, err := m.store.CreateStreamIfAbsent(ctx, s)
	if err != nil {
		return storage.Stream{}, false, fmt.Errorf("create stream: %w", err)
	}
	if !created {
		// Occurrence already materialized. Silent success.
		return storage.Stream{}, false, nil
	}

	m.log.Info("stream materialized",
		logx.String("stream", s.ID),
		logx.String("rule", rule.ID),
		logx.Time("starts_at", startsAt),
	)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeStreamCreated,
			Data: eventbus.StreamEvent{StreamID: s.ID, RuleID: s.RuleID, Title: s.Title, StartsAt: s.StartsAt},
		})
	}
	return s, true, nil
}

// renderTemplate expands the occurrence placeholders authors may use in
// stream titles and descriptions.
//
//	{date}    2025-03-05 (in the rule's timezone)
//	{time}    18:00
//	{weekday} Wednesday
func renderTemplate(tpl string, rule recurrence.Rule, startsAt time.Time) string {
	if !strings.Contains(tpl, "{") {
		return tpl
	}
	local := startsAt
	if loc, err := rule.Location(); err == nil {
		local = startsAt.In(loc)
	}
	r := strings.NewReplacer(
		"{date}", local.Format("2006-01-02"),
		"{time}", local.Format("15:04"),
		"{weekday}", local.Weekday().String(),
	)
	return r.Replace(tpl)
}
