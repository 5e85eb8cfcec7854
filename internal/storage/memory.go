package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"livesched/internal/recurrence"
)

// memoryStore is the dependency-free backend. It upholds the same
// (rule, starts_at) uniqueness contract as the SQLite driver, guarded by
// a single mutex, so it is safe for the concurrent materializer tests
// and small deployments alike.
type memoryStore struct {
	mu sync.Mutex

	rules   map[string]recurrence.Rule
	streams map[string]Stream
	// occurrences maps occKey(rule, startsAt) -> stream ID.
	occurrences map[string]string
}

func newMemory() *memoryStore {
	return &memoryStore{
		rules:       map[string]recurrence.Rule{},
		streams:     map[string]Stream{},
		occurrences: map[string]string{},
	}
}

func occKey(ruleID string, startsAt time.Time) string {
	return ruleID + "|" + startsAt.UTC().Format(time.RFC3339Nano)
}

func (m *memoryStore) Close() error { return nil }

// --- rules ---

func (m *memoryStore) UpsertRule(ctx context.Context, rule recurrence.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.rules[rule.ID]; ok {
		rule.CreatedAt = existing.CreatedAt
	}
	m.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (m *memoryStore) GetRule(ctx context.Context, id string) (recurrence.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return recurrence.Rule{}, ErrNotFound
	}
	return cloneRule(rule), nil
}

func (m *memoryStore) ListRules(ctx context.Context, activeOnly bool) ([]recurrence.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules := make([]recurrence.Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		if activeOnly && !rule.Active {
			continue
		}
		rules = append(rules, cloneRule(rule))
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules, nil
}

func (m *memoryStore) SetRuleActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	rule.Active = active
	rule.UpdatedAt = time.Now().UTC()
	m.rules[id] = rule
	return nil
}

func (m *memoryStore) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)

	// Existing streams survive on their own; clear the back-reference.
	for sid, s := range m.streams {
		if s.RuleID == id {
			delete(m.occurrences, occKey(s.RuleID, s.StartsAt))
			s.RuleID = ""
			m.streams[sid] = s
		}
	}
	return nil
}

// --- streams ---

func (m *memoryStore) CreateStreamIfAbsent(ctx context.Context, s Stream) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Ad hoc streams (no rule) are exempt from the occurrence contract.
	if s.RuleID != "" {
		key := occKey(s.RuleID, s.StartsAt)
		if _, ok := m.occurrences[key]; ok {
			return false, nil
		}
		m.occurrences[key] = s.ID
	}

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.streams[s.ID] = cloneStream(s)
	return true, nil
}

func (m *memoryStore) GetStream(ctx context.Context, id string) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return Stream{}, ErrNotFound
	}
	return cloneStream(s), nil
}

func (m *memoryStore) ListStreamsByRule(ctx context.Context, ruleID string) ([]Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	streams := make([]Stream, 0)
	for _, s := range m.streams {
		if s.RuleID != ruleID {
			continue
		}
		streams = append(streams, cloneStream(s))
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].StartsAt.Equal(streams[j].StartsAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].StartsAt.Before(streams[j].StartsAt)
	})
	return streams, nil
}

func (m *memoryStore) DueScheduled(ctx context.Context, now time.Time, grace time.Duration) ([]Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-grace)
	streams := make([]Stream, 0)
	for _, s := range m.streams {
		if s.Status != StatusScheduled || !s.AutoStart {
			continue
		}
		if s.StartsAt.After(now) || s.StartsAt.Before(cutoff) {
			continue
		}
		streams = append(streams, cloneStream(s))
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].StartsAt.Before(streams[j].StartsAt) })
	return streams, nil
}

func (m *memoryStore) OverdueLive(ctx context.Context, now time.Time) ([]Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	streams := make([]Stream, 0)
	for _, s := range m.streams {
		if s.Status != StatusLive || s.EndsAt.IsZero() || s.EndsAt.After(now) {
			continue
		}
		streams = append(streams, cloneStream(s))
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].EndsAt.Before(streams[j].EndsAt) })
	return streams, nil
}

func (m *memoryStore) MarkLive(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok || s.Status != StatusScheduled {
		return ErrNotFound
	}
	at = at.UTC()
	s.Status = StatusLive
	s.ActualStart = &at
	s.UpdatedAt = time.Now().UTC()
	m.streams[id] = s
	return nil
}

func (m *memoryStore) MarkEnded(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok || s.Status != StatusLive {
		return ErrNotFound
	}
	at = at.UTC()
	s.Status = StatusEnded
	s.ActualEnd = &at
	s.UpdatedAt = time.Now().UTC()
	m.streams[id] = s
	return nil
}

func (m *memoryStore) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.streams {
		if s.Status != StatusEnded {
			continue
		}
		if s.ActualEnd == nil || !s.ActualEnd.Before(cutoff) {
			continue
		}
		delete(m.streams, id)
		if s.RuleID != "" {
			delete(m.occurrences, occKey(s.RuleID, s.StartsAt))
		}
		removed++
	}
	return removed, nil
}

func (m *memoryStore) JoinViewer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	s.CurrentViewers++
	s.TotalViews++
	if s.CurrentViewers > s.PeakViewers {
		s.PeakViewers = s.CurrentViewers
	}
	m.streams[id] = s
	return nil
}

func (m *memoryStore) LeaveViewer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	if s.CurrentViewers > 0 {
		s.CurrentViewers--
	}
	m.streams[id] = s
	return nil
}

// --- helpers ---

func cloneRule(rule recurrence.Rule) recurrence.Rule {
	if rule.Weekday != nil {
		day := *rule.Weekday
		rule.Weekday = &day
	}
	if rule.DayOfMonth != nil {
		dom := *rule.DayOfMonth
		rule.DayOfMonth = &dom
	}
	return rule
}

func cloneStream(s Stream) Stream {
	if s.ActualStart != nil {
		at := *s.ActualStart
		s.ActualStart = &at
	}
	if s.ActualEnd != nil {
		at := *s.ActualEnd
		s.ActualEnd = &at
	}
	return s
}
