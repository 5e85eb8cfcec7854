package materialize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livesched/internal/eventbus"
	"livesched/internal/recurrence"
	"livesched/internal/storage"
	logx "livesched/pkg/logx"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func dailyRule(id string) recurrence.Rule {
	return recurrence.Rule{
		ID:              id,
		AuthorID:        "author-1",
		TitleTemplate:   "Daily Show",
		Frequency:       recurrence.FrequencyDaily,
		StartTime:       "18:00",
		DurationMinutes: 90,
		Active:          true,
	}
}

func TestMaterializeCreatesNextOccurrence(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	m := New(st, nil, logx.Nop())
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC) // Monday morning

	res := m.MaterializeRules(context.Background(), []recurrence.Rule{dailyRule("r1")}, ref)
	if len(res.Failures) != 0 {
		t.Fatalf("failures: %+v", res.Failures)
	}
	if len(res.Created) != 1 {
		t.Fatalf("created = %d, want 1", len(res.Created))
	}

	s := res.Created[0]
	want := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	if !s.StartsAt.Equal(want) {
		t.Fatalf("starts_at = %v, want %v", s.StartsAt, want)
	}
	if !s.EndsAt.Equal(want.Add(90 * time.Minute)) {
		t.Fatalf("ends_at = %v", s.EndsAt)
	}
	if s.Status != storage.StatusScheduled {
		t.Fatalf("status = %q", s.Status)
	}
	if !s.AutoStart {
		t.Fatal("materialized streams should opt into auto-start")
	}
	if s.ID == "" {
		t.Fatal("stream ID not assigned")
	}
}

func TestMaterializeIdempotent(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	m := New(st, nil, logx.Nop())
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	rules := []recurrence.Rule{dailyRule("r1")}
	ctx := context.Background()

	first := m.MaterializeRules(ctx, rules, ref)
	if len(first.Created) != 1 {
		t.Fatalf("first pass created = %d", len(first.Created))
	}

	// Re-running for the same occurrence is a silent success.
	for i := 0; i < 3; i++ {
		res := m.MaterializeRules(ctx, rules, ref)
		if len(res.Created) != 0 {
			t.Fatalf("pass %d created = %d, want 0", i+2, len(res.Created))
		}
		if res.Existing != 1 {
			t.Fatalf("pass %d existing = %d, want 1", i+2, res.Existing)
		}
		if len(res.Failures) != 0 {
			t.Fatalf("pass %d failures: %+v", i+2, res.Failures)
		}
	}

	streams, err := st.ListStreamsByRule(ctx, "r1")
	if err != nil {
		t.Fatalf("ListStreamsByRule: %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("stored streams = %d, want 1", len(streams))
	}
}

func TestMaterializeConcurrentPasses(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	m := New(st, nil, logx.Nop())
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	rules := []recurrence.Rule{dailyRule("r1")}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.MaterializeRules(ctx, rules, ref)
		}()
	}
	wg.Wait()

	streams, err := st.ListStreamsByRule(ctx, "r1")
	if err != nil {
		t.Fatalf("ListStreamsByRule: %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("stored streams = %d after concurrent passes, want 1", len(streams))
	}
}

func TestMaterializeFailureIsolation(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	m := New(st, nil, logx.Nop())
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

	bad := dailyRule("r-bad")
	bad.StartTime = "25:99"
	good := dailyRule("r-good")

	res := m.MaterializeRules(context.Background(), []recurrence.Rule{bad, good}, ref)
	if len(res.Created) != 1 || res.Created[0].RuleID != "r-good" {
		t.Fatalf("created = %+v, want only r-good", res.Created)
	}
	if len(res.Failures) != 1 || res.Failures[0].RuleID != "r-bad" {
		t.Fatalf("failures = %+v, want only r-bad", res.Failures)
	}
	if !recurrence.IsConfigurationError(res.Failures[0].Err) {
		t.Fatalf("failure err = %v, want ConfigurationError", res.Failures[0].Err)
	}
}

func TestMaterializeSkipsInactive(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	m := New(st, nil, logx.Nop())
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

	inactive := dailyRule("r1")
	inactive.Active = false

	res := m.MaterializeRules(context.Background(), []recurrence.Rule{inactive}, ref)
	if len(res.Created) != 0 || res.Skipped != 1 {
		t.Fatalf("created=%d skipped=%d, want 0/1", len(res.Created), res.Skipped)
	}
}

func TestMaterializeNoBackfillAfterReactivation(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	m := New(st, nil, logx.Nop())
	ctx := context.Background()
	rule := dailyRule("r1")

	// While inactive, days pass with no materialization.
	rule.Active = false
	for day := 0; day < 5; day++ {
		ref := time.Date(2025, 3, 3+day, 10, 0, 0, 0, time.UTC)
		m.MaterializeRules(ctx, []recurrence.Rule{rule}, ref)
	}

	// Reactivation only schedules from the current reference forward.
	rule.Active = true
	ref := time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC)
	res := m.MaterializeRules(ctx, []recurrence.Rule{rule}, ref)
	if len(res.Created) != 1 {
		t.Fatalf("created = %d, want 1", len(res.Created))
	}
	want := time.Date(2025, 3, 8, 18, 0, 0, 0, time.UTC)
	if !res.Created[0].StartsAt.Equal(want) {
		t.Fatalf("starts_at = %v, want %v (no backfill)", res.Created[0].StartsAt, want)
	}

	streams, err := st.ListStreamsByRule(ctx, "r1")
	if err != nil {
		t.Fatalf("ListStreamsByRule: %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("stored streams = %d, want 1", len(streams))
	}
}

func TestMaterializeDueReadsStore(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	active := dailyRule("r-active")
	inactive := dailyRule("r-inactive")
	inactive.Active = false
	for _, r := range []recurrence.Rule{active, inactive} {
		if err := st.UpsertRule(ctx, r); err != nil {
			t.Fatalf("UpsertRule: %v", err)
		}
	}

	m := New(st, nil, logx.Nop())
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	res, err := m.MaterializeDue(ctx, ref)
	if err != nil {
		t.Fatalf("MaterializeDue: %v", err)
	}
	if len(res.Created) != 1 || res.Created[0].RuleID != "r-active" {
		t.Fatalf("created = %+v, want only r-active", res.Created)
	}
}

func TestMaterializePublishesEvents(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	m := New(st, bus, logx.Nop())
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

	bad := dailyRule("r-bad")
	bad.DurationMinutes = 0
	res := m.MaterializeRules(context.Background(), []recurrence.Rule{dailyRule("r-good"), bad}, ref)
	if len(res.Created) != 1 || len(res.Failures) != 1 {
		t.Fatalf("created=%d failures=%d", len(res.Created), len(res.Failures))
	}

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			seen[e.Type]++
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, seen: %v", seen)
		}
	}
	if seen[eventbus.TypeStreamCreated] != 1 || seen[eventbus.TypeRuleRejected] != 1 {
		t.Fatalf("events = %v", seen)
	}
}

func TestMaterializeTemplates(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	m := New(st, nil, logx.Nop())
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

	rule := dailyRule("r1")
	rule.TitleTemplate = "Show {date} at {time}"
	rule.DescriptionTemplate = "Live every {weekday}"

	res := m.MaterializeRules(context.Background(), []recurrence.Rule{rule}, ref)
	if len(res.Created) != 1 {
		t.Fatalf("created = %d", len(res.Created))
	}
	s := res.Created[0]
	if s.Title != "Show 2025-03-03 at 18:00" {
		t.Fatalf("title = %q", s.Title)
	}
	if s.Description != "Live every Monday" {
		t.Fatalf("description = %q", s.Description)
	}
}

func TestMaterializeStoreErrorSurfacesAsFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk gone")
	m := New(failingStore{err: boom}, nil, logx.Nop())
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

	res := m.MaterializeRules(context.Background(), []recurrence.Rule{dailyRule("r1")}, ref)
	if len(res.Failures) != 1 || !errors.Is(res.Failures[0].Err, boom) {
		t.Fatalf("failures = %+v", res.Failures)
	}
}

// failingStore rejects every write.
type failingStore struct {
	storage.Store
	err error
}

func (f failingStore) CreateStreamIfAbsent(ctx context.Context, s storage.Stream) (bool, error) {
	return false, f.err
}
