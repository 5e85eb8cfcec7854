package stream

import (
	"context"
	"testing"
	"time"

	"livesched/internal/eventbus"
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

func scheduled(id, ruleID string, startsAt time.Time, autoStart bool) storage.Stream {
	return storage.Stream{
		ID:        id,
		RuleID:    ruleID,
		AuthorID:  "author-1",
		Title:     "Show",
		Status:    storage.StatusScheduled,
		StartsAt:  startsAt,
		EndsAt:    startsAt.Add(time.Hour),
		AutoStart: autoStart,
	}
}

func mustCreate(t *testing.T, st storage.Store, s storage.Stream) {
	t.Helper()
	if _, err := st.CreateStreamIfAbsent(context.Background(), s); err != nil {
		t.Fatalf("CreateStreamIfAbsent(%s): %v", s.ID, err)
	}
}

func TestAutoStart(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	now := time.Date(2025, 3, 3, 18, 2, 0, 0, time.UTC)

	mustCreate(t, st, scheduled("due", "r1", now.Add(-2*time.Minute), true))
	mustCreate(t, st, scheduled("stale", "r2", now.Add(-30*time.Minute), true))
	mustCreate(t, st, scheduled("future", "r3", now.Add(10*time.Minute), true))
	mustCreate(t, st, scheduled("manual", "r4", now.Add(-2*time.Minute), false))

	l := NewLifecycle(st, nil, logx.Nop(), Config{AutoStartGrace: 5 * time.Minute})
	started, err := l.AutoStart(context.Background(), now)
	if err != nil {
		t.Fatalf("AutoStart: %v", err)
	}
	if started != 1 {
		t.Fatalf("started = %d, want 1", started)
	}

	got, err := st.GetStream(context.Background(), "due")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got.Status != storage.StatusLive {
		t.Fatalf("status = %q, want live", got.Status)
	}
	if got.ActualStart == nil || !got.ActualStart.Equal(now) {
		t.Fatalf("actual_start = %v", got.ActualStart)
	}

	// Everyone else stays scheduled.
	for _, id := range []string{"stale", "future", "manual"} {
		got, err := st.GetStream(context.Background(), id)
		if err != nil {
			t.Fatalf("GetStream(%s): %v", id, err)
		}
		if got.Status != storage.StatusScheduled {
			t.Fatalf("%s status = %q, want scheduled", id, got.Status)
		}
	}
}

func TestAutoStartIdempotent(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	now := time.Date(2025, 3, 3, 18, 2, 0, 0, time.UTC)
	mustCreate(t, st, scheduled("s1", "r1", now.Add(-time.Minute), true))

	l := NewLifecycle(st, nil, logx.Nop(), Config{})
	for i := 0; i < 3; i++ {
		started, err := l.AutoStart(context.Background(), now)
		if err != nil {
			t.Fatalf("AutoStart #%d: %v", i+1, err)
		}
		want := 0
		if i == 0 {
			want = 1
		}
		if started != want {
			t.Fatalf("AutoStart #%d started = %d, want %d", i+1, started, want)
		}
	}
}

func TestAutoEnd(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	startAt := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)

	mustCreate(t, st, scheduled("overdue", "r1", startAt, true))
	mustCreate(t, st, scheduled("running", "r2", startAt, true))

	l := NewLifecycle(st, nil, logx.Nop(), Config{})
	if _, err := l.AutoStart(ctx, startAt); err != nil {
		t.Fatalf("AutoStart: %v", err)
	}

	// Mid-window: nothing ends yet.
	ended, err := l.AutoEnd(ctx, startAt.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("AutoEnd: %v", err)
	}
	if ended != 0 {
		t.Fatalf("ended = %d before scheduled end, want 0", ended)
	}

	now := startAt.Add(90 * time.Minute)
	ended, err = l.AutoEnd(ctx, now)
	if err != nil {
		t.Fatalf("AutoEnd: %v", err)
	}
	if ended != 2 {
		t.Fatalf("ended = %d, want 2", ended)
	}

	got, err := st.GetStream(ctx, "overdue")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got.Status != storage.StatusEnded {
		t.Fatalf("status = %q, want ended", got.Status)
	}
	if got.ActualEnd == nil || !got.ActualEnd.Equal(now) {
		t.Fatalf("actual_end = %v", got.ActualEnd)
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	l := NewLifecycle(st, nil, logx.Nop(), Config{Retention: 30 * 24 * time.Hour})

	endStream := func(id string, endedAt time.Time) {
		t.Helper()
		mustCreate(t, st, scheduled(id, "r-"+id, endedAt.Add(-time.Hour), true))
		if err := st.MarkLive(ctx, id, endedAt.Add(-time.Hour)); err != nil {
			t.Fatalf("MarkLive(%s): %v", id, err)
		}
		if err := st.MarkEnded(ctx, id, endedAt); err != nil {
			t.Fatalf("MarkEnded(%s): %v", id, err)
		}
	}

	endStream("ancient", now.Add(-45*24*time.Hour))
	endStream("recent", now.Add(-2*24*time.Hour))
	mustCreate(t, st, scheduled("upcoming", "r-up", now.Add(time.Hour), true))

	removed, err := l.Cleanup(ctx, now)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := st.GetStream(ctx, "ancient"); err == nil {
		t.Fatal("ancient stream should be gone")
	}
	for _, id := range []string{"recent", "upcoming"} {
		if _, err := st.GetStream(ctx, id); err != nil {
			t.Fatalf("%s should survive: %v", id, err)
		}
	}
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ctx := context.Background()
	startAt := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	mustCreate(t, st, scheduled("s1", "r1", startAt, true))

	l := NewLifecycle(st, bus, logx.Nop(), Config{})
	if _, err := l.AutoStart(ctx, startAt); err != nil {
		t.Fatalf("AutoStart: %v", err)
	}
	if _, err := l.AutoEnd(ctx, startAt.Add(2*time.Hour)); err != nil {
		t.Fatalf("AutoEnd: %v", err)
	}

	want := []string{eventbus.TypeStreamStarted, eventbus.TypeStreamEnded}
	for _, typ := range want {
		select {
		case e := <-events:
			if e.Type != typ {
				t.Fatalf("event = %q, want %q", e.Type, typ)
			}
			payload, ok := e.Data.(eventbus.StreamEvent)
			if !ok || payload.StreamID != "s1" {
				t.Fatalf("payload = %+v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}
