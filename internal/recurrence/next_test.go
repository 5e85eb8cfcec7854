package recurrence

import (
	"testing"
	"time"
)

func weekdayPtr(d time.Weekday) *time.Weekday { return &d }
func intPtr(v int) *int                       { return &v }

func dailyRule() Rule {
	return Rule{
		ID:              "rule-daily",
		Frequency:       FrequencyDaily,
		StartTime:       "18:00",
		DurationMinutes: 60,
		Active:          true,
	}
}

func weeklyRule(day time.Weekday) Rule {
	r := dailyRule()
	r.ID = "rule-weekly"
	r.Frequency = FrequencyWeekly
	r.Weekday = weekdayPtr(day)
	return r
}

func monthlyRule(dom int) Rule {
	r := dailyRule()
	r.ID = "rule-monthly"
	r.Frequency = FrequencyMonthly
	r.DayOfMonth = intPtr(dom)
	return r
}

func TestNextOccurrenceDaily(t *testing.T) {
	t.Parallel()

	// 2025-03-03 is a Monday.
	tests := []struct {
		name string
		ref  time.Time
		want time.Time
	}{
		{
			name: "before start time uses same day",
			ref:  time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at start time uses same day",
			ref:  time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "after start time rolls to next day",
			ref:  time.Date(2025, 3, 3, 18, 0, 1, 0, time.UTC),
			want: time.Date(2025, 3, 4, 18, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextOccurrence(dailyRule(), tt.ref)
			if err != nil {
				t.Fatalf("NextOccurrence error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextOccurrence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextOccurrenceWeekly(t *testing.T) {
	t.Parallel()

	rule := weeklyRule(time.Wednesday)

	tests := []struct {
		name string
		ref  time.Time
		want time.Time
	}{
		{
			name: "monday morning hits this wednesday",
			ref:  time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 5, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "wednesday past start rolls a full week",
			ref:  time.Date(2025, 3, 5, 19, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 12, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "wednesday exactly at start stays today",
			ref:  time.Date(2025, 3, 5, 18, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 5, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "thursday lands on next week's wednesday",
			ref:  time.Date(2025, 3, 6, 9, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 12, 18, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextOccurrence(rule, tt.ref)
			if err != nil {
				t.Fatalf("NextOccurrence error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextOccurrence = %v, want %v", got, tt.want)
			}
		})
	}
}

// The weekly calculator must always land on the configured weekday within
// [ref, ref+8d), no matter where in the week the reference falls.
func TestNextOccurrenceWeeklyBounds(t *testing.T) {
	t.Parallel()

	for day := time.Sunday; day <= time.Saturday; day++ {
		rule := weeklyRule(day)
		ref := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 14; i++ {
			got, err := NextOccurrence(rule, ref)
			if err != nil {
				t.Fatalf("NextOccurrence error: %v", err)
			}
			if got.Weekday() != day {
				t.Fatalf("result weekday = %v, want %v (ref %v)", got.Weekday(), day, ref)
			}
			if got.Before(ref) || !got.Before(ref.Add(8*24*time.Hour)) {
				t.Fatalf("result %v outside [ref, ref+8d) for ref %v", got, ref)
			}
			ref = ref.Add(13 * time.Hour)
		}
	}
}

func TestNextOccurrenceMonthly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dom  int
		ref  time.Time
		want time.Time
	}{
		{
			name: "day still ahead this month",
			dom:  20,
			ref:  time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 20, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "day already behind advances a month",
			dom:  5,
			ref:  time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
			want: time.Date(2025, 4, 5, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "same day but start passed advances a month",
			dom:  10,
			ref:  time.Date(2025, 3, 10, 19, 0, 0, 0, time.UTC),
			want: time.Date(2025, 4, 10, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "december rolls into january",
			dom:  15,
			ref:  time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 15, 18, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextOccurrence(monthlyRule(tt.dom), tt.ref)
			if err != nil {
				t.Fatalf("NextOccurrence error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextOccurrence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextOccurrenceHonorsTimezone(t *testing.T) {
	t.Parallel()

	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	rule := dailyRule()
	rule.Timezone = "Asia/Jakarta"

	// 18:00 in Jakarta (UTC+7) is 11:00 UTC. A 10:00 UTC reference is
	// still before today's start.
	ref := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	got, err := NextOccurrence(rule, ref)
	if err != nil {
		t.Fatalf("NextOccurrence error: %v", err)
	}
	want := time.Date(2025, 3, 3, 18, 0, 0, 0, jakarta)
	if !got.Equal(want) {
		t.Fatalf("NextOccurrence = %v, want %v", got, want)
	}
}

func TestRuleValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Rule)
	}{
		{name: "unknown frequency", mutate: func(r *Rule) { r.Frequency = "hourly" }},
		{name: "zero duration", mutate: func(r *Rule) { r.DurationMinutes = 0 }},
		{name: "negative duration", mutate: func(r *Rule) { r.DurationMinutes = -30 }},
		{name: "bad start time", mutate: func(r *Rule) { r.StartTime = "25:00" }},
		{name: "bad timezone", mutate: func(r *Rule) { r.Timezone = "Mars/Olympus" }},
		{name: "daily with weekday", mutate: func(r *Rule) { r.Weekday = weekdayPtr(time.Monday) }},
		{name: "daily with day of month", mutate: func(r *Rule) { r.DayOfMonth = intPtr(3) }},
		{
			name: "weekly without weekday",
			mutate: func(r *Rule) {
				r.Frequency = FrequencyWeekly
			},
		},
		{
			name: "monthly without day of month",
			mutate: func(r *Rule) {
				r.Frequency = FrequencyMonthly
			},
		},
		{
			name: "monthly day out of range",
			mutate: func(r *Rule) {
				r.Frequency = FrequencyMonthly
				r.DayOfMonth = intPtr(32)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rule := dailyRule()
			tt.mutate(&rule)
			err := rule.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsConfigurationError(err) {
				t.Fatalf("error %v is not a ConfigurationError", err)
			}
		})
	}

	if err := dailyRule().Validate(); err != nil {
		t.Fatalf("valid daily rule rejected: %v", err)
	}
	if err := weeklyRule(time.Friday).Validate(); err != nil {
		t.Fatalf("valid weekly rule rejected: %v", err)
	}
	if err := monthlyRule(28).Validate(); err != nil {
		t.Fatalf("valid monthly rule rejected: %v", err)
	}
}
