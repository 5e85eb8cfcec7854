package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency selects how often a rule fires.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Rule is an author-owned template for a repeating live-stream slot.
//
// The scheduler treats rules as read-only: the Active flag is flipped by
// the owning author elsewhere, never by the materializer.
type Rule struct {
	ID       string
	AuthorID string

	// Templates used to name generated streams.
	TitleTemplate       string
	DescriptionTemplate string

	Frequency Frequency

	// StartTime is the wall-clock start ("HH:MM") interpreted in Timezone.
	// An empty Timezone means UTC; naive local times are never used.
	StartTime string
	Timezone  string

	DurationMinutes int

	// Weekday is set iff Frequency is weekly.
	Weekday *time.Weekday
	// DayOfMonth (1-31) is set iff Frequency is monthly.
	DayOfMonth *int

	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Duration returns the expected stream duration.
func (r Rule) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// Location resolves the rule's timezone. Empty means UTC.
func (r Rule) Location() (*time.Location, error) {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// Validate checks the rule invariants:
//   - known frequency
//   - positive duration
//   - parseable start time and timezone
//   - weekly rules carry a weekday and nothing else;
//     monthly rules carry a day-of-month and nothing else;
//     daily rules carry neither.
func (r Rule) Validate() error {
	switch r.Frequency {
	case FrequencyDaily:
		if r.Weekday != nil {
			return configErr(r.ID, "weekday", "must be unset for daily rules")
		}
		if r.DayOfMonth != nil {
			return configErr(r.ID, "day_of_month", "must be unset for daily rules")
		}
	case FrequencyWeekly:
		if r.Weekday == nil {
			return configErr(r.ID, "weekday", "required for weekly rules")
		}
		if *r.Weekday < time.Sunday || *r.Weekday > time.Saturday {
			return configErr(r.ID, "weekday", fmt.Sprintf("out of range: %d", int(*r.Weekday)))
		}
		if r.DayOfMonth != nil {
			return configErr(r.ID, "day_of_month", "must be unset for weekly rules")
		}
	case FrequencyMonthly:
		if r.DayOfMonth == nil {
			return configErr(r.ID, "day_of_month", "required for monthly rules")
		}
		if *r.DayOfMonth < 1 || *r.DayOfMonth > 31 {
			return configErr(r.ID, "day_of_month", fmt.Sprintf("out of range: %d", *r.DayOfMonth))
		}
		if r.Weekday != nil {
			return configErr(r.ID, "weekday", "must be unset for monthly rules")
		}
	default:
		return configErr(r.ID, "frequency", fmt.Sprintf("unrecognized value %q", string(r.Frequency)))
	}

	if r.DurationMinutes <= 0 {
		return configErr(r.ID, "duration_minutes", "must be positive")
	}
	if _, _, err := ParseStartTime(r.StartTime); err != nil {
		return configErr(r.ID, "start_time", err.Error())
	}
	if _, err := r.Location(); err != nil {
		return configErr(r.ID, "timezone", err.Error())
	}
	return nil
}

// ParseStartTime parses a wall-clock "HH:MM" value.
func ParseStartTime(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
