package recurrence

import "time"

// NextOccurrence computes the next instant at or after ref that satisfies
// the rule. It is a pure function: same (rule, ref) in, same instant out,
// no clock sampling, no storage access.
//
// Semantics per frequency (all in the rule's timezone):
//   - daily: today's start time if that instant is still >= ref,
//     otherwise tomorrow's.
//   - weekly: the nearest matching weekday counted from ref's date
//     (inclusive); if the match is today but the start time has passed,
//     one week later.
//   - monthly: the rule's day-of-month in ref's month if still ahead,
//     otherwise the same day next month (December rolls into January).
//     Day-of-month values beyond a short month's length are rejected at
//     rule creation, not reinterpreted here.
func NextOccurrence(rule Rule, ref time.Time) (time.Time, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}

	loc, err := rule.Location()
	if err != nil {
		return time.Time{}, configErr(rule.ID, "timezone", err.Error())
	}
	hour, minute, err := ParseStartTime(rule.StartTime)
	if err != nil {
		return time.Time{}, configErr(rule.ID, "start_time", err.Error())
	}

	ref = ref.In(loc)
	startOn := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc)
	}

	switch rule.Frequency {
	case FrequencyDaily:
		next := startOn(ref)
		if next.Before(ref) {
			next = startOn(ref.AddDate(0, 0, 1))
		}
		return next, nil

	case FrequencyWeekly:
		daysAhead := (int(*rule.Weekday) - int(ref.Weekday()) + 7) % 7
		next := startOn(ref.AddDate(0, 0, daysAhead))
		if next.Before(ref) {
			// Match fell on today but the start time already passed.
			next = startOn(ref.AddDate(0, 0, daysAhead+7))
		}
		return next, nil

	case FrequencyMonthly:
		dom := *rule.DayOfMonth
		next := time.Date(ref.Year(), ref.Month(), dom, hour, minute, 0, 0, loc)
		if next.Before(ref) {
			year, month := ref.Year(), ref.Month()
			if month == time.December {
				year, month = year+1, time.January
			} else {
				month++
			}
			next = time.Date(year, month, dom, hour, minute, 0, 0, loc)
		}
		return next, nil
	}

	// Unreachable: Validate rejects unknown frequencies.
	return time.Time{}, configErr(rule.ID, "frequency", "unrecognized value")
}
