package document

import "time"

// DateOnly truncates t to midnight UTC. Document dates (issue, due,
// validity, occurrence) are calendar dates, never instants.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole days from one calendar date to another;
// negative when to precedes from.
func DaysBetween(from, to time.Time) int {
	return int(DateOnly(to).Sub(DateOnly(from)).Hours() / 24)
}

// AddMonths advances t by whole calendar months, clamping to the last day
// of the target month so month-end dates roll correctly
// (Jan 31 + 1 month = Feb 28, not Mar 3).
func AddMonths(t time.Time, months int) time.Time {
	t = DateOnly(t)
	firstOfTarget := time.Date(t.Year(), t.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()

	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, 0, 0, 0, 0, time.UTC)
}

// AddDays advances t by whole days.
func AddDays(t time.Time, days int) time.Time {
	return DateOnly(t).AddDate(0, 0, days)
}
