package scheduler

import (
	"fmt"
	"time"

	"reportflow/internal/domain"
)

// ParseClock parses a 24h "HH:MM" time of day.
func ParseClock(hhmm string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", hhmm)
	}
	return t.Hour(), t.Minute(), nil
}

// ValidateRecurrence checks that day and hhmm are meaningful for freq.
func ValidateRecurrence(freq domain.Frequency, day int, hhmm string) error {
	if _, _, err := ParseClock(hhmm); err != nil {
		return err
	}
	switch freq {
	case domain.Daily:
		return nil
	case domain.Weekly:
		if day < 0 || day > 6 {
			return fmt.Errorf("weekly day must be 0-6 (Sunday=0), got %d", day)
		}
		return nil
	case domain.Monthly:
		if day < 1 || day > 31 {
			return fmt.Errorf("monthly day must be 1-31, got %d", day)
		}
		return nil
	default:
		return fmt.Errorf("unknown frequency %q", freq)
	}
}

// CalculateNextRun returns the first occurrence of the recurrence strictly
// after now, in now's location. For weekly recurrences day is a weekday with
// Sunday=0; for monthly recurrences it is a day of month, clamped to the last
// day of the month it lands in.
func CalculateNextRun(freq domain.Frequency, day int, hhmm string, now time.Time) (time.Time, error) {
	if err := ValidateRecurrence(freq, day, hhmm); err != nil {
		return time.Time{}, err
	}
	hour, minute, _ := ParseClock(hhmm)
	loc := now.Location()
	y, m, d := now.Date()

	switch freq {
	case domain.Daily:
		next := time.Date(y, m, d, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, m, d+1, hour, minute, 0, 0, loc)
		}
		return next, nil

	case domain.Weekly:
		offset := (day - int(now.Weekday()) + 7) % 7
		next := time.Date(y, m, d+offset, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, m, d+offset+7, hour, minute, 0, 0, loc)
		}
		return next, nil

	default:
		next := time.Date(y, m, clampDay(y, m, day), hour, minute, 0, 0, loc)
		if !next.After(now) {
			ny, nm, _ := time.Date(y, m+1, 1, 0, 0, 0, 0, loc).Date()
			next = time.Date(ny, nm, clampDay(ny, nm, day), hour, minute, 0, 0, loc)
		}
		return next, nil
	}
}

func clampDay(y int, m time.Month, day int) int {
	last := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
