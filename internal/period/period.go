// Package period models the reporting window a run is computed for.
package period

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Period is an inclusive range of calendar days.
type Period struct {
	First time.Time
	Last  time.Time
}

// New returns the period [first, last] truncated to calendar days.
func New(first, last time.Time) (Period, error) {
	first, last = DateOnly(first), DateOnly(last)
	if first.IsZero() || last.IsZero() {
		return Period{}, fmt.Errorf("period bounds are required")
	}
	if last.Before(first) {
		return Period{}, fmt.Errorf("period end %s is before start %s", last.Format(dateLayout), first.Format(dateLayout))
	}
	return Period{First: first, Last: last}, nil
}

// PreviousMonth returns the calendar month before the one containing now.
func PreviousMonth(now time.Time) Period {
	firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := firstOfThis.AddDate(0, 0, -1)
	return Period{
		First: time.Date(last.Year(), last.Month(), 1, 0, 0, 0, 0, time.UTC),
		Last:  last,
	}
}

// Contains reports whether day falls inside the period, bounds included.
func (p Period) Contains(day time.Time) bool {
	if day.IsZero() {
		return false
	}
	day = DateOnly(day)
	return !day.Before(p.First) && !day.After(p.Last)
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.First.IsZero() && p.Last.IsZero()
}

// SearchFirst is the earliest search creation date that can justify a
// dispensation written inside the period.
func (p Period) SearchFirst(lookbackDays int) time.Time {
	return p.First.AddDate(0, 0, -lookbackDays)
}

// SearchLast is the day after the period, the exclusive search horizon.
func (p Period) SearchLast() time.Time {
	return p.Last.AddDate(0, 0, 1)
}

func (p Period) String() string {
	return p.First.Format(dateLayout) + ".." + p.Last.Format(dateLayout)
}

// DateOnly truncates value to midnight UTC of its calendar day.
func DateOnly(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return time.Date(value.Year(), value.Month(), value.Day(), 0, 0, 0, 0, time.UTC)
}

// Between reports whether day lies in [start, end], bounds included.
func Between(day, start, end time.Time) bool {
	if day.IsZero() || start.IsZero() || end.IsZero() {
		return false
	}
	return !day.Before(start) && !day.After(end)
}
