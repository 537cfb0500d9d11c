package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RecurrenceUnit is the cadence unit of a recurring maintenance window.
type RecurrenceUnit string

const (
	UnitHours  RecurrenceUnit = "hours"
	UnitDays   RecurrenceUnit = "days"
	UnitWeeks  RecurrenceUnit = "weeks"
	UnitMonths RecurrenceUnit = "months"
	UnitYears  RecurrenceUnit = "years"
)

// RecurrenceSpec describes "every N units at hour:minute", optionally pinned
// to a day of week (weeks) or day of month (months/years).
type RecurrenceSpec struct {
	Interval   int            `json:"interval"`
	Unit       RecurrenceUnit `json:"unit"`
	Hour       int            `json:"hour"`
	Minute     int            `json:"minute"`
	DayOfWeek  *int           `json:"day_of_week,omitempty"`  // 0=Sunday .. 6=Saturday
	DayOfMonth *int           `json:"day_of_month,omitempty"` // 1..31, clamped to month length
}

// Validate rejects malformed specs at window creation time.
func (r RecurrenceSpec) Validate() error {
	if r.Interval < 1 {
		return errors.New("recurrence interval must be at least 1")
	}
	switch RecurrenceUnit(strings.ToLower(string(r.Unit))) {
	case UnitHours, UnitDays, UnitWeeks, UnitMonths, UnitYears:
	default:
		return fmt.Errorf("unknown recurrence unit %q", r.Unit)
	}
	if r.Hour < 0 || r.Hour > 23 {
		return errors.New("recurrence hour must be in 0..23")
	}
	if r.Minute < 0 || r.Minute > 59 {
		return errors.New("recurrence minute must be in 0..59")
	}
	if r.DayOfWeek != nil && (*r.DayOfWeek < 0 || *r.DayOfWeek > 6) {
		return errors.New("recurrence day_of_week must be in 0..6")
	}
	if r.DayOfMonth != nil && (*r.DayOfMonth < 1 || *r.DayOfMonth > 31) {
		return errors.New("recurrence day_of_month must be in 1..31")
	}
	return nil
}

// NextExecutions returns the next n occurrences of the spec strictly after
// from, in increasing order. The function is pure: no wall-clock access, so
// scheduling is unit-testable without time mocking.
func NextExecutions(spec RecurrenceSpec, from time.Time, n int) []time.Time {
	if n <= 0 || spec.Validate() != nil {
		return nil
	}

	out := make([]time.Time, 0, n)
	next := firstAfter(spec, from)
	for len(out) < n {
		out = append(out, next)
		next = advance(spec, next)
	}
	return out
}

// firstAfter finds the earliest occurrence strictly after from.
func firstAfter(spec RecurrenceSpec, from time.Time) time.Time {
	loc := from.Location()

	switch spec.Unit {
	case UnitHours:
		// Only the minute is pinned; the hour field is meaningless at an
		// hourly cadence.
		cand := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), spec.Minute, 0, 0, loc)
		for !cand.After(from) {
			cand = cand.Add(time.Duration(spec.Interval) * time.Hour)
		}
		return cand

	case UnitDays:
		cand := time.Date(from.Year(), from.Month(), from.Day(), spec.Hour, spec.Minute, 0, 0, loc)
		for !cand.After(from) {
			cand = cand.AddDate(0, 0, spec.Interval)
		}
		return cand

	case UnitWeeks:
		weekday := int(from.Weekday())
		if spec.DayOfWeek != nil {
			weekday = *spec.DayOfWeek
		}
		cand := time.Date(from.Year(), from.Month(), from.Day(), spec.Hour, spec.Minute, 0, 0, loc)
		for int(cand.Weekday()) != weekday {
			cand = cand.AddDate(0, 0, 1)
		}
		for !cand.After(from) {
			cand = cand.AddDate(0, 0, 7*spec.Interval)
		}
		return cand

	case UnitMonths:
		day := from.Day()
		if spec.DayOfMonth != nil {
			day = *spec.DayOfMonth
		}
		// Calendar-pinned cadences anchor at the next pinned day, not at
		// an interval grid: "every 2 months on the 1st" created mid-March
		// first fires April 1st, then every two months from there.
		cand := monthOccurrence(from.Year(), from.Month(), day, spec.Hour, spec.Minute, loc)
		for !cand.After(from) {
			cand = addMonthsClamped(cand, 1, day)
		}
		return cand

	case UnitYears:
		day := from.Day()
		if spec.DayOfMonth != nil {
			day = *spec.DayOfMonth
		}
		cand := monthOccurrence(from.Year(), from.Month(), day, spec.Hour, spec.Minute, loc)
		for !cand.After(from) {
			cand = monthOccurrence(cand.Year()+1, from.Month(), day, spec.Hour, spec.Minute, loc)
		}
		return cand
	}

	return from
}

// advance computes the occurrence after prev.
func advance(spec RecurrenceSpec, prev time.Time) time.Time {
	switch spec.Unit {
	case UnitHours:
		return prev.Add(time.Duration(spec.Interval) * time.Hour)
	case UnitDays:
		return prev.AddDate(0, 0, spec.Interval)
	case UnitWeeks:
		return prev.AddDate(0, 0, 7*spec.Interval)
	case UnitMonths:
		day := prev.Day()
		if spec.DayOfMonth != nil {
			day = *spec.DayOfMonth
		}
		return addMonthsClamped(prev, spec.Interval, day)
	case UnitYears:
		day := prev.Day()
		if spec.DayOfMonth != nil {
			day = *spec.DayOfMonth
		}
		return monthOccurrence(prev.Year()+spec.Interval, prev.Month(), day, spec.Hour, spec.Minute, prev.Location())
	}
	return prev
}

// monthOccurrence builds the occurrence in the given year/month, clamping
// the day to the month's length (Jan 31 + 1 month -> Feb 28/29, never Mar).
func monthOccurrence(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

// addMonthsClamped moves t forward by n months, restoring the requested day
// where the target month allows it.
func addMonthsClamped(t time.Time, n, day int) time.Time {
	year, month := t.Year(), int(t.Month())-1+n
	year += month / 12
	month = month % 12
	return monthOccurrence(year, time.Month(month+1), day, t.Hour(), t.Minute(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
