package domain

import (
	"fmt"
	"strings"
	"time"
)

// DayFormat is the canonical calendar-date layout used in keys and APIs.
const DayFormat = "2006-01-02"

// DayKey identifies one cached UTC calendar day within a region scope.
type DayKey struct {
	Scope string `json:"scope"`
	Date  string `json:"date"` // YYYY-MM-DD, UTC
}

// NewDayKey builds the key of the UTC day containing t.
func NewDayKey(scope string, t time.Time) DayKey {
	return DayKey{Scope: scope, Date: FormatDay(t)}
}

// ParseDayKey parses the "<scope>/<date>" form produced by String.
func ParseDayKey(s string) (DayKey, error) {
	scope, date, ok := strings.Cut(s, "/")
	if !ok || scope == "" {
		return DayKey{}, fmt.Errorf("parse day key %q: missing scope", s)
	}
	if _, err := ParseDay(date); err != nil {
		return DayKey{}, fmt.Errorf("parse day key %q: %w", s, err)
	}
	return DayKey{Scope: scope, Date: date}, nil
}

// String returns "<scope>/<date>".
func (k DayKey) String() string {
	return k.Scope + "/" + k.Date
}

// Start returns midnight UTC of the key's day. Keys built by this package
// always carry a valid date.
func (k DayKey) Start() time.Time {
	t, _ := ParseDay(k.Date)
	return t
}

// End returns midnight UTC of the following day.
func (k DayKey) End() time.Time {
	return k.Start().AddDate(0, 0, 1)
}

// Next returns the key of the following day in the same scope.
func (k DayKey) Next() DayKey {
	return NewDayKey(k.Scope, k.End())
}

// FormatDay returns the UTC calendar date of t.
func FormatDay(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// ParseDay parses a YYYY-MM-DD date as midnight UTC.
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DayFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EnumerateDays returns midnight UTC of every day in [start, end], inclusive.
// An inverted range yields nil.
func EnumerateDays(start, end time.Time) []time.Time {
	first, last := StartOfDay(start), StartOfDay(end)
	if first.After(last) {
		return nil
	}
	days := make([]time.Time, 0, int(last.Sub(first).Hours()/24)+1)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
