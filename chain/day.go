/*
day.go - UTC calendar day and the timestamp boundary

PURPOSE:
  Every aggregate in this engine is keyed by a UTC calendar day, and every
  timestamp that enters the engine is normalized to UTC exactly once, here.
  The streak calculator and the aggregators never see zoned values.

NAIVE TIMESTAMPS:
  Clients sometimes send "2024-05-01T10:00:00" with no offset. ParseTimestamp
  treats such values as UTC wall-clock time rather than server-local time.

SEE ALSO:
  - streak.go: consumes normalized timestamps
  - manager.go: applies NormalizeUTC at every entry point
*/
package chain

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TIMESTAMP BOUNDARY
// =============================================================================

// NormalizeUTC converts t to UTC. It is the only place zone handling happens.
func NormalizeUTC(t time.Time) time.Time {
	return t.UTC()
}

// naiveLayouts are accepted for timestamps without an offset; they parse as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp parses an RFC3339 timestamp, or a naive one interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return NormalizeUTC(t), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NormalizeUTC(t), nil
		}
	}
	return time.Time{}, &InputError{Field: "completed_at", Reason: fmt.Sprintf("unrecognized timestamp %q", s)}
}

// =============================================================================
// DAY - UTC calendar day
// =============================================================================

// Day is a calendar day in UTC. The zero value is not a valid day.
type Day struct {
	Year  int
	Month time.Month
	Dom   int
}

var (
	// MinDay and MaxDay bound full-range scans.
	MinDay = Day{Year: 1, Month: time.January, Dom: 1}
	MaxDay = Day{Year: 9999, Month: time.December, Dom: 31}
)

// NewDay builds a day, normalizing overflow the way time.Date does.
func NewDay(year int, month time.Month, dom int) Day {
	return DayOf(time.Date(year, month, dom, 0, 0, 0, 0, time.UTC))
}

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) Day {
	u := t.UTC()
	return Day{Year: u.Year(), Month: u.Month(), Dom: u.Day()}
}

// ParseDay parses "2006-01-02".
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Day{}, &InputError{Field: "date", Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
	}
	return DayOf(t), nil
}

// Start returns midnight UTC at the beginning of the day.
func (d Day) Start() time.Time {
	return time.Date(d.Year, d.Month, d.Dom, 0, 0, 0, 0, time.UTC)
}

func (d Day) AddDays(n int) Day         { return DayOf(d.Start().AddDate(0, 0, n)) }
func (d Day) Next() Day                 { return d.AddDays(1) }
func (d Day) IsZero() bool              { return d == Day{} }
func (d Day) Before(o Day) bool         { return d.Start().Before(o.Start()) }
func (d Day) After(o Day) bool          { return d.Start().After(o.Start()) }
func (d Day) String() string            { return d.Start().Format(time.DateOnly) }
func (d Day) Compare(o Day) int         { return d.Start().Compare(o.Start()) }
func (d Day) Contains(t time.Time) bool { return DayOf(t) == d }

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
