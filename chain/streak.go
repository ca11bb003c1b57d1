/*
streak.go - Streak calculator and the pure aggregation fold

STREAK RULE (W = 48h):
  - no previous completion, or gap > W     -> 1 (first completion / break)
  - later UTC day than previous, gap <= W  -> previous + 1
  - same UTC day, gap <= W                 -> previous (unchanged)

  The rule counts day-boundary crossings, not elapsed days: a 47h gap from
  late Monday to early Wednesday still adds exactly one.

AGGREGATION:
  Aggregate folds an event set into the streak state and the daily rows.
  It is the definition of what the derived tables must contain; the
  incremental write path must always agree with it.
*/
package chain

import (
	"sort"
	"time"
)

// NextStreak computes the streak after a completion at next. Inputs must be UTC.
func NextStreak(previous int, last *time.Time, next time.Time) int {
	if last == nil || next.Sub(*last) > StreakWindow {
		return 1
	}
	if DayOf(next).After(DayOf(*last)) {
		return previous + 1
	}
	return previous
}

// GradeSource maps a daily count to a sticker grade id.
// *sticker.Resolver satisfies it.
type GradeSource interface {
	GradeID(count int) *int
	MaxActiveTaskCount() int
}

// Aggregation is the derived state for one user's event set.
type Aggregation struct {
	Streak StreakState
	Days   []DailyCompletion // ascending by date, only days with events
}

// SortEvents orders events by completion time, then by id.
func SortEvents(events []CompletionEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CompletedAt.Equal(events[j].CompletedAt) {
			return events[i].CompletedAt.Before(events[j].CompletedAt)
		}
		return events[i].ID < events[j].ID
	})
}

// Aggregate derives streak and daily rows from events. Pure; the input is not modified.
func Aggregate(userID UserID, events []CompletionEvent, grades GradeSource) Aggregation {
	ordered := make([]CompletionEvent, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	limit := clampLimit(grades.MaxActiveTaskCount())
	counts := make(map[Day]int)
	var days []Day
	for _, e := range ordered {
		d := e.Day()
		if _, seen := counts[d]; !seen {
			days = append(days, d)
		}
		counts[d] = min(counts[d]+1, limit)
	}

	streak := 0
	var last *time.Time
	for _, e := range ordered {
		at := NormalizeUTC(e.CompletedAt)
		streak = NextStreak(streak, last, at)
		last = &at
	}

	agg := Aggregation{
		Streak: StreakState{UserID: userID, CurrentStreak: streak, LastCompletedAt: last},
		Days:   make([]DailyCompletion, 0, len(days)),
	}
	for _, d := range days {
		agg.Days = append(agg.Days, DailyCompletion{
			UserID:         userID,
			Date:           d,
			CompletedCount: counts[d],
			GradeID:        grades.GradeID(counts[d]),
		})
	}
	return agg
}

// CapCount clamps a raw event count to [0, limit].
func CapCount(count, limit int) int {
	return min(max(count, 0), clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	return limit
}
