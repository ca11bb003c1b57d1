package chain

import (
	"context"
	"fmt"
	"time"
)

// GetChainState is a single point read of the user's streak columns.
func (m *Manager) GetChainState(ctx context.Context, userID UserID) (ChainState, error) {
	state, err := m.store.GetStreak(ctx, userID)
	if err != nil {
		return ChainState{}, storeErr("load streak", err)
	}
	if state == nil {
		return ChainState{}, fmt.Errorf("chain state for user %d: %w", userID, ErrUserNotFound)
	}
	return ChainState{
		UserID:          userID,
		StreakLength:    state.CurrentStreak,
		LastCompletedAt: state.LastCompletedAt,
		IsLongTermChain: IsLongTermChain(state.CurrentStreak),
	}, nil
}

// GetMonthCalendar returns one entry per day of the month, ascending.
// Days without a row report zero completions and no grade.
func (m *Manager) GetMonthCalendar(ctx context.Context, userID UserID, year int, month time.Month) ([]CalendarDay, error) {
	if month < time.January || month > time.December {
		return nil, &InputError{Field: "month", Reason: "must be 1-12"}
	}
	if year < MinDay.Year || year > MaxDay.Year {
		return nil, &InputError{Field: "year", Reason: "out of range"}
	}

	first := NewDay(year, month, 1)
	n := DaysIn(year, month)
	rows, err := m.store.ListDaily(ctx, userID, first, first.AddDays(n-1))
	if err != nil {
		return nil, storeErr("list daily", err)
	}
	byDay := make(map[Day]DailyCompletion, len(rows))
	for _, r := range rows {
		byDay[r.Date] = r
	}

	days := make([]CalendarDay, n)
	for i := range n {
		d := first.AddDays(i)
		days[i] = CalendarDay{Date: d}
		if r, ok := byDay[d]; ok {
			days[i].CompletedCount = r.CompletedCount
			days[i].GradeID = r.GradeID
		}
	}
	return days, nil
}

// GetDailyCompletion returns the row for day, or a zero-count row when absent.
func (m *Manager) GetDailyCompletion(ctx context.Context, userID UserID, day Day) (DailyCompletion, error) {
	row, err := m.store.GetDaily(ctx, userID, day)
	if err != nil {
		return DailyCompletion{}, storeErr("load daily", err)
	}
	if row == nil {
		return DailyCompletion{UserID: userID, Date: day}, nil
	}
	return *row, nil
}

// MaxActiveTaskCount exposes the configured daily cap.
func (m *Manager) MaxActiveTaskCount() int {
	return clampLimit(m.grades.MaxActiveTaskCount())
}
