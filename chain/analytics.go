/*
analytics.go - App analytics log used to validate chain success criteria

EVENTS:
  calendar_view    - calendar rendered; carries the displayed chain length
  sticker_exposed  - a sticker was shown; carries the grade id
  app_paused       - app backgrounded; carries dwell time since last completion
  app_terminate    - app closed; same payload as app_paused
  app_enter        - app opened

ACTIVE USER:
  A user is active when they completed a task, or logged any analytics
  event, within the last N days (default 7).
*/
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// AnalyticsKind names an analytics event type.
type AnalyticsKind string

const (
	KindCalendarView   AnalyticsKind = "calendar_view"
	KindAppPaused      AnalyticsKind = "app_paused"
	KindAppTerminate   AnalyticsKind = "app_terminate"
	KindAppEnter       AnalyticsKind = "app_enter"
	KindStickerExposed AnalyticsKind = "sticker_exposed"
)

// ActiveUserDays is the default look-back for IsActiveUser.
const ActiveUserDays = 7

// AnalyticsEvent is one row of the analytics log.
type AnalyticsEvent struct {
	ID       int64
	UserID   UserID
	Kind     AnalyticsKind
	At       time.Time
	Metadata map[string]any
}

// Analytics records app events alongside the chain.
type Analytics struct {
	events  AnalyticsStore
	streaks StreakReader
	logger  *slog.Logger
	now     func() time.Time
}

// NewAnalytics creates the analytics service.
func NewAnalytics(events AnalyticsStore, streaks StreakReader, logger *slog.Logger) *Analytics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analytics{events: events, streaks: streaks, logger: logger, now: time.Now}
}

// WithClock replaces the time source and returns a.
func (a *Analytics) WithClock(now func() time.Time) *Analytics {
	a.now = now
	return a
}

// RecordCalendarView logs a calendar_view with the chain length the client displayed.
func (a *Analytics) RecordCalendarView(ctx context.Context, userID UserID, chainLength int) error {
	if chainLength < 0 {
		return &InputError{Field: "chain_length", Reason: "must be non-negative"}
	}
	return a.append(ctx, AnalyticsEvent{
		UserID:   userID,
		Kind:     KindCalendarView,
		At:       NormalizeUTC(a.now()),
		Metadata: map[string]any{"chain_length": chainLength},
	})
}

// RecordStickerExposed logs the grade id a client rendered.
func (a *Analytics) RecordStickerExposed(ctx context.Context, userID UserID, gradeID int) error {
	if gradeID < 0 {
		return &InputError{Field: "sticker_grade_id", Reason: "must be non-negative"}
	}
	return a.append(ctx, AnalyticsEvent{
		UserID:   userID,
		Kind:     KindStickerExposed,
		At:       NormalizeUTC(a.now()),
		Metadata: map[string]any{"sticker_grade_id": gradeID},
	})
}

// RecordAppEnter logs the app coming to the foreground.
func (a *Analytics) RecordAppEnter(ctx context.Context, userID UserID) error {
	return a.append(ctx, AnalyticsEvent{
		UserID:   userID,
		Kind:     KindAppEnter,
		At:       NormalizeUTC(a.now()),
		Metadata: map[string]any{},
	})
}

// RecordLifecycle logs app_paused/app_terminate with the dwell time in
// milliseconds since the user's last completion. Dwell is nil when the user
// has never completed a task. A zero occurredAt means now.
func (a *Analytics) RecordLifecycle(ctx context.Context, userID UserID, kind AnalyticsKind, occurredAt time.Time) (*int64, error) {
	if kind != KindAppPaused && kind != KindAppTerminate {
		return nil, &InputError{Field: "event_type", Reason: "must be app_paused or app_terminate"}
	}
	if occurredAt.IsZero() {
		occurredAt = a.now()
	}
	occurredAt = NormalizeUTC(occurredAt)

	state, err := a.streaks.GetStreak(ctx, userID)
	if err != nil {
		return nil, storeErr("load streak", err)
	}
	var dwell *int64
	if state != nil && state.LastCompletedAt != nil {
		ms := occurredAt.Sub(*state.LastCompletedAt).Milliseconds()
		dwell = &ms
	}

	meta := map[string]any{"dwell_time_ms": nil}
	if dwell != nil {
		meta["dwell_time_ms"] = *dwell
	}
	if err := a.append(ctx, AnalyticsEvent{UserID: userID, Kind: kind, At: occurredAt, Metadata: meta}); err != nil {
		return nil, err
	}
	return dwell, nil
}

// IsActiveUser reports activity within withinDays (ActiveUserDays when <= 0).
func (a *Analytics) IsActiveUser(ctx context.Context, userID UserID, withinDays int) (bool, error) {
	if withinDays <= 0 {
		withinDays = ActiveUserDays
	}
	since := NormalizeUTC(a.now()).AddDate(0, 0, -withinDays)

	state, err := a.streaks.GetStreak(ctx, userID)
	if err != nil {
		return false, storeErr("load streak", err)
	}
	if state != nil && state.LastCompletedAt != nil && !state.LastCompletedAt.Before(since) {
		return true, nil
	}
	active, err := a.events.HasActivitySince(ctx, userID, since)
	if err != nil {
		return false, storeErr("query analytics", err)
	}
	return active, nil
}

func (a *Analytics) append(ctx context.Context, ev AnalyticsEvent) error {
	if ev.UserID <= 0 {
		return &InputError{Field: "user_id", Reason: "must be positive"}
	}
	if err := a.events.AppendAnalytics(ctx, ev); err != nil {
		return fmt.Errorf("append %s: %w", ev.Kind, storeErr("append analytics", err))
	}
	a.logger.Info("analytics event",
		"user_id", ev.UserID,
		"kind", ev.Kind,
		"metadata", ev.Metadata)
	return nil
}
