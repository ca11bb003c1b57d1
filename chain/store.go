/*
store.go - Persistence contracts for events and derived aggregates

PURPOSE:
  Defines the interface between the chain manager and the datastore.

  Event store (append-only):
    AppendEvent, FindEventByKey, LoadEvents, CountEventsOnDay
    NO update or delete of events exists.

  Aggregate store (derived, overwritable):
    GetStreak/PutStreak  - user row columns
    GetDaily/UpsertDaily - one row per (user, day)
    ReplaceDaily         - recompute writes the exact row set
    ListDaily            - calendar reads

IDEMPOTENCY:
  AppendEvent must return ErrDuplicateIdempotencyKey when the unique
  constraint on the key rejects the insert. The manager relies on this as
  the concurrency backstop for same-key races.

TRANSACTIONS:
  TxStore.WithTx runs fn against a Store view bound to one transaction.
  Returning an error from fn rolls everything back.

IMPLEMENTATIONS:
  - store/sqlite: SQLite (production)
  - store/memory: in-memory with snapshot rollback (tests, dev)
*/
package chain

import (
	"context"
	"time"
)

// Store persists completion events and the aggregates derived from them.
type Store interface {
	// AppendEvent inserts ev and sets ev.ID. Returns ErrDuplicateIdempotencyKey
	// if the key exists and ErrUserNotFound if the user does not.
	AppendEvent(ctx context.Context, ev *CompletionEvent) error

	// FindEventByKey returns nil, nil when no event has the key.
	FindEventByKey(ctx context.Context, key string) (*CompletionEvent, error)

	// LoadEvents returns all events for a user ordered by CompletedAt, then ID.
	LoadEvents(ctx context.Context, userID UserID) ([]CompletionEvent, error)

	// CountEventsOnDay counts the user's events whose CompletedAt falls on day.
	CountEventsOnDay(ctx context.Context, userID UserID, day Day) (int, error)

	// GetStreak returns nil, nil when the user does not exist.
	GetStreak(ctx context.Context, userID UserID) (*StreakState, error)

	// PutStreak returns ErrUserNotFound when the user does not exist.
	PutStreak(ctx context.Context, state StreakState) error

	// GetDaily returns nil, nil when no row exists for the day.
	GetDaily(ctx context.Context, userID UserID, day Day) (*DailyCompletion, error)

	UpsertDaily(ctx context.Context, row DailyCompletion) error

	// ReplaceDaily makes rows the user's complete set of daily rows.
	ReplaceDaily(ctx context.Context, userID UserID, rows []DailyCompletion) error

	// ListDaily returns rows in [from, to], ascending by date.
	ListDaily(ctx context.Context, userID UserID, from, to Day) ([]DailyCompletion, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. Error from fn rolls back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// StreakReader is the narrow read used by collaborators that only need streaks.
type StreakReader interface {
	GetStreak(ctx context.Context, userID UserID) (*StreakState, error)
}

// =============================================================================
// ANALYTICS LOG
// =============================================================================

// AnalyticsStore persists app analytics events. Append-only.
type AnalyticsStore interface {
	AppendAnalytics(ctx context.Context, ev AnalyticsEvent) error

	// HasActivitySince reports whether any analytics event exists at or after since.
	HasActivitySince(ctx context.Context, userID UserID, since time.Time) (bool, error)
}
