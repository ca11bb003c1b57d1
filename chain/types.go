/*
types.go - Core types for the completion chain engine

PURPOSE:
  Defines the raw event (CompletionEvent), the derived aggregates
  (StreakState, DailyCompletion), and the plain results returned to the
  API layer.

SOURCE OF TRUTH:
  CompletionEvent is the only source entity. StreakState and
  DailyCompletion are functions of a user's event set and carry no
  independent truth; RecomputeFromEvents can always rebuild them.

SEE ALSO:
  - store.go: persistence contracts for these types
  - manager.go: the only writer of derived state
*/
package chain

import "time"

type (
	UserID  int64
	TaskID  int64
	EventID int64
)

const (
	// StreakWindow is the longest gap between completions that keeps a chain alive.
	StreakWindow = 48 * time.Hour

	// LongTermChainDays is the streak length that counts as a long-term chain.
	LongTermChainDays = 7

	// MaxIdempotencyKeyLen matches the column width of the event store.
	MaxIdempotencyKeyLen = 255
)

// =============================================================================
// RAW EVENT
// =============================================================================

// CompletionEvent is one logical task completion. Immutable once written.
type CompletionEvent struct {
	ID             EventID // assigned by the store, monotonic
	TaskID         TaskID
	UserID         UserID
	CompletedAt    time.Time // UTC
	IdempotencyKey string
	CreatedAt      time.Time
}

// Day returns the UTC day the event counts towards.
func (e CompletionEvent) Day() Day { return DayOf(e.CompletedAt) }

// =============================================================================
// DERIVED STATE
// =============================================================================

// StreakState is the per-user chain, denormalized onto the user record.
type StreakState struct {
	UserID          UserID
	CurrentStreak   int
	LastCompletedAt *time.Time
}

// Equal reports whether two states hold the same values.
func (s StreakState) Equal(o StreakState) bool {
	if s.UserID != o.UserID || s.CurrentStreak != o.CurrentStreak {
		return false
	}
	if s.LastCompletedAt == nil || o.LastCompletedAt == nil {
		return s.LastCompletedAt == nil && o.LastCompletedAt == nil
	}
	return s.LastCompletedAt.Equal(*o.LastCompletedAt)
}

// DailyCompletion is the per-user, per-day completion count and its sticker grade.
type DailyCompletion struct {
	UserID         UserID
	Date           Day
	CompletedCount int
	GradeID        *int
}

// Equal reports whether two rows hold the same values.
func (d DailyCompletion) Equal(o DailyCompletion) bool {
	if d.UserID != o.UserID || d.Date != o.Date || d.CompletedCount != o.CompletedCount {
		return false
	}
	if d.GradeID == nil || o.GradeID == nil {
		return d.GradeID == nil && o.GradeID == nil
	}
	return *d.GradeID == *o.GradeID
}

// User mirrors the identity subsystem's user just enough to carry streak columns.
type User struct {
	ID        UserID
	Name      string
	CreatedAt time.Time
}

// =============================================================================
// OPERATION INPUTS / RESULTS
// =============================================================================

// CompletionInput is a request to record one completion.
type CompletionInput struct {
	TaskID         TaskID
	UserID         UserID
	CompletedAt    time.Time // zero means "now"
	IdempotencyKey string
}

func (in CompletionInput) validate() error {
	switch {
	case in.UserID <= 0:
		return &InputError{Field: "user_id", Reason: "must be positive"}
	case in.TaskID <= 0:
		return &InputError{Field: "task_id", Reason: "must be positive"}
	case in.IdempotencyKey == "":
		return &InputError{Field: "idempotency_key", Reason: "required"}
	case len(in.IdempotencyKey) > MaxIdempotencyKeyLen:
		return &InputError{Field: "idempotency_key", Reason: "too long"}
	}
	return nil
}

// RecordResult is the fresh aggregate after a completion was recorded (or found).
type RecordResult struct {
	UserID           UserID
	StreakLength     int
	IsLongTermChain  bool
	DailyCount       int
	AlreadyProcessed bool
}

// ChainState is the point read of a user's streak.
type ChainState struct {
	UserID          UserID
	StreakLength    int
	LastCompletedAt *time.Time
	IsLongTermChain bool
}

// CalendarDay is one entry of a month calendar.
type CalendarDay struct {
	Date           Day
	CompletedCount int
	GradeID        *int
}

// RecomputeResult describes one full re-derivation.
type RecomputeResult struct {
	UserID          UserID
	Events          int
	Days            int
	Streak          int
	LastCompletedAt *time.Time
	Changed         bool // persisted aggregates differed from the event log
}

// IsLongTermChain reports whether a streak length qualifies as long-term.
func IsLongTermChain(streak int) bool { return streak >= LongTermChainDays }
