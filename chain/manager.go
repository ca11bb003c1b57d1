/*
manager.go - Chain manager: transactional recording and recomputation

PURPOSE:
  The only writer of derived state. Records completion events exactly once
  and keeps StreakState and DailyCompletion equal to what Aggregate would
  derive from the event log.

RECORD FLOW (one transaction per attempt):
  1. Key already stored?     -> abort, fresh read, AlreadyProcessed=true
  2. Append event            -> unique violation: roll back, retry once
  3. Load streak             -> user absent: roll back, ErrUserNotFound
  4. Event older than last?  -> rebuild user from the event log in-tx
     otherwise               -> NextStreak, write streak
  5. Count the event's day (capped), resolve grade, upsert daily row
  6. Commit

RETRY:
  A concurrent writer with the same key can commit between steps 1 and 2.
  The retry then takes branch 1. Attempts are bounded (default 2); a
  conflict that survives them is surfaced as ErrWriteConflict.

RECOMPUTE:
  RecomputeFromEvents holds the same transactional boundary as recording,
  so the two never interleave uncommitted for a user.
*/
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultMaxAttempts is one try plus one controlled retry.
const defaultMaxAttempts = 2

// Manager orchestrates event recording and aggregate derivation.
type Manager struct {
	store       TxStore
	grades      GradeSource
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the time source used when a completion has no timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMaxAttempts bounds write attempts for the duplicate-key race.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = max(n, 1) }
}

// NewManager creates a manager over store, resolving grades through grades.
func NewManager(store TxStore, grades GradeSource, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		grades:      grades,
		logger:      slog.Default(),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// RECORD COMPLETION
// =============================================================================

// RecordCompletion records one completion and returns the fresh aggregate.
// Submitting an already-recorded key returns the current aggregate with
// AlreadyProcessed set and changes nothing.
func (m *Manager) RecordCompletion(ctx context.Context, in CompletionInput) (RecordResult, error) {
	start := time.Now()
	defer func() { recordDuration.Observe(time.Since(start).Seconds()) }()

	if err := in.validate(); err != nil {
		completionsTotal.WithLabelValues(outcomeError).Inc()
		return RecordResult{UserID: in.UserID}, err
	}
	at := in.CompletedAt
	if at.IsZero() {
		at = m.now()
	}
	at = NormalizeUTC(at)

	for attempt := 1; ; attempt++ {
		res, err := m.recordOnce(ctx, in, at)

		var recorded *alreadyRecorded
		switch {
		case err == nil:
			return res, nil

		case errors.As(err, &recorded):
			return m.alreadyProcessed(ctx, in, recorded.event)

		case errors.Is(err, ErrDuplicateIdempotencyKey):
			completionsTotal.WithLabelValues(outcomeRaceRetry).Inc()
			if attempt >= m.maxAttempts {
				completionsTotal.WithLabelValues(outcomeError).Inc()
				return RecordResult{UserID: in.UserID}, fmt.Errorf("%w: key %q after %d attempts",
					ErrWriteConflict, in.IdempotencyKey, attempt)
			}
			m.logger.Warn("idempotency key raced with another writer, retrying",
				"user_id", in.UserID,
				"idempotency_key", in.IdempotencyKey,
				"attempt", attempt)

		case errors.Is(err, ErrUserNotFound):
			completionsTotal.WithLabelValues(outcomeUserNotFound).Inc()
			return RecordResult{UserID: in.UserID}, fmt.Errorf("record completion for user %d: %w", in.UserID, err)

		default:
			completionsTotal.WithLabelValues(outcomeError).Inc()
			m.logger.Error("record completion failed",
				"user_id", in.UserID,
				"task_id", in.TaskID,
				"error", err)
			return RecordResult{UserID: in.UserID}, err
		}
	}
}

func (m *Manager) recordOnce(ctx context.Context, in CompletionInput, at time.Time) (RecordResult, error) {
	var (
		res        RecordResult
		outOfOrder bool
	)
	err := m.store.WithTx(ctx, func(s Store) error {
		existing, err := s.FindEventByKey(ctx, in.IdempotencyKey)
		if err != nil {
			return storeErr("find event", err)
		}
		if existing != nil {
			return &alreadyRecorded{event: *existing}
		}

		ev := CompletionEvent{
			TaskID:         in.TaskID,
			UserID:         in.UserID,
			CompletedAt:    at,
			IdempotencyKey: in.IdempotencyKey,
		}
		if err := s.AppendEvent(ctx, &ev); err != nil {
			return storeErr("append event", err)
		}

		state, err := s.GetStreak(ctx, in.UserID)
		if err != nil {
			return storeErr("load streak", err)
		}
		if state == nil {
			return ErrUserNotFound
		}

		// An event older than the aggregate cannot be folded incrementally.
		if state.LastCompletedAt != nil && at.Before(*state.LastCompletedAt) {
			agg, _, err := m.rebuild(ctx, s, in.UserID)
			if err != nil {
				return err
			}
			outOfOrder = true
			res = RecordResult{
				UserID:       in.UserID,
				StreakLength: agg.Streak.CurrentStreak,
				DailyCount:   countFor(agg.Days, ev.Day()),
			}
			return nil
		}

		streak := NextStreak(state.CurrentStreak, state.LastCompletedAt, at)
		if err := s.PutStreak(ctx, StreakState{UserID: in.UserID, CurrentStreak: streak, LastCompletedAt: &at}); err != nil {
			return storeErr("write streak", err)
		}

		day := ev.Day()
		n, err := s.CountEventsOnDay(ctx, in.UserID, day)
		if err != nil {
			return storeErr("count day", err)
		}
		count := CapCount(n, m.grades.MaxActiveTaskCount())
		row := DailyCompletion{UserID: in.UserID, Date: day, CompletedCount: count, GradeID: m.grades.GradeID(count)}
		if err := s.UpsertDaily(ctx, row); err != nil {
			return storeErr("write daily", err)
		}

		res = RecordResult{UserID: in.UserID, StreakLength: streak, DailyCount: count}
		return nil
	})
	if err != nil {
		return RecordResult{}, err
	}

	res.IsLongTermChain = IsLongTermChain(res.StreakLength)
	outcome := outcomeRecorded
	if outOfOrder {
		outcome = outcomeRebuilt
	}
	completionsTotal.WithLabelValues(outcome).Inc()
	m.logger.Info("completion recorded",
		"task_id", in.TaskID,
		"user_id", in.UserID,
		"streak", res.StreakLength,
		"daily_count", res.DailyCount,
		"out_of_order", outOfOrder)
	return res, nil
}

// alreadyProcessed reads the current aggregate for a stored event outside
// the aborted write transaction.
func (m *Manager) alreadyProcessed(ctx context.Context, in CompletionInput, ev CompletionEvent) (RecordResult, error) {
	if ev.UserID != in.UserID {
		completionsTotal.WithLabelValues(outcomeError).Inc()
		return RecordResult{UserID: in.UserID}, fmt.Errorf("%w: key %q", ErrIdempotencyKeyReused, in.IdempotencyKey)
	}

	res := RecordResult{UserID: ev.UserID, AlreadyProcessed: true}
	state, err := m.store.GetStreak(ctx, ev.UserID)
	if err != nil {
		return RecordResult{UserID: in.UserID}, storeErr("load streak", err)
	}
	if state != nil {
		res.StreakLength = state.CurrentStreak
	}
	row, err := m.store.GetDaily(ctx, ev.UserID, ev.Day())
	if err != nil {
		return RecordResult{UserID: in.UserID}, storeErr("load daily", err)
	}
	if row != nil {
		res.DailyCount = row.CompletedCount
	}
	res.IsLongTermChain = IsLongTermChain(res.StreakLength)

	completionsTotal.WithLabelValues(outcomeDuplicate).Inc()
	m.logger.Debug("completion already processed",
		"user_id", ev.UserID,
		"event_id", ev.ID,
		"idempotency_key", ev.IdempotencyKey)
	return res, nil
}

// =============================================================================
// RECOMPUTE
// =============================================================================

// RecomputeFromEvents rebuilds a user's streak and daily rows from the event
// log alone. Identical event sets always produce identical aggregates.
func (m *Manager) RecomputeFromEvents(ctx context.Context, userID UserID) (RecomputeResult, error) {
	start := time.Now()
	defer func() { recomputeDuration.Observe(time.Since(start).Seconds()) }()

	if userID <= 0 {
		return RecomputeResult{}, &InputError{Field: "user_id", Reason: "must be positive"}
	}

	var res RecomputeResult
	err := m.store.WithTx(ctx, func(s Store) error {
		before, err := s.GetStreak(ctx, userID)
		if err != nil {
			return storeErr("load streak", err)
		}
		if before == nil {
			return ErrUserNotFound
		}
		beforeDays, err := s.ListDaily(ctx, userID, MinDay, MaxDay)
		if err != nil {
			return storeErr("list daily", err)
		}

		agg, events, err := m.rebuild(ctx, s, userID)
		if err != nil {
			return err
		}
		res = RecomputeResult{
			UserID:          userID,
			Events:          events,
			Days:            len(agg.Days),
			Streak:          agg.Streak.CurrentStreak,
			LastCompletedAt: agg.Streak.LastCompletedAt,
			Changed:         !before.Equal(agg.Streak) || !sameRows(beforeDays, agg.Days),
		}
		return nil
	})
	if err != nil {
		recomputeTotal.WithLabelValues("error").Inc()
		if errors.Is(err, ErrUserNotFound) {
			return RecomputeResult{UserID: userID}, fmt.Errorf("recompute user %d: %w", userID, err)
		}
		return RecomputeResult{UserID: userID}, err
	}

	result := "unchanged"
	if res.Changed {
		result = "repaired"
		m.logger.Warn("aggregate drift repaired from event log",
			"user_id", userID,
			"streak", res.Streak,
			"days", res.Days)
	}
	recomputeTotal.WithLabelValues(result).Inc()
	m.logger.Info("aggregates recomputed",
		"user_id", userID,
		"events", res.Events,
		"days", res.Days,
		"streak", res.Streak)
	return res, nil
}

// RecomputeOutcome is one user's result within RecomputeAll.
type RecomputeOutcome struct {
	UserID UserID
	Result RecomputeResult
	Err    error
}

// RecomputeAll recomputes each user with at most concurrency in flight.
// Per-user failures are reported in the outcome, not as a batch error.
func (m *Manager) RecomputeAll(ctx context.Context, userIDs []UserID, concurrency int) []RecomputeOutcome {
	out := make([]RecomputeOutcome, len(userIDs))

	var g errgroup.Group
	g.SetLimit(max(concurrency, 1))
	for i, id := range userIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i] = RecomputeOutcome{UserID: id, Err: err}
				return nil
			}
			res, err := m.RecomputeFromEvents(ctx, id)
			out[i] = RecomputeOutcome{UserID: id, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// rebuild overwrites a user's aggregates with Aggregate(events) inside s.
func (m *Manager) rebuild(ctx context.Context, s Store, userID UserID) (Aggregation, int, error) {
	events, err := s.LoadEvents(ctx, userID)
	if err != nil {
		return Aggregation{}, 0, storeErr("load events", err)
	}
	agg := Aggregate(userID, events, m.grades)
	if err := s.PutStreak(ctx, agg.Streak); err != nil {
		return Aggregation{}, 0, storeErr("write streak", err)
	}
	if err := s.ReplaceDaily(ctx, userID, agg.Days); err != nil {
		return Aggregation{}, 0, storeErr("replace daily", err)
	}
	return agg, len(events), nil
}

func countFor(rows []DailyCompletion, day Day) int {
	for _, r := range rows {
		if r.Date == day {
			return r.CompletedCount
		}
	}
	return 0
}

func sameRows(a, b []DailyCompletion) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
