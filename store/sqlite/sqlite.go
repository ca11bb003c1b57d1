/*
Package sqlite provides a SQLite-backed implementation of the chain stores.

PURPOSE:
  Implements chain.TxStore (events + aggregates) and chain.AnalyticsStore,
  plus the user mirror and recompute run records used by the API layer. In
  production the same schema applies to PostgreSQL with minor dialect
  changes.

KEY TABLES:
  users:              identity mirror + denormalized streak columns
  completion_events:  append-only raw event log (UNIQUE idempotency_key)
  daily_completions:  derived per-day counts (UNIQUE user_id, date)
  analytics_events:   app analytics log
  recompute_runs:     scheduled/manual recompute records

INDEXES:
  - completion_events.idempotency_key UNIQUE: the same-key race backstop
  - idx_events_user_time: replay order and day counts (hot path)
  - daily_completions(user_id, date) UNIQUE: calendar reads and upserts

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement touches completion_events.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

CONCURRENCY:
  Uses sync.RWMutex so one write transaction runs at a time, which stands
  in for row-level locking on the user row. With PostgreSQL, SELECT ... FOR
  UPDATE on the user row plays this role instead.

USAGE:
  store, err := sqlite.New("./data/chain.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  manager := chain.NewManager(store, resolver)

SEE ALSO:
  - chain/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/chain-engine/chain"
)

// timestampLayout is fixed width; every stored time is UTC.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the chain storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"recompute_runs", "analytics_events", "daily_completions", "completion_events", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Identity mirror; streak columns are derived state
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		current_streak INTEGER NOT NULL DEFAULT 0,
		last_completed_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Completion events (append-only)
	CREATE TABLE IF NOT EXISTS completion_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		completed_at TEXT NOT NULL,
		completed_day TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_user_time
		ON completion_events(user_id, completed_at, id);
	CREATE INDEX IF NOT EXISTS idx_events_user_day
		ON completion_events(user_id, completed_day);
	CREATE INDEX IF NOT EXISTS idx_events_task
		ON completion_events(task_id);

	-- Daily aggregates (derived)
	CREATE TABLE IF NOT EXISTS daily_completions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		date TEXT NOT NULL,
		completed_count INTEGER NOT NULL,
		sticker_grade_id INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, date)
	);

	-- Analytics log
	CREATE TABLE IF NOT EXISTS analytics_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		event_at TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_analytics_user_time
		ON analytics_events(user_id, event_at);
	CREATE INDEX IF NOT EXISTS idx_analytics_type
		ON analytics_events(event_type);

	-- Recompute runs (scheduled drift repair)
	CREATE TABLE IF NOT EXISTS recompute_runs (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		changed BOOLEAN DEFAULT FALSE,
		events INTEGER DEFAULT 0,
		streak INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recompute_runs_user
		ON recompute_runs(user_id);
	CREATE INDEX IF NOT EXISTS idx_recompute_runs_status
		ON recompute_runs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (chain.Store)
// =============================================================================

// AppendEvent adds a completion event to the log.
func (s *Store) AppendEvent(ctx context.Context, ev *chain.CompletionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(ctx, s.db, ev)
}

func appendEvent(ctx context.Context, q querier, ev *chain.CompletionEvent) error {
	at := chain.NormalizeUTC(ev.CompletedAt)
	created := time.Now().UTC()

	res, err := q.ExecContext(ctx, `
		INSERT INTO completion_events
		(task_id, user_id, completed_at, completed_day, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ev.TaskID,
		ev.UserID,
		formatTime(at),
		chain.DayOf(at).String(),
		ev.IdempotencyKey,
		formatTime(created),
	)
	if err != nil {
		switch {
		case isConstraint(err, sqlite3.ErrConstraintUnique):
			return chain.ErrDuplicateIdempotencyKey
		case isConstraint(err, sqlite3.ErrConstraintForeignKey):
			return chain.ErrUserNotFound
		}
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	ev.ID = chain.EventID(id)
	ev.CompletedAt = at
	ev.CreatedAt = created
	return nil
}

const eventColumns = `id, task_id, user_id, completed_at, idempotency_key, created_at`

// FindEventByKey looks an event up by idempotency key.
func (s *Store) FindEventByKey(ctx context.Context, key string) (*chain.CompletionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findEventByKey(ctx, s.db, key)
}

func findEventByKey(ctx context.Context, q querier, key string) (*chain.CompletionEvent, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM completion_events WHERE idempotency_key = ?", key)
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	ev, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// LoadEvents returns all events for a user in replay order.
func (s *Store) LoadEvents(ctx context.Context, userID chain.UserID) ([]chain.CompletionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEvents(ctx, s.db, userID)
}

func loadEvents(ctx context.Context, q querier, userID chain.UserID) ([]chain.CompletionEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM completion_events
		WHERE user_id = ?
		ORDER BY completed_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []chain.CompletionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEventsOnDay counts a user's events on one UTC day.
func (s *Store) CountEventsOnDay(ctx context.Context, userID chain.UserID, day chain.Day) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countEventsOnDay(ctx, s.db, userID, day)
}

func countEventsOnDay(ctx context.Context, q querier, userID chain.UserID, day chain.Day) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM completion_events WHERE user_id = ? AND completed_day = ?",
		userID, day.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func scanEvent(rows *sql.Rows) (chain.CompletionEvent, error) {
	var (
		ev          chain.CompletionEvent
		completedAt string
		createdAt   string
	)
	if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.UserID, &completedAt, &ev.IdempotencyKey, &createdAt); err != nil {
		return ev, fmt.Errorf("failed to scan event: %w", err)
	}
	var err error
	if ev.CompletedAt, err = parseTime(completedAt); err != nil {
		return ev, err
	}
	ev.CreatedAt, _ = parseTime(createdAt)
	return ev, nil
}

// =============================================================================
// AGGREGATE STORE (chain.Store)
// =============================================================================

// GetStreak reads the streak columns of the user row.
func (s *Store) GetStreak(ctx context.Context, userID chain.UserID) (*chain.StreakState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getStreak(ctx, s.db, userID)
}

func getStreak(ctx context.Context, q querier, userID chain.UserID) (*chain.StreakState, error) {
	var (
		state chain.StreakState
		last  sql.NullString
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, current_streak, last_completed_at FROM users WHERE id = ?", userID,
	).Scan(&state.UserID, &state.CurrentStreak, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query streak: %w", err)
	}
	if last.Valid {
		t, err := parseTime(last.String)
		if err != nil {
			return nil, err
		}
		state.LastCompletedAt = &t
	}
	return &state, nil
}

// PutStreak writes the streak columns of the user row.
func (s *Store) PutStreak(ctx context.Context, state chain.StreakState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putStreak(ctx, s.db, state)
}

func putStreak(ctx context.Context, q querier, state chain.StreakState) error {
	var last sql.NullString
	if state.LastCompletedAt != nil {
		last = sql.NullString{String: formatTime(*state.LastCompletedAt), Valid: true}
	}
	res, err := q.ExecContext(ctx,
		"UPDATE users SET current_streak = ?, last_completed_at = ? WHERE id = ?",
		state.CurrentStreak, last, state.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to update streak: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update streak: %w", err)
	}
	if n == 0 {
		return chain.ErrUserNotFound
	}
	return nil
}

// GetDaily reads one daily row.
func (s *Store) GetDaily(ctx context.Context, userID chain.UserID, day chain.Day) (*chain.DailyCompletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDaily(ctx, s.db, userID, day)
}

func getDaily(ctx context.Context, q querier, userID chain.UserID, day chain.Day) (*chain.DailyCompletion, error) {
	rows, err := queryDaily(ctx, q,
		"SELECT user_id, date, completed_count, sticker_grade_id FROM daily_completions WHERE user_id = ? AND date = ?",
		userID, day.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpsertDaily inserts or overwrites one daily row.
func (s *Store) UpsertDaily(ctx context.Context, row chain.DailyCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertDaily(ctx, s.db, row)
}

func upsertDaily(ctx context.Context, q querier, row chain.DailyCompletion) error {
	now := formatTime(time.Now())
	_, err := q.ExecContext(ctx, `
		INSERT INTO daily_completions (user_id, date, completed_count, sticker_grade_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET
			completed_count = excluded.completed_count,
			sticker_grade_id = excluded.sticker_grade_id,
			updated_at = excluded.updated_at
	`, row.UserID, row.Date.String(), row.CompletedCount, nullInt(row.GradeID), now, now)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return chain.ErrUserNotFound
		}
		return fmt.Errorf("failed to upsert daily completion: %w", err)
	}
	return nil
}

// ReplaceDaily makes rows the user's complete set of daily rows.
// Only safe inside WithTx; outside it the delete and inserts are not atomic.
func (s *Store) ReplaceDaily(ctx context.Context, userID chain.UserID, rows []chain.DailyCompletion) error {
	return s.WithTx(ctx, func(tx chain.Store) error {
		return tx.ReplaceDaily(ctx, userID, rows)
	})
}

func replaceDaily(ctx context.Context, q querier, userID chain.UserID, rows []chain.DailyCompletion) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM daily_completions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to clear daily completions: %w", err)
	}
	for _, row := range rows {
		row.UserID = userID
		if err := upsertDaily(ctx, q, row); err != nil {
			return err
		}
	}
	return nil
}

// ListDaily returns daily rows in [from, to].
func (s *Store) ListDaily(ctx context.Context, userID chain.UserID, from, to chain.Day) ([]chain.DailyCompletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDaily(ctx, s.db, userID, from, to)
}

func listDaily(ctx context.Context, q querier, userID chain.UserID, from, to chain.Day) ([]chain.DailyCompletion, error) {
	return queryDaily(ctx, q, `
		SELECT user_id, date, completed_count, sticker_grade_id
		FROM daily_completions
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, userID, from.String(), to.String())
}

func queryDaily(ctx context.Context, q querier, query string, args ...any) ([]chain.DailyCompletion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily completions: %w", err)
	}
	defer rows.Close()

	var out []chain.DailyCompletion
	for rows.Next() {
		var (
			row   chain.DailyCompletion
			date  string
			grade sql.NullInt64
		)
		if err := rows.Scan(&row.UserID, &date, &row.CompletedCount, &grade); err != nil {
			return nil, fmt.Errorf("failed to scan daily completion: %w", err)
		}
		if row.Date, err = chain.ParseDay(date); err != nil {
			return nil, err
		}
		if grade.Valid {
			id := int(grade.Int64)
			row.GradeID = &id
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (chain.TxStore)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store chain.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every operation on one *sql.Tx. The parent lock is already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) AppendEvent(ctx context.Context, ev *chain.CompletionEvent) error {
	return appendEvent(ctx, ts.tx, ev)
}

func (ts *txStore) FindEventByKey(ctx context.Context, key string) (*chain.CompletionEvent, error) {
	return findEventByKey(ctx, ts.tx, key)
}

func (ts *txStore) LoadEvents(ctx context.Context, userID chain.UserID) ([]chain.CompletionEvent, error) {
	return loadEvents(ctx, ts.tx, userID)
}

func (ts *txStore) CountEventsOnDay(ctx context.Context, userID chain.UserID, day chain.Day) (int, error) {
	return countEventsOnDay(ctx, ts.tx, userID, day)
}

func (ts *txStore) GetStreak(ctx context.Context, userID chain.UserID) (*chain.StreakState, error) {
	return getStreak(ctx, ts.tx, userID)
}

func (ts *txStore) PutStreak(ctx context.Context, state chain.StreakState) error {
	return putStreak(ctx, ts.tx, state)
}

func (ts *txStore) GetDaily(ctx context.Context, userID chain.UserID, day chain.Day) (*chain.DailyCompletion, error) {
	return getDaily(ctx, ts.tx, userID, day)
}

func (ts *txStore) UpsertDaily(ctx context.Context, row chain.DailyCompletion) error {
	return upsertDaily(ctx, ts.tx, row)
}

func (ts *txStore) ReplaceDaily(ctx context.Context, userID chain.UserID, rows []chain.DailyCompletion) error {
	return replaceDaily(ctx, ts.tx, userID, rows)
}

func (ts *txStore) ListDaily(ctx context.Context, userID chain.UserID, from, to chain.Day) ([]chain.DailyCompletion, error) {
	return listDaily(ctx, ts.tx, userID, from, to)
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		// Rows written by other tools may use plain RFC3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == code
}
