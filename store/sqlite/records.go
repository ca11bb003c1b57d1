package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/chain-engine/chain"
)

// =============================================================================
// USERS (identity mirror)
// =============================================================================

// SaveUser inserts a user or renames an existing one. Streak columns are untouched.
func (s *Store) SaveUser(ctx context.Context, u chain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, u.ID, u.Name, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser returns nil, nil when the user does not exist.
func (s *Store) GetUser(ctx context.Context, id chain.UserID) (*chain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		u       chain.User
		created string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.CreatedAt, _ = parseTime(created)
	return &u, nil
}

// ListUserIDs returns every user id in ascending order.
func (s *Store) ListUserIDs(ctx context.Context) ([]chain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var ids []chain.UserID
	for rows.Next() {
		var id chain.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// ANALYTICS (chain.AnalyticsStore)
// =============================================================================

// AppendAnalytics adds one analytics event.
func (s *Store) AppendAnalytics(ctx context.Context, ev chain.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta sql.NullString
	if len(ev.Metadata) > 0 {
		data, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode analytics metadata: %w", err)
		}
		meta = nullString(string(data))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics_events (user_id, event_type, event_at, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.UserID, string(ev.Kind), formatTime(ev.At), meta, formatTime(time.Now()))
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return chain.ErrUserNotFound
		}
		return fmt.Errorf("failed to append analytics event: %w", err)
	}
	return nil
}

// HasActivitySince reports whether the user logged any analytics event at or after since.
func (s *Store) HasActivitySince(ctx context.Context, userID chain.UserID, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM analytics_events WHERE user_id = ? AND event_at >= ?)",
		userID, formatTime(since),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query analytics: %w", err)
	}
	return exists, nil
}

// ListAnalytics returns a user's analytics events, oldest first. Empty kind means all.
func (s *Store) ListAnalytics(ctx context.Context, userID chain.UserID, kind chain.AnalyticsKind) ([]chain.AnalyticsEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, user_id, event_type, event_at, metadata_json FROM analytics_events WHERE user_id = ?"
	args := []any{userID}
	if kind != "" {
		query += " AND event_type = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY event_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics: %w", err)
	}
	defer rows.Close()

	var out []chain.AnalyticsEvent
	for rows.Next() {
		var (
			ev   chain.AnalyticsEvent
			at   string
			meta sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Kind, &at, &meta); err != nil {
			return nil, err
		}
		ev.At, _ = parseTime(at)
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode analytics metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// RECOMPUTE RUNS
// =============================================================================

// RecomputeRun records one drift-repair pass over a user.
type RecomputeRun struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"user_id"`
	Status      string     `json:"status"` // pending, running, completed, failed
	Changed     bool       `json:"changed"`
	Events      int        `json:"events"`
	Streak      int        `json:"streak"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SaveRecomputeRun inserts or updates a run record.
func (s *Store) SaveRecomputeRun(ctx context.Context, run RecomputeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recompute_runs
		(id, user_id, status, changed, events, streak, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			changed = excluded.changed,
			events = excluded.events,
			streak = excluded.streak,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		run.ID,
		run.UserID,
		run.Status,
		run.Changed,
		run.Events,
		run.Streak,
		nullString(run.Error),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save recompute run: %w", err)
	}
	return nil
}

// ListRecomputeRuns returns run records, newest first. Empty status means all.
func (s *Store) ListRecomputeRuns(ctx context.Context, status string, limit int) ([]RecomputeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, status, changed, events, streak, error, started_at, completed_at, created_at
		FROM recompute_runs
	`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recompute runs: %w", err)
	}
	defer rows.Close()

	var runs []RecomputeRun
	for rows.Next() {
		var (
			run                RecomputeRun
			errStr             sql.NullString
			started, completed sql.NullString
			created            string
		)
		if err := rows.Scan(&run.ID, &run.UserID, &run.Status, &run.Changed, &run.Events, &run.Streak,
			&errStr, &started, &completed, &created); err != nil {
			return nil, err
		}
		run.Error = errStr.String
		run.StartedAt = parseNullTime(started)
		run.CompletedAt = parseNullTime(completed)
		run.CreatedAt, _ = parseTime(created)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
