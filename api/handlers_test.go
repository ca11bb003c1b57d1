/*
handlers_test.go - HTTP tests for the chain API

Tests for:
- Completion recording, idempotent resubmission, error mapping
- Calendar (golden file), daily, state and recompute endpoints
- Sticker grade lookup and config reload
- Analytics endpoints and the active-user check
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/chain-engine/api"
	"github.com/warp/chain-engine/chain"
	"github.com/warp/chain-engine/sticker"
	"github.com/warp/chain-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testEnv struct {
	router  *chi.Mux
	handler *api.Handler
	store   *sqlite.Store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gradeConfig() sticker.Config {
	cfg := sticker.Config{MaxActiveTaskCount: 5}
	for i := 0; i <= 5; i++ {
		cfg.Grades = append(cfg.Grades, sticker.Grade{
			ID:              i,
			Name:            fmt.Sprintf("grade-%d", i),
			ImagePath:       fmt.Sprintf("stickers/%d.png", i),
			CompletionCount: i,
		})
	}
	return cfg
}

func newTestEnv(t *testing.T, grades *sticker.Resolver) *testEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if grades == nil {
		grades = sticker.NewResolver(nil, quietLogger())
		grades.ReloadSnapshot(gradeConfig())
	}

	h := api.NewHandler(store, grades, quietLogger())
	h.Scheduler = api.NewRecomputeScheduler(store, h.Chain, quietLogger())
	require.NoError(t, store.SaveUser(context.Background(), chain.User{ID: 1, Name: "Ada"}))

	return &testEnv{router: api.NewRouter(h, nil), handler: h, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, userID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set(api.UserHeader, fmt.Sprint(userID))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) complete(t *testing.T, userID int64, key, completedAt string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/chain/events/complete", userID, map[string]any{
		"task_id":         42,
		"idempotency_key": key,
		"completed_at":    completedAt,
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// USERS
// =============================================================================

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/users", 0, map[string]any{"id": 7, "name": "Grace"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := decode[api.UserDTO](t, rec)
	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, "Grace", user.Name)

	rec = env.do(t, http.MethodGet, "/api/users/7", 0, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/users/8", 0, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateUser_ValidationFails(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/users", 0, map[string]any{"id": 0, "name": "Nobody"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "Validation failed", resp.Error)
	assert.Contains(t, resp.Details, "ID")
}

// =============================================================================
// COMPLETIONS
// =============================================================================

func TestCompleteTask_IdempotentResubmission(t *testing.T) {
	// GIVEN: A completion submitted once
	env := newTestEnv(t, nil)
	first := env.complete(t, 1, "tap-1", "2025-06-01T10:00:00Z")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Equal(t, api.RecordResultDTO{UserID: 1, StreakLength: 1, DailyCount: 1}, decode[api.RecordResultDTO](t, first))

	// WHEN: The client retries with the same key
	second := env.complete(t, 1, "tap-1", "2025-06-01T10:00:00Z")

	// THEN: 200 with the same aggregate, flagged as already processed
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, api.RecordResultDTO{UserID: 1, StreakLength: 1, DailyCount: 1, AlreadyProcessed: true}, decode[api.RecordResultDTO](t, second))
}

func TestCompleteTask_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.SaveUser(context.Background(), chain.User{ID: 2}))
	require.Equal(t, http.StatusCreated, env.complete(t, 1, "owned", "2025-06-01T10:00:00Z").Code)

	tests := []struct {
		name   string
		userID int64
		body   any
		header string
		want   int
	}{
		{"missing user header", 0, map[string]any{"task_id": 1, "idempotency_key": "a"}, "", http.StatusUnauthorized},
		{"malformed user header", 0, map[string]any{"task_id": 1, "idempotency_key": "a"}, "abc", http.StatusBadRequest},
		{"unknown user", 404, map[string]any{"task_id": 1, "idempotency_key": "b"}, "", http.StatusNotFound},
		{"missing key", 1, map[string]any{"task_id": 1}, "", http.StatusBadRequest},
		{"zero task", 1, map[string]any{"task_id": 0, "idempotency_key": "c"}, "", http.StatusBadRequest},
		{"key too long", 1, map[string]any{"task_id": 1, "idempotency_key": strings.Repeat("k", 256)}, "", http.StatusBadRequest},
		{"bad timestamp", 1, map[string]any{"task_id": 1, "idempotency_key": "d", "completed_at": "soon"}, "", http.StatusBadRequest},
		{"key reused by other user", 2, map[string]any{"task_id": 1, "idempotency_key": "owned"}, "", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := json.Marshal(tt.body)
			req := httptest.NewRequest(http.MethodPost, "/api/chain/events/complete", bytes.NewReader(data))
			if tt.userID != 0 {
				req.Header.Set(api.UserHeader, fmt.Sprint(tt.userID))
			}
			if tt.header != "" {
				req.Header.Set(api.UserHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCompleteTask_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/chain/events/complete", strings.NewReader("{"))
	req.Header.Set(api.UserHeader, "1")
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON", decode[api.ErrorResponse](t, rec).Error)
}

// =============================================================================
// READS
// =============================================================================

func TestGetChainState(t *testing.T) {
	env := newTestEnv(t, nil)
	for day := 1; day <= 7; day++ {
		require.Equal(t, http.StatusCreated, env.complete(t, 1, fmt.Sprintf("d%d", day), fmt.Sprintf("2025-06-%02dT08:00:00Z", day)).Code)
	}

	rec := env.do(t, http.MethodGet, "/api/chain/state", 1, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[api.ChainStateDTO](t, rec)
	assert.Equal(t, 7, state.StreakLength)
	assert.True(t, state.IsLongTermChain)
	require.NotNil(t, state.LastCompletedAt)
	assert.True(t, state.LastCompletedAt.Equal(time.Date(2025, time.June, 7, 8, 0, 0, 0, time.UTC)))

	rec = env.do(t, http.MethodGet, "/api/chain/state", 404, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCalendar_LeapFebruaryGolden(t *testing.T) {
	// GIVEN: Two completions on Feb 10 and six on Feb 29, 2024
	env := newTestEnv(t, nil)
	env.complete(t, 1, "a", "2024-02-10T09:00:00Z")
	env.complete(t, 1, "b", "2024-02-10T21:00:00Z")
	for i := range 6 {
		rec := env.complete(t, 1, fmt.Sprintf("leap-%d", i), fmt.Sprintf("2024-02-29T%02d:00:00Z", 8+i))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// WHEN: Reading February 2024
	rec := env.do(t, http.MethodGet, "/api/chain/calendar?year=2024&month=2", 1, nil)

	// THEN: 29 days with capped counts, grades and rates
	require.Equal(t, http.StatusOK, rec.Code)
	g := goldie.New(t)
	g.Assert(t, "calendar_2024_02", rec.Body.Bytes())
}

func TestGetCalendar_BadParams(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, q := range []string{"year=2024", "year=x&month=2", "year=2024&month=13", "year=2024&month=0"} {
		rec := env.do(t, http.MethodGet, "/api/chain/calendar?"+q, 1, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetDaily(t *testing.T) {
	env := newTestEnv(t, nil)
	env.complete(t, 1, "a", "2025-06-01T09:00:00Z")
	env.complete(t, 1, "b", "2025-06-01T10:00:00Z")

	rec := env.do(t, http.MethodGet, "/api/chain/daily?date=2025-06-01", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	daily := decode[api.DailyDTO](t, rec)
	assert.Equal(t, 2, daily.CompletedCount)
	require.NotNil(t, daily.Sticker)
	assert.Equal(t, "grade-2", daily.Sticker.Name)

	rec = env.do(t, http.MethodGet, "/api/chain/daily?date=2025-06-02", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decode[api.DailyDTO](t, rec)
	assert.Zero(t, empty.CompletedCount)
	assert.Nil(t, empty.StickerGradeID)
	assert.Nil(t, empty.Sticker)

	rec = env.do(t, http.MethodGet, "/api/chain/daily?date=June", 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDaily_StickerFollowsStoredGrade(t *testing.T) {
	// GIVEN: A day stored with grade 2, then a config that moves grade 2 to count 4
	env := newTestEnv(t, nil)
	env.complete(t, 1, "a", "2025-06-01T09:00:00Z")
	env.complete(t, 1, "b", "2025-06-01T10:00:00Z")
	env.handler.Grades.ReloadSnapshot(sticker.Config{
		MaxActiveTaskCount: 5,
		Grades: []sticker.Grade{
			{ID: 0, Name: "none", CompletionCount: 0},
			{ID: 9, Name: "new-two", CompletionCount: 2},
			{ID: 2, Name: "moved", CompletionCount: 4},
		},
	})

	// WHEN: Reading the day before any recompute
	daily := decode[api.DailyDTO](t, env.do(t, http.MethodGet, "/api/chain/daily?date=2025-06-01", 1, nil))

	// THEN: Both fields describe the same grade
	require.NotNil(t, daily.StickerGradeID)
	require.NotNil(t, daily.Sticker)
	assert.Equal(t, *daily.StickerGradeID, daily.Sticker.ID)
	assert.Equal(t, "moved", daily.Sticker.Name)

	// AND: A grade missing from the table is omitted
	env.handler.Grades.ReloadSnapshot(sticker.Config{MaxActiveTaskCount: 5, Grades: []sticker.Grade{{ID: 0, CompletionCount: 0}}})
	daily = decode[api.DailyDTO](t, env.do(t, http.MethodGet, "/api/chain/daily?date=2025-06-01", 1, nil))
	assert.Equal(t, 2, *daily.StickerGradeID)
	assert.Nil(t, daily.Sticker)
}

func TestRecompute(t *testing.T) {
	env := newTestEnv(t, nil)
	env.complete(t, 1, "a", "2025-06-01T09:00:00Z")
	require.NoError(t, env.store.PutStreak(context.Background(), chain.StreakState{UserID: 1, CurrentStreak: 50}))

	rec := env.do(t, http.MethodPost, "/api/chain/recompute", 1, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	state := decode[api.ChainStateDTO](t, env.do(t, http.MethodGet, "/api/chain/state", 1, nil))
	assert.Equal(t, 1, state.StreakLength)

	rec = env.do(t, http.MethodPost, "/api/chain/recompute", 404, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// STICKERS
// =============================================================================

func TestGetStickerGrade(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := map[string]int{
		"3":                    3,
		"9":                    5, // ceiling
		"-2":                   0, // default
		"abc":                  0, // default
		"99999999999999999999": 5, // beyond int, ceiling
		"":                     0,
	}
	for q, want := range tests {
		rec := env.do(t, http.MethodGet, "/api/chain/sticker-grade?completion_count="+q, 1, nil)
		require.Equal(t, http.StatusOK, rec.Code, q)
		assert.Equal(t, want, decode[api.GradeDTO](t, rec).ID, q)
	}
}

func TestGetStickerGrade_EmptyConfig(t *testing.T) {
	env := newTestEnv(t, sticker.NewResolver(nil, quietLogger()))

	rec := env.do(t, http.MethodGet, "/api/chain/sticker-grade?completion_count=1", 1, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReloadStickerConfig(t *testing.T) {
	// GIVEN: A resolver backed by a file
	path := filepath.Join(t.TempDir(), "grades.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_active_task_count": 5, "grades": [{"id": 0, "completion_count": 0}]}`), 0o644))
	grades := sticker.NewResolver(sticker.FileSource{Path: path}, quietLogger())
	env := newTestEnv(t, grades)

	cfg := decode[api.StickerConfigDTO](t, env.do(t, http.MethodGet, "/api/admin/sticker-config", 0, nil))
	assert.Len(t, cfg.Grades, 1)

	// WHEN: The file changes and an admin reloads
	require.NoError(t, os.WriteFile(path, []byte(`{"max_active_task_count": 2, "grades": [{"id": 0, "completion_count": 0}, {"id": 2, "completion_count": 2}]}`), 0o644))
	rec := env.do(t, http.MethodPost, "/api/admin/sticker-config/reload", 0, nil)

	// THEN: The new table is live
	require.Equal(t, http.StatusOK, rec.Code)
	cfg = decode[api.StickerConfigDTO](t, rec)
	assert.Equal(t, 2, cfg.MaxActiveTaskCount)
	assert.Len(t, cfg.Grades, 2)

	grade := decode[api.GradeDTO](t, env.do(t, http.MethodGet, "/api/chain/sticker-grade?completion_count=4", 1, nil))
	assert.Equal(t, 2, grade.ID)
}

// =============================================================================
// ANALYTICS
// =============================================================================

func TestAnalyticsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.complete(t, 1, "a", time.Now().UTC().Add(-time.Hour).Format(time.RFC3339))

	rec := env.do(t, http.MethodPost, "/api/chain/analytics/calendar-view", 1, map[string]any{"chain_length": 1})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/chain/analytics/sticker-exposed", 1, map[string]any{"sticker_grade_id": 1})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/chain/analytics/app-lifecycle", 1, map[string]any{"event_type": "app_paused"})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	events, err := env.store.ListAnalytics(context.Background(), 1, chain.KindAppPaused)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotNil(t, events[0].Metadata["dwell_time_ms"])

	// Validation
	rec = env.do(t, http.MethodPost, "/api/chain/analytics/calendar-view", 1, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/chain/analytics/app-lifecycle", 1, map[string]any{"event_type": "app_enter"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/chain/analytics/sticker-exposed", 1, map[string]any{"sticker_grade_id": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordAppEnter(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/chain/analytics/app-enter", 1, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	events, err := env.store.ListAnalytics(context.Background(), 1, chain.KindAppEnter)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	active := decode[api.ActiveUserDTO](t, env.do(t, http.MethodGet, "/api/chain/users/active", 1, nil))
	assert.True(t, active.IsActive)

	rec = env.do(t, http.MethodPost, "/api/chain/analytics/app-enter", 404, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIsActiveUser(t *testing.T) {
	env := newTestEnv(t, nil)

	active := decode[api.ActiveUserDTO](t, env.do(t, http.MethodGet, "/api/chain/users/active", 1, nil))
	assert.False(t, active.IsActive)
	assert.Equal(t, chain.ActiveUserDays, active.WithinDays)

	env.complete(t, 1, "a", time.Now().UTC().AddDate(0, 0, -3).Format(time.RFC3339))

	active = decode[api.ActiveUserDTO](t, env.do(t, http.MethodGet, "/api/chain/users/active", 1, nil))
	assert.True(t, active.IsActive)

	active = decode[api.ActiveUserDTO](t, env.do(t, http.MethodGet, "/api/chain/users/active?within_days=2", 1, nil))
	assert.False(t, active.IsActive)

	rec := env.do(t, http.MethodGet, "/api/chain/users/active?within_days=zero", 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN / OPS
// =============================================================================

func TestTriggerRecomputeAndListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	env.complete(t, 1, "a", "2025-06-01T09:00:00Z")

	rec := env.do(t, http.MethodPost, "/api/admin/recompute/run", 0, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[api.RecomputeSummaryDTO](t, rec)
	assert.Equal(t, api.RecomputeSummaryDTO{Users: 1}, summary)

	rec = env.do(t, http.MethodGet, "/api/admin/recompute/runs?status=completed", 0, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]sqlite.RecomputeRun](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(1), runs[0].UserID)
	assert.Equal(t, 1, runs[0].Events)

	rec = env.do(t, http.MethodGet, "/api/admin/recompute/runs?limit=-1", 0, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/healthz", 0, nil)

	rec := env.do(t, http.MethodGet, "/metrics", 0, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `chain_http_requests_total{method="GET",route="/healthz",status="200"}`)
}
