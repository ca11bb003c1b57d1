/*
handlers.go - HTTP API handlers for the completion chain engine

PURPOSE:
  Exposes the chain manager, grade resolver and analytics log via REST.
  Handles request parsing, validation and JSON encoding; all chain rules
  live in the chain package.

ENDPOINTS:
  Users:
    POST   /api/users                         Register user (identity mirror)
    GET    /api/users/{id}                    Get user

  Chain (caller identified by X-User-ID):
    POST   /api/chain/events/complete         Record a completion
    GET    /api/chain/state                   Current streak
    GET    /api/chain/calendar?year=&month=   Month calendar
    GET    /api/chain/daily?date=             One day with its sticker
    POST   /api/chain/recompute               Rebuild aggregates from events
    GET    /api/chain/sticker-grade?completion_count=
    POST   /api/chain/analytics/calendar-view
    POST   /api/chain/analytics/sticker-exposed
    POST   /api/chain/analytics/app-lifecycle
    GET    /api/chain/users/active?within_days=

  Admin:
    GET    /api/admin/sticker-config          Installed grade table
    POST   /api/admin/sticker-config/reload   Re-read the grade document
    GET    /api/admin/recompute/runs          Recompute run history
    POST   /api/admin/recompute/run           Recompute every user now

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401: Missing X-User-ID
  - 404: User or grade not found
  - 409: Write conflict, idempotency key reused
  - 500: Internal errors

SECURITY NOTE:
  Authentication happens upstream; this service trusts X-User-ID.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/chain-engine/chain"
	"github.com/warp/chain-engine/sticker"
	"github.com/warp/chain-engine/store/sqlite"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Chain     *chain.Manager
	Grades    *sticker.Resolver
	Analytics *chain.Analytics

	// Scheduler is optional; the manual recompute endpoint needs it.
	Scheduler *RecomputeScheduler

	logger *slog.Logger
	now    func() time.Time

	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler wires the chain services on top of store.
func NewHandler(store *sqlite.Store, grades *sticker.Resolver, logger *slog.Logger, opts ...chain.Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]chain.Option{chain.WithLogger(logger)}, opts...)
	return &Handler{
		Store:     store,
		Chain:     chain.NewManager(store, grades, opts...),
		Grades:    grades,
		Analytics: chain.NewAnalytics(store, store, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser registers a user with an empty chain.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user := chain.User{ID: chain.UserID(req.ID), Name: req.Name, CreatedAt: time.Now().UTC()}
	if err := h.Store.SaveUser(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save user", err)
		return
	}

	saved, err := h.Store.GetUser(r.Context(), user.ID)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load user", err)
		return
	}
	writeJSON(w, http.StatusCreated, UserDTO{ID: int64(saved.ID), Name: saved.Name, CreatedAt: saved.CreatedAt})
}

// GetUser returns one user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return
	}
	user, err := h.Store.GetUser(r.Context(), chain.UserID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load user", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, UserDTO{ID: int64(user.ID), Name: user.Name, CreatedAt: user.CreatedAt})
}

// =============================================================================
// CHAIN HANDLERS
// =============================================================================

// CompleteTask records one completion event.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var req CompleteTaskRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	in := chain.CompletionInput{
		TaskID:         chain.TaskID(req.TaskID),
		UserID:         userID,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.CompletedAt != "" {
		at, err := chain.ParseTimestamp(req.CompletedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid completed_at", err)
			return
		}
		in.CompletedAt = at
	}

	result, err := h.Chain.RecordCompletion(r.Context(), in)
	if err != nil {
		writeChainError(w, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyProcessed {
		status = http.StatusOK
	}
	writeJSON(w, status, toRecordResultDTO(result))
}

// GetChainState returns the caller's streak.
func (h *Handler) GetChainState(w http.ResponseWriter, r *http.Request) {
	state, err := h.Chain.GetChainState(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChainStateDTO{
		UserID:          int64(state.UserID),
		StreakLength:    state.StreakLength,
		LastCompletedAt: state.LastCompletedAt,
		IsLongTermChain: state.IsLongTermChain,
	})
}

// GetCalendar returns one month of daily entries.
func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	month, err := strconv.Atoi(r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	days, err := h.Chain.GetMonthCalendar(r.Context(), userFrom(r.Context()), year, time.Month(month))
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCalendarDTO(year, time.Month(month), days, h.Chain.MaxActiveTaskCount()))
}

// GetDaily returns one day's count with its sticker. Defaults to today (UTC).
func (h *Handler) GetDaily(w http.ResponseWriter, r *http.Request) {
	day := chain.DayOf(time.Now())
	if s := r.URL.Query().Get("date"); s != "" {
		parsed, err := chain.ParseDay(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
		day = parsed
	}

	row, err := h.Chain.GetDailyCompletion(r.Context(), userFrom(r.Context()), day)
	if err != nil {
		writeChainError(w, err)
		return
	}

	// The sticker follows the stored grade id; a grade dropped by a config
	// reload is omitted until the next recompute.
	dto := DailyDTO{Date: day.String(), CompletedCount: row.CompletedCount, StickerGradeID: row.GradeID}
	if row.GradeID != nil {
		if g, ok := h.Grades.GradeByID(*row.GradeID); ok {
			dto.Sticker = toGradeDTO(g)
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// Recompute rebuilds the caller's aggregates from the event log.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	result, err := h.Chain.RecomputeFromEvents(r.Context(), userID)
	if err != nil {
		writeChainError(w, err)
		return
	}
	h.logger.Info("manual recompute",
		"user_id", userID,
		"events", result.Events,
		"changed", result.Changed)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// STICKER HANDLERS
// =============================================================================

// GetStickerGrade resolves a completion count to a grade.
func (h *Handler) GetStickerGrade(w http.ResponseWriter, r *http.Request) {
	grade, ok := h.Grades.Resolve(r.URL.Query().Get("completion_count"))
	if !ok {
		writeError(w, http.StatusNotFound, "No sticker grade configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, toGradeDTO(grade))
}

// GetStickerConfig returns the installed grade table.
func (h *Handler) GetStickerConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStickerConfigDTO(h.Grades.Table()))
}

// ReloadStickerConfig re-reads the grade document.
func (h *Handler) ReloadStickerConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStickerConfigDTO(h.Grades.Reload()))
}

// =============================================================================
// ANALYTICS HANDLERS
// =============================================================================

// RecordCalendarView logs a calendar_view event.
func (h *Handler) RecordCalendarView(w http.ResponseWriter, r *http.Request) {
	var req CalendarViewRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.Analytics.RecordCalendarView(r.Context(), userFrom(r.Context()), *req.ChainLength); err != nil {
		writeChainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordStickerExposed logs a sticker_exposed event.
func (h *Handler) RecordStickerExposed(w http.ResponseWriter, r *http.Request) {
	var req StickerExposedRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.Analytics.RecordStickerExposed(r.Context(), userFrom(r.Context()), *req.StickerGradeID); err != nil {
		writeChainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordAppEnter logs an app_enter event.
func (h *Handler) RecordAppEnter(w http.ResponseWriter, r *http.Request) {
	if err := h.Analytics.RecordAppEnter(r.Context(), userFrom(r.Context())); err != nil {
		writeChainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordAppLifecycle logs app_paused/app_terminate with dwell time.
func (h *Handler) RecordAppLifecycle(w http.ResponseWriter, r *http.Request) {
	var req AppLifecycleRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	var at time.Time
	if req.OccurredAt != "" {
		parsed, err := chain.ParseTimestamp(req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at", err)
			return
		}
		at = parsed
	}
	if _, err := h.Analytics.RecordLifecycle(r.Context(), userFrom(r.Context()), chain.AnalyticsKind(req.EventType), at); err != nil {
		writeChainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IsActiveUser answers whether the caller was active recently.
func (h *Handler) IsActiveUser(w http.ResponseWriter, r *http.Request) {
	within := chain.ActiveUserDays
	if s := r.URL.Query().Get("within_days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid within_days", err)
			return
		}
		within = n
	}

	userID := userFrom(r.Context())
	active, err := h.Analytics.IsActiveUser(r.Context(), userID, within)
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActiveUserDTO{UserID: int64(userID), WithinDays: within, IsActive: active})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListRecomputeRuns returns recompute run history.
func (h *Handler) ListRecomputeRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListRecomputeRuns(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list recompute runs", err)
		return
	}
	if runs == nil {
		runs = []sqlite.RecomputeRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// TriggerRecompute runs one scheduler pass synchronously.
func (h *Handler) TriggerRecompute(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Recompute scheduler not configured", nil)
		return
	}
	summary, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Recompute failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RecomputeSummaryDTO{
		Users:    summary.Users,
		Repaired: summary.Repaired,
		Failed:   summary.Failed,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

type userKey struct{}

// requireUser resolves X-User-ID into the request context.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+UserHeader+" header", nil)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid "+UserHeader+" header", err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, chain.UserID(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(ctx context.Context) chain.UserID {
	id, _ := ctx.Value(userKey{}).(chain.UserID)
	return id
}

// decodeAndValidate writes a 400 and returns false when the body is unusable.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

// writeChainError maps chain errors to HTTP status codes.
func writeChainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chain.ErrIdempotencyKeyReused):
		writeError(w, http.StatusConflict, "Idempotency key already used", err)
	case chain.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case chain.IsNotFound(err):
		writeError(w, http.StatusNotFound, "User not found", err)
	case chain.IsRetryable(err):
		writeError(w, http.StatusConflict, "Concurrent write conflict, retry", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
