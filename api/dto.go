/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the chain
  types from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers reject a body
  that fails them with 400 before calling into the chain package.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/chain-engine/chain"
	"github.com/warp/chain-engine/sticker"
)

// =============================================================================
// USERS
// =============================================================================

// CreateUserRequest registers a user mirrored from the identity service.
type CreateUserRequest struct {
	ID   int64  `json:"id" validate:"required,gt=0"`
	Name string `json:"name" validate:"max=255"`
}

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// COMPLETIONS
// =============================================================================

// CompleteTaskRequest reports one task completion.
type CompleteTaskRequest struct {
	TaskID         int64  `json:"task_id" validate:"required,gt=0"`
	CompletedAt    string `json:"completed_at,omitempty"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
}

// RecordResultDTO is the aggregate after a completion.
type RecordResultDTO struct {
	UserID           int64 `json:"user_id"`
	StreakLength     int   `json:"streak_length"`
	IsLongTermChain  bool  `json:"is_long_term_chain"`
	DailyCount       int   `json:"daily_count"`
	AlreadyProcessed bool  `json:"already_processed"`
}

func toRecordResultDTO(r chain.RecordResult) RecordResultDTO {
	return RecordResultDTO{
		UserID:           int64(r.UserID),
		StreakLength:     r.StreakLength,
		IsLongTermChain:  r.IsLongTermChain,
		DailyCount:       r.DailyCount,
		AlreadyProcessed: r.AlreadyProcessed,
	}
}

// ChainStateDTO is the point read of a streak.
type ChainStateDTO struct {
	UserID          int64      `json:"user_id"`
	StreakLength    int        `json:"streak_length"`
	LastCompletedAt *time.Time `json:"last_completed_at"`
	IsLongTermChain bool       `json:"is_long_term_chain"`
}

// =============================================================================
// CALENDAR
// =============================================================================

// CalendarDTO is one month of daily entries.
type CalendarDTO struct {
	Year  int              `json:"year"`
	Month int              `json:"month"`
	Days  []CalendarDayDTO `json:"days"`
}

// CalendarDayDTO is one calendar cell. CompletionRate is count / daily cap
// as a fixed two-place decimal string.
type CalendarDayDTO struct {
	Date           string `json:"date"`
	CompletedCount int    `json:"completed_count"`
	StickerGradeID *int   `json:"sticker_grade_id"`
	CompletionRate string `json:"completion_rate"`
}

func toCalendarDTO(year int, month time.Month, days []chain.CalendarDay, maxActive int) CalendarDTO {
	dto := CalendarDTO{Year: year, Month: int(month), Days: make([]CalendarDayDTO, len(days))}
	for i, d := range days {
		dto.Days[i] = CalendarDayDTO{
			Date:           d.Date.String(),
			CompletedCount: d.CompletedCount,
			StickerGradeID: d.GradeID,
			CompletionRate: completionRate(d.CompletedCount, maxActive).StringFixed(2),
		}
	}
	return dto
}

func completionRate(count, maxActive int) decimal.Decimal {
	if maxActive <= 0 || count <= 0 {
		return decimal.Zero
	}
	rate := decimal.NewFromInt(int64(count)).Div(decimal.NewFromInt(int64(maxActive)))
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return rate
}

// DailyDTO is one day's count with its resolved sticker.
type DailyDTO struct {
	Date           string    `json:"date"`
	CompletedCount int       `json:"completed_count"`
	StickerGradeID *int      `json:"sticker_grade_id"`
	Sticker        *GradeDTO `json:"sticker,omitempty"`
}

// =============================================================================
// STICKERS
// =============================================================================

// GradeDTO is a sticker grade.
type GradeDTO struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	LocalizedName   string `json:"localized_name"`
	ImagePath       string `json:"image_path"`
	CompletionCount int    `json:"completion_count"`
}

func toGradeDTO(g sticker.Grade) *GradeDTO {
	return &GradeDTO{
		ID:              g.ID,
		Name:            g.Name,
		LocalizedName:   g.LocalizedName,
		ImagePath:       g.ImagePath,
		CompletionCount: g.CompletionCount,
	}
}

// StickerConfigDTO summarizes the installed grade table.
type StickerConfigDTO struct {
	MaxActiveTaskCount int        `json:"max_active_task_count"`
	DefaultGradeID     int        `json:"default_grade_id"`
	Grades             []GradeDTO `json:"grades"`
}

func toStickerConfigDTO(t *sticker.Table) StickerConfigDTO {
	dto := StickerConfigDTO{
		MaxActiveTaskCount: t.MaxActiveTaskCount(),
		DefaultGradeID:     t.DefaultGradeID(),
		Grades:             []GradeDTO{},
	}
	for _, g := range t.Grades() {
		dto.Grades = append(dto.Grades, *toGradeDTO(g))
	}
	return dto
}

// =============================================================================
// ANALYTICS
// =============================================================================

// CalendarViewRequest reports that the client rendered the calendar.
type CalendarViewRequest struct {
	ChainLength *int `json:"chain_length" validate:"required,gte=0"`
}

// StickerExposedRequest reports that the client showed a sticker.
type StickerExposedRequest struct {
	StickerGradeID *int `json:"sticker_grade_id" validate:"required,gte=0"`
}

// AppLifecycleRequest reports the app leaving the foreground.
type AppLifecycleRequest struct {
	EventType  string `json:"event_type" validate:"required,oneof=app_paused app_terminate"`
	OccurredAt string `json:"occurred_at,omitempty"`
}

// ActiveUserDTO answers the active-user check.
type ActiveUserDTO struct {
	UserID     int64 `json:"user_id"`
	WithinDays int   `json:"within_days"`
	IsActive   bool  `json:"is_active"`
}

// =============================================================================
// ADMIN
// =============================================================================

// RecomputeSummaryDTO reports one scheduler pass.
type RecomputeSummaryDTO struct {
	Users    int `json:"users"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioLoadedDTO reports the demo user's chain after loading.
type ScenarioLoadedDTO struct {
	Status   string `json:"status"`
	Scenario string `json:"scenario"`
	UserID   int64  `json:"user_id"`
	Streak   int    `json:"streak_length"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
