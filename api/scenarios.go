/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	chains for demos and client development. Each scenario creates one user
	and replays completions through the chain manager, so the derived streak
	and daily rows are exactly what production traffic would produce.

AVAILABLE SCENARIOS:

	fresh-start:  User with no completions
	week-streak:  Seven consecutive days, a long-term chain
	broken-chain: Four days, a three-day gap, then two days
	capped-day:   Seven completions on one day, count capped at the daily limit
	night-owl:    Late-night completions crossing midnight within the window

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the demo user
 3. Record completions relative to the current UTC day

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "week-streak"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add its completion offsets to 'scenarioPlans'

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Chain handlers the scenarios exercise
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/chain-engine/chain"
)

// ScenarioUserID is the user every scenario creates.
const ScenarioUserID chain.UserID = 1

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-start",
		Name:        "Fresh Start",
		Description: "New user with an empty calendar",
		Category:    "chain",
	},
	{
		ID:          "week-streak",
		Name:        "Week Streak",
		Description: "Seven consecutive days ending yesterday, a long-term chain",
		Category:    "chain",
	},
	{
		ID:          "broken-chain",
		Name:        "Broken Chain",
		Description: "Four-day run, a three-day gap, then a two-day restart",
		Category:    "chain",
	},
	{
		ID:          "capped-day",
		Name:        "Capped Day",
		Description: "Seven completions yesterday; the daily count stops at the cap",
		Category:    "stickers",
	},
	{
		ID:          "night-owl",
		Name:        "Night Owl",
		Description: "Completions just before and after midnight extend the chain",
		Category:    "chain",
	},
}

// completionAt is one planned completion: days before today, then time of day.
type completionAt struct {
	daysAgo int
	clock   time.Duration
}

var scenarioPlans = map[string][]completionAt{
	"fresh-start": nil,
	"week-streak": repeatDays(7, 1, 9*time.Hour),
	"broken-chain": append(
		repeatDays(4, 7, 8*time.Hour),
		repeatDays(2, 2, 8*time.Hour)...,
	),
	"capped-day": repeatClock(1, 7, 10*time.Hour, 30*time.Minute),
	"night-owl": {
		{daysAgo: 3, clock: 23*time.Hour + 50*time.Minute},
		{daysAgo: 2, clock: 10 * time.Minute},
		{daysAgo: 2, clock: 23*time.Hour + 55*time.Minute},
		{daysAgo: 1, clock: 5 * time.Minute},
	},
}

// repeatDays plans one completion per day for n days, ending endAgo days before today.
func repeatDays(n, endAgo int, clock time.Duration) []completionAt {
	out := make([]completionAt, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, completionAt{daysAgo: endAgo + i, clock: clock})
	}
	return out
}

// repeatClock plans n completions on one day, step apart.
func repeatClock(daysAgo, n int, start, step time.Duration) []completionAt {
	out := make([]completionAt, 0, n)
	for i := range n {
		out = append(out, completionAt{daysAgo: daysAgo, clock: start + time.Duration(i)*step})
	}
	return out
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	plan, ok := scenarioPlans[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	state, err := h.loadScenario(ctx, req.ScenarioID, plan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.logger.Info("scenario loaded",
		"scenario", req.ScenarioID,
		"completions", len(plan),
		"streak", state.StreakLength)
	writeJSON(w, http.StatusOK, ScenarioLoadedDTO{
		Status:   "loaded",
		Scenario: req.ScenarioID,
		UserID:   int64(ScenarioUserID),
		Streak:   state.StreakLength,
	})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, id string, plan []completionAt) (chain.ChainState, error) {
	now := h.now()
	user := chain.User{ID: ScenarioUserID, Name: "Demo User", CreatedAt: now}
	if err := h.Store.SaveUser(ctx, user); err != nil {
		return chain.ChainState{}, err
	}

	today := chain.DayOf(now)
	for i, p := range plan {
		_, err := h.Chain.RecordCompletion(ctx, chain.CompletionInput{
			TaskID:         chain.TaskID(i + 1),
			UserID:         ScenarioUserID,
			CompletedAt:    today.AddDays(-p.daysAgo).Start().Add(p.clock),
			IdempotencyKey: fmt.Sprintf("%s-scenario-%d", id, i+1),
		})
		if err != nil {
			return chain.ChainState{}, fmt.Errorf("completion %d: %w", i+1, err)
		}
	}
	return h.Chain.GetChainState(ctx, ScenarioUserID)
}
