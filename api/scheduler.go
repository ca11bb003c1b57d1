/*
scheduler.go - Periodic drift repair for derived chain state

PURPOSE:
  Periodically re-derives every user's streak and daily rows from the
  event log. A pass over a consistent database changes nothing; a pass
  after a crash, a manual SQL edit or a grade config change repairs the
  aggregates.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Users are recomputed concurrently (bounded by Concurrency)
  - Every user processed gets a RecomputeRun record for audit and UI display

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Concurrency:   Parallel recomputes per pass (default: 4)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRecomputeScheduler(store, handler.Chain, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerRecompute endpoint (manual pass)
  - chain/manager.go: RecomputeAll
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/chain-engine/chain"
	"github.com/warp/chain-engine/store/sqlite"
)

// RecomputeSummary counts the outcome of one pass.
type RecomputeSummary struct {
	Users    int
	Repaired int
	Failed   int
}

// RecomputeScheduler handles periodic recomputation.
type RecomputeScheduler struct {
	Store         *sqlite.Store
	Chain         *chain.Manager
	CheckInterval time.Duration
	Concurrency   int
	Enabled       bool

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	pass   sync.Mutex
}

// NewRecomputeScheduler creates a new scheduler.
func NewRecomputeScheduler(store *sqlite.Store, manager *chain.Manager, logger *slog.Logger) *RecomputeScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecomputeScheduler{
		Store:         store,
		Chain:         manager,
		CheckInterval: 1 * time.Hour,
		Concurrency:   4,
		Enabled:       true,
		logger:        logger.With("component", "recompute-scheduler"),
	}
}

// Start begins the scheduler.
func (rs *RecomputeScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.logger.Info("scheduler started", "interval", rs.CheckInterval, "concurrency", rs.Concurrency)
}

// Stop stops the scheduler and waits for an in-flight pass.
func (rs *RecomputeScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("scheduler stopped")
	}
}

func (rs *RecomputeScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	for {
		select {
		case <-rs.ticker.C:
			if _, err := rs.RunNow(ctx); err != nil {
				rs.logger.Error("recompute pass failed", "error", err)
			}
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one pass immediately. Passes never overlap.
func (rs *RecomputeScheduler) RunNow(ctx context.Context) (RecomputeSummary, error) {
	rs.pass.Lock()
	defer rs.pass.Unlock()

	start := time.Now().UTC()
	ids, err := rs.Store.ListUserIDs(ctx)
	if err != nil {
		return RecomputeSummary{}, fmt.Errorf("list users: %w", err)
	}

	outcomes := rs.Chain.RecomputeAll(ctx, ids, rs.Concurrency)

	summary := RecomputeSummary{Users: len(outcomes)}
	for _, o := range outcomes {
		run := sqlite.RecomputeRun{
			ID:        uuid.NewString(),
			UserID:    int64(o.UserID),
			StartedAt: &start,
			CreatedAt: start,
		}
		finished := time.Now().UTC()
		run.CompletedAt = &finished

		if o.Err != nil {
			summary.Failed++
			run.Status = "failed"
			run.Error = o.Err.Error()
			rs.logger.Warn("recompute failed", "user_id", o.UserID, "error", o.Err)
		} else {
			run.Status = "completed"
			run.Changed = o.Result.Changed
			run.Events = o.Result.Events
			run.Streak = o.Result.Streak
			if o.Result.Changed {
				summary.Repaired++
				rs.logger.Warn("repaired drifted aggregates", "user_id", o.UserID, "streak", o.Result.Streak)
			}
		}

		if err := rs.Store.SaveRecomputeRun(ctx, run); err != nil {
			rs.logger.Error("failed to save recompute run", "user_id", o.UserID, "error", err)
		}
	}

	rs.logger.Info("recompute pass complete",
		"users", summary.Users,
		"repaired", summary.Repaired,
		"failed", summary.Failed,
		"duration", time.Since(start))
	return summary, nil
}

// NextRunTime returns when the next scheduled pass will occur.
func (rs *RecomputeScheduler) NextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
