/*
resolver.go - Cached grade resolution with explicit reload

STATES:
  unloaded --(first lookup | Reload | ReloadSnapshot)--> loaded
  loaded   --(Reload | ReloadSnapshot)--------------------> loaded (new table)

  A loaded table is never re-read implicitly, even when it is empty. A
  missing or malformed source produces an empty loaded table whose
  lookups return no grade; callers must handle that.

RESOLUTION (Resolve):
  1. Validity: not interpretable as an integer, or negative -> default grade
  2. Ceiling:  count >= MaxActiveTaskCount -> MaxActiveTaskCount
  3. Lookup:   registered grade, else default grade

CONCURRENCY:
  Lookups are lock-free reads of an atomic table pointer. Loads are
  serialized by a mutex.
*/
package sticker

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var configReloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sticker_config_reloads_total",
	Help: "Grade table builds by result (loaded, empty, degraded)",
}, []string{"result"})

// Source supplies grade configuration.
type Source interface {
	Read() (Config, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (Config, error)

func (f SourceFunc) Read() (Config, error) { return f() }

// Resolver owns the cached grade table.
type Resolver struct {
	source Source
	logger *slog.Logger

	mu    sync.Mutex
	table atomic.Pointer[Table]
}

// NewResolver creates an unloaded resolver. A nil source yields an empty table.
func NewResolver(source Source, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger}
}

// Loaded reports whether a table has been built.
func (r *Resolver) Loaded() bool {
	return r.table.Load() != nil
}

// Table returns the current table, building it on first use.
func (r *Resolver) Table() *Table {
	if t := r.table.Load(); t != nil {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.table.Load(); t != nil {
		return t
	}
	return r.loadLocked()
}

// Reload discards the cached table and re-reads the source.
func (r *Resolver) Reload() *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

// ReloadSnapshot installs cfg directly, bypassing the source.
func (r *Resolver) ReloadSnapshot(cfg Config) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := BuildTable(cfg)
	r.table.Store(t)
	configReloads.WithLabelValues(tableResult(t)).Inc()
	r.logger.Info("sticker grade table installed",
		"grades", t.Len(),
		"max_active_task_count", t.MaxActiveTaskCount())
	return t
}

func (r *Resolver) loadLocked() *Table {
	cfg := DefaultConfig()
	result := ""
	if r.source != nil {
		read, err := r.source.Read()
		if err != nil {
			r.logger.Warn("sticker grade config unavailable, using empty table", "error", err)
			result = "degraded"
		} else {
			cfg = read
		}
	}
	t := BuildTable(cfg)
	r.table.Store(t)
	if result == "" {
		result = tableResult(t)
	}
	configReloads.WithLabelValues(result).Inc()
	r.logger.Info("sticker grade table loaded",
		"grades", t.Len(),
		"max_active_task_count", t.MaxActiveTaskCount(),
		"default_grade_id", t.DefaultGradeID())
	return t
}

func tableResult(t *Table) string {
	if t.Len() == 0 {
		return "empty"
	}
	return "loaded"
}

// Resolve maps any count-like value to a grade. See the package rules.
func (r *Resolver) Resolve(v any) (Grade, bool) {
	t := r.Table()
	n, ok := AsInt(v)
	if !ok || n < 0 {
		return t.Default()
	}
	return t.Lookup(n)
}

// ResolveCount maps an integer count to a grade.
func (r *Resolver) ResolveCount(count int) (Grade, bool) {
	return r.Table().Lookup(count)
}

// GradeID returns the id of the grade for count, or nil when none resolves.
func (r *Resolver) GradeID(count int) *int {
	g, ok := r.ResolveCount(count)
	if !ok {
		return nil
	}
	id := g.ID
	return &id
}

// GradeByID returns the installed grade with the given id.
func (r *Resolver) GradeByID(id int) (Grade, bool) {
	return r.Table().ByID(id)
}

// MaxActiveTaskCount returns the configured daily cap.
func (r *Resolver) MaxActiveTaskCount() int {
	return r.Table().MaxActiveTaskCount()
}
