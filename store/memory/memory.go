// Package memory provides an in-memory chain store for tests and development.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/warp/chain-engine/chain"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store implements chain.TxStore and chain.AnalyticsStore.
type Store struct {
	mu        sync.RWMutex
	nextID    chain.EventID
	users     map[chain.UserID]chain.User
	streaks   map[chain.UserID]chain.StreakState
	events    map[chain.UserID][]chain.CompletionEvent
	byKey     map[string]chain.CompletionEvent
	daily     map[dailyKey]chain.DailyCompletion
	analytics []chain.AnalyticsEvent
}

type dailyKey struct {
	UserID chain.UserID
	Date   chain.Day
}

func New() *Store {
	return &Store{
		users:   make(map[chain.UserID]chain.User),
		streaks: make(map[chain.UserID]chain.StreakState),
		events:  make(map[chain.UserID][]chain.CompletionEvent),
		byKey:   make(map[string]chain.CompletionEvent),
		daily:   make(map[dailyKey]chain.DailyCompletion),
	}
}

// SaveUser registers a user with an empty chain, or renames an existing one.
func (m *Store) SaveUser(_ context.Context, u chain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if existing, ok := m.users[u.ID]; ok {
		existing.Name = u.Name
		m.users[u.ID] = existing
		return nil
	}
	m.users[u.ID] = u
	m.streaks[u.ID] = chain.StreakState{UserID: u.ID}
	return nil
}

// ListUserIDs returns every user id in ascending order.
func (m *Store) ListUserIDs(_ context.Context) ([]chain.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.users)), nil
}

func (m *Store) AppendEvent(_ context.Context, ev *chain.CompletionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(ev)
}

func (m *Store) appendLocked(ev *chain.CompletionEvent) error {
	if _, ok := m.byKey[ev.IdempotencyKey]; ok {
		return chain.ErrDuplicateIdempotencyKey
	}
	if _, ok := m.users[ev.UserID]; !ok {
		return chain.ErrUserNotFound
	}
	m.nextID++
	ev.ID = m.nextID
	ev.CompletedAt = chain.NormalizeUTC(ev.CompletedAt)
	ev.CreatedAt = time.Now().UTC()

	stored := *ev
	events := m.events[ev.UserID]
	i, _ := slices.BinarySearchFunc(events, stored, func(a, b chain.CompletionEvent) int {
		if c := a.CompletedAt.Compare(b.CompletedAt); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	m.events[ev.UserID] = slices.Insert(events, i, stored)
	m.byKey[ev.IdempotencyKey] = stored
	return nil
}

func (m *Store) FindEventByKey(_ context.Context, key string) (*chain.CompletionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(key), nil
}

func (m *Store) findLocked(key string) *chain.CompletionEvent {
	ev, ok := m.byKey[key]
	if !ok {
		return nil
	}
	return &ev
}

func (m *Store) LoadEvents(_ context.Context, userID chain.UserID) ([]chain.CompletionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events[userID]), nil
}

func (m *Store) CountEventsOnDay(_ context.Context, userID chain.UserID, day chain.Day) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(userID, day), nil
}

func (m *Store) countLocked(userID chain.UserID, day chain.Day) int {
	n := 0
	for _, ev := range m.events[userID] {
		if ev.Day() == day {
			n++
		}
	}
	return n
}

func (m *Store) GetStreak(_ context.Context, userID chain.UserID) (*chain.StreakState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streakLocked(userID), nil
}

func (m *Store) streakLocked(userID chain.UserID) *chain.StreakState {
	s, ok := m.streaks[userID]
	if !ok {
		return nil
	}
	if s.LastCompletedAt != nil {
		t := *s.LastCompletedAt
		s.LastCompletedAt = &t
	}
	return &s
}

func (m *Store) PutStreak(_ context.Context, state chain.StreakState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putStreakLocked(state)
}

func (m *Store) putStreakLocked(state chain.StreakState) error {
	if _, ok := m.users[state.UserID]; !ok {
		return chain.ErrUserNotFound
	}
	if state.LastCompletedAt != nil {
		t := chain.NormalizeUTC(*state.LastCompletedAt)
		state.LastCompletedAt = &t
	}
	m.streaks[state.UserID] = state
	return nil
}

func (m *Store) GetDaily(_ context.Context, userID chain.UserID, day chain.Day) (*chain.DailyCompletion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyLocked(userID, day), nil
}

func (m *Store) dailyLocked(userID chain.UserID, day chain.Day) *chain.DailyCompletion {
	row, ok := m.daily[dailyKey{userID, day}]
	if !ok {
		return nil
	}
	return &row
}

func (m *Store) UpsertDaily(_ context.Context, row chain.DailyCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(row)
}

func (m *Store) upsertLocked(row chain.DailyCompletion) error {
	if _, ok := m.users[row.UserID]; !ok {
		return chain.ErrUserNotFound
	}
	m.daily[dailyKey{row.UserID, row.Date}] = row
	return nil
}

func (m *Store) ReplaceDaily(_ context.Context, userID chain.UserID, rows []chain.DailyCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceLocked(userID, rows)
}

func (m *Store) replaceLocked(userID chain.UserID, rows []chain.DailyCompletion) error {
	if _, ok := m.users[userID]; !ok {
		return chain.ErrUserNotFound
	}
	maps.DeleteFunc(m.daily, func(k dailyKey, _ chain.DailyCompletion) bool {
		return k.UserID == userID
	})
	for _, row := range rows {
		row.UserID = userID
		m.daily[dailyKey{userID, row.Date}] = row
	}
	return nil
}

func (m *Store) ListDaily(_ context.Context, userID chain.UserID, from, to chain.Day) ([]chain.DailyCompletion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(userID, from, to), nil
}

func (m *Store) listLocked(userID chain.UserID, from, to chain.Day) []chain.DailyCompletion {
	var out []chain.DailyCompletion
	for k, row := range m.daily {
		if k.UserID == userID && !k.Date.Before(from) && !k.Date.After(to) {
			out = append(out, row)
		}
	}
	slices.SortFunc(out, func(a, b chain.DailyCompletion) int { return a.Date.Compare(b.Date) })
	return out
}

// =============================================================================
// ANALYTICS
// =============================================================================

func (m *Store) AppendAnalytics(_ context.Context, ev chain.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[ev.UserID]; !ok {
		return chain.ErrUserNotFound
	}
	ev.ID = int64(len(m.analytics) + 1)
	ev.At = chain.NormalizeUTC(ev.At)
	m.analytics = append(m.analytics, ev)
	return nil
}

func (m *Store) HasActivitySince(_ context.Context, userID chain.UserID, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.analytics {
		if ev.UserID == userID && !ev.At.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// Analytics returns a copy of the analytics log.
func (m *Store) Analytics() []chain.AnalyticsEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.analytics)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// Writes go straight to the maps; a snapshot is restored when fn fails.
func (m *Store) WithTx(_ context.Context, fn func(chain.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	nextID  chain.EventID
	streaks map[chain.UserID]chain.StreakState
	events  map[chain.UserID][]chain.CompletionEvent
	byKey   map[string]chain.CompletionEvent
	daily   map[dailyKey]chain.DailyCompletion
}

func (m *Store) snapshot() snapshot {
	events := make(map[chain.UserID][]chain.CompletionEvent, len(m.events))
	for k, v := range m.events {
		events[k] = slices.Clone(v)
	}
	return snapshot{
		nextID:  m.nextID,
		streaks: maps.Clone(m.streaks),
		events:  events,
		byKey:   maps.Clone(m.byKey),
		daily:   maps.Clone(m.daily),
	}
}

func (m *Store) restore(s snapshot) {
	m.nextID = s.nextID
	m.streaks = s.streaks
	m.events = s.events
	m.byKey = s.byKey
	m.daily = s.daily
}

// txView operates on the parent while WithTx holds its lock.
type txView struct {
	parent *Store
}

func (tv *txView) AppendEvent(_ context.Context, ev *chain.CompletionEvent) error {
	return tv.parent.appendLocked(ev)
}

func (tv *txView) FindEventByKey(_ context.Context, key string) (*chain.CompletionEvent, error) {
	return tv.parent.findLocked(key), nil
}

func (tv *txView) LoadEvents(_ context.Context, userID chain.UserID) ([]chain.CompletionEvent, error) {
	return slices.Clone(tv.parent.events[userID]), nil
}

func (tv *txView) CountEventsOnDay(_ context.Context, userID chain.UserID, day chain.Day) (int, error) {
	return tv.parent.countLocked(userID, day), nil
}

func (tv *txView) GetStreak(_ context.Context, userID chain.UserID) (*chain.StreakState, error) {
	return tv.parent.streakLocked(userID), nil
}

func (tv *txView) PutStreak(_ context.Context, state chain.StreakState) error {
	return tv.parent.putStreakLocked(state)
}

func (tv *txView) GetDaily(_ context.Context, userID chain.UserID, day chain.Day) (*chain.DailyCompletion, error) {
	return tv.parent.dailyLocked(userID, day), nil
}

func (tv *txView) UpsertDaily(_ context.Context, row chain.DailyCompletion) error {
	return tv.parent.upsertLocked(row)
}

func (tv *txView) ReplaceDaily(_ context.Context, userID chain.UserID, rows []chain.DailyCompletion) error {
	return tv.parent.replaceLocked(userID, rows)
}

func (tv *txView) ListDaily(_ context.Context, userID chain.UserID, from, to chain.Day) ([]chain.DailyCompletion, error) {
	return tv.parent.listLocked(userID, from, to), nil
}
