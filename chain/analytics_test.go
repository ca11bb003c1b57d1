package chain_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/chain-engine/chain"
	"github.com/warp/chain-engine/store/memory"
)

func newTestAnalytics(t *testing.T, now time.Time) (*chain.Analytics, *chain.Manager, *memory.Store) {
	t.Helper()
	mgr, store := newTestManager(t)
	a := chain.NewAnalytics(store, store, nil).WithClock(func() time.Time { return now })
	return a, mgr, store
}

func TestAnalytics_CalendarViewAndSticker(t *testing.T) {
	a, _, store := newTestAnalytics(t, at(2025, time.June, 10, 12, 0))
	ctx := context.Background()

	require.NoError(t, a.RecordCalendarView(ctx, testUser, 4))
	require.NoError(t, a.RecordStickerExposed(ctx, testUser, 3))

	events := store.Analytics()
	require.Len(t, events, 2)
	assert.Equal(t, chain.KindCalendarView, events[0].Kind)
	assert.Equal(t, 4, events[0].Metadata["chain_length"])
	assert.Equal(t, chain.KindStickerExposed, events[1].Kind)
	assert.Equal(t, 3, events[1].Metadata["sticker_grade_id"])
}

func TestAnalytics_RejectsBadInput(t *testing.T) {
	a, _, _ := newTestAnalytics(t, time.Now())
	ctx := context.Background()

	assert.ErrorIs(t, a.RecordCalendarView(ctx, testUser, -1), chain.ErrInvalidInput)
	assert.ErrorIs(t, a.RecordStickerExposed(ctx, testUser, -1), chain.ErrInvalidInput)
	_, err := a.RecordLifecycle(ctx, testUser, chain.KindAppEnter, time.Time{})
	assert.ErrorIs(t, err, chain.ErrInvalidInput)
	assert.ErrorIs(t, a.RecordCalendarView(ctx, 0, 1), chain.ErrInvalidInput)
	assert.ErrorIs(t, a.RecordAppEnter(ctx, 0), chain.ErrInvalidInput)
}

func TestAnalytics_LifecycleDwellTime(t *testing.T) {
	// GIVEN: A completion at 10:00
	a, mgr, store := newTestAnalytics(t, at(2025, time.June, 10, 12, 0))
	ctx := context.Background()
	_, err := mgr.RecordCompletion(ctx, complete("k", at(2025, time.June, 10, 10, 0)))
	require.NoError(t, err)

	// WHEN: The app is paused at 10:30
	dwell, err := a.RecordLifecycle(ctx, testUser, chain.KindAppPaused, at(2025, time.June, 10, 10, 30))

	// THEN: Dwell is 30 minutes in milliseconds
	require.NoError(t, err)
	require.NotNil(t, dwell)
	assert.Equal(t, int64(30*60*1000), *dwell)
	events := store.Analytics()
	require.Len(t, events, 1)
	assert.Equal(t, int64(30*60*1000), events[0].Metadata["dwell_time_ms"])
}

func TestAnalytics_LifecycleWithoutCompletion(t *testing.T) {
	a, _, _ := newTestAnalytics(t, at(2025, time.June, 10, 12, 0))

	dwell, err := a.RecordLifecycle(context.Background(), testUser, chain.KindAppTerminate, time.Time{})

	require.NoError(t, err)
	assert.Nil(t, dwell)
}

func TestAnalytics_IsActiveUser(t *testing.T) {
	now := at(2025, time.June, 10, 12, 0)
	a, mgr, _ := newTestAnalytics(t, now)
	ctx := context.Background()

	// No activity at all
	active, err := a.IsActiveUser(ctx, testUser, 0)
	require.NoError(t, err)
	assert.False(t, active)

	// A completion 8 days ago is outside the default 7-day window
	_, err = mgr.RecordCompletion(ctx, complete("old", now.AddDate(0, 0, -8)))
	require.NoError(t, err)
	active, err = a.IsActiveUser(ctx, testUser, 0)
	require.NoError(t, err)
	assert.False(t, active)

	// but inside a 10-day window
	active, err = a.IsActiveUser(ctx, testUser, 10)
	require.NoError(t, err)
	assert.True(t, active)

	// Opening the app today makes the user active
	require.NoError(t, a.RecordAppEnter(ctx, testUser))
	active, err = a.IsActiveUser(ctx, testUser, 0)
	require.NoError(t, err)
	assert.True(t, active)
}
