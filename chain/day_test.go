package chain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/chain-engine/chain"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-03T10:00:00Z", at(2025, time.March, 3, 10, 0)},
		{"2025-03-04T01:30:00+09:00", at(2025, time.March, 3, 16, 30)},
		{"2025-03-03T10:00:00", at(2025, time.March, 3, 10, 0)},
		{"2025-03-03 10:00:00.5", at(2025, time.March, 3, 10, 0).Add(500 * time.Millisecond)},
		{"2025-03-03T10:00", at(2025, time.March, 3, 10, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := chain.ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	_, err := chain.ParseTimestamp("yesterday")

	assert.ErrorIs(t, err, chain.ErrInvalidInput)
	var inputErr *chain.InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, "completed_at", inputErr.Field)
}

func TestDayOf_UsesUTC(t *testing.T) {
	// GIVEN: 01:30 on March 4 in UTC+9, which is still March 3 in UTC
	seoul := time.FixedZone("KST", 9*60*60)
	local := time.Date(2025, time.March, 4, 1, 30, 0, 0, seoul)

	// THEN: The UTC day wins
	assert.Equal(t, chain.NewDay(2025, time.March, 3), chain.DayOf(local))
}

func TestDay_Arithmetic(t *testing.T) {
	d := chain.NewDay(2024, time.February, 28)

	assert.Equal(t, chain.NewDay(2024, time.February, 29), d.Next())
	assert.Equal(t, chain.NewDay(2024, time.March, 1), d.AddDays(2))
	assert.True(t, d.Before(d.Next()))
	assert.True(t, d.Next().After(d))
	assert.Equal(t, "2024-02-28", d.String())
	assert.True(t, d.Contains(time.Date(2024, time.February, 28, 23, 59, 59, 0, time.UTC)))
	assert.False(t, d.Contains(time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)))
}

func TestParseDay(t *testing.T) {
	d, err := chain.ParseDay("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, chain.NewDay(2024, time.February, 29), d)

	_, err = chain.ParseDay("2023-02-29")
	assert.ErrorIs(t, err, chain.ErrInvalidInput)
}

func TestDaysIn(t *testing.T) {
	assert.Equal(t, 29, chain.DaysIn(2024, time.February))
	assert.Equal(t, 28, chain.DaysIn(2023, time.February))
	assert.Equal(t, 28, chain.DaysIn(1900, time.February))
	assert.Equal(t, 29, chain.DaysIn(2000, time.February))
	assert.Equal(t, 31, chain.DaysIn(2025, time.December))
}
