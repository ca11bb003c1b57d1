package sticker_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/chain-engine/sticker"
)

func TestParseConfig_JSON(t *testing.T) {
	doc := `{
		"max_active_task_count": "4",
		"default_grade_id": 10,
		"grades": [
			{"id": 10, "completion_count": 0, "name": "empty"},
			{"completion_count": 1.0, "name": "one", "name_ko": "하나"},
			{"id": 12, "completion_count": "2", "name": "two", "localized_name": "둘", "image_path": "s/2.png"},
			{"id": 13, "name": "no count"},
			{"id": 14, "completion_count": "many"}
		]
	}`

	cfg, err := sticker.ParseConfig([]byte(doc), sticker.FormatJSON)

	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxActiveTaskCount)
	assert.Equal(t, 10, cfg.DefaultGradeID)
	require.Len(t, cfg.Grades, 3, "grades without an integer count are skipped")
	assert.Equal(t, sticker.Grade{ID: 10, Name: "empty", CompletionCount: 0}, cfg.Grades[0])
	assert.Equal(t, 1, cfg.Grades[1].ID, "id defaults to completion_count")
	assert.Equal(t, "하나", cfg.Grades[1].LocalizedName)
	assert.Equal(t, sticker.Grade{ID: 12, Name: "two", LocalizedName: "둘", ImagePath: "s/2.png", CompletionCount: 2}, cfg.Grades[2])
}

func TestParseConfig_YAML(t *testing.T) {
	doc := `
max_active_task_count: 3
grades:
  - id: 0
    completion_count: 0
    name: empty
  - id: 3
    completion_count: 3
    name: full
`
	cfg, err := sticker.ParseConfig([]byte(doc), sticker.FormatYAML)

	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxActiveTaskCount)
	assert.Equal(t, sticker.DefaultGradeID, cfg.DefaultGradeID)
	require.Len(t, cfg.Grades, 2)
	assert.Equal(t, "full", cfg.Grades[1].Name)
}

func TestParseConfig_InvalidMaxFallsBack(t *testing.T) {
	for _, raw := range []string{`-1`, `"lots"`, `null`, `true`} {
		cfg, err := sticker.ParseConfig([]byte(`{"max_active_task_count": `+raw+`}`), sticker.FormatJSON)
		require.NoError(t, err, raw)
		assert.Equal(t, sticker.DefaultMaxActiveTaskCount, cfg.MaxActiveTaskCount, raw)
	}

	cfg, err := sticker.ParseConfig([]byte(`{"max_active_task_count": 0}`), sticker.FormatJSON)
	require.NoError(t, err)
	assert.Zero(t, cfg.MaxActiveTaskCount)
}

func TestParseConfig_FractionalMaxFallsBack(t *testing.T) {
	// GIVEN: A cap that is not a whole number
	cfg, err := sticker.ParseConfig([]byte(`{"max_active_task_count": 3.7}`), sticker.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, sticker.DefaultMaxActiveTaskCount, cfg.MaxActiveTaskCount)

	cfg, err = sticker.ParseConfig([]byte("max_active_task_count: 3.7\n"), sticker.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, sticker.DefaultMaxActiveTaskCount, cfg.MaxActiveTaskCount)

	// THEN: A whole float is still accepted
	cfg, err = sticker.ParseConfig([]byte(`{"max_active_task_count": 3.0}`), sticker.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxActiveTaskCount)
}

func TestParseConfig_Malformed(t *testing.T) {
	_, err := sticker.ParseConfig([]byte(`{"grades": [`), sticker.FormatJSON)
	assert.Error(t, err)

	_, err = sticker.ParseConfig([]byte("grades: [\n  - : :"), sticker.FormatYAML)
	assert.Error(t, err)
}

func TestAsInt(t *testing.T) {
	tests := []struct {
		in   any
		want int
		ok   bool
	}{
		{3, 3, true},
		{int64(-2), -2, true},
		{uint8(7), 7, true},
		{2.9, 2, true},
		{-2.9, -2, true},
		{json.Number("4"), 4, true},
		{json.Number("4.5"), 4, true},
		{" 5 ", 5, true},
		{"5.5", 0, false},
		{"abc", 0, false},
		{true, 0, false},
		{nil, 0, false},
		{math.NaN(), 0, false},
		{math.Inf(1), 0, false},
		{uint64(math.MaxUint64), math.MaxInt, true},
		{1e30, math.MaxInt, true},
		{-1e30, math.MinInt, true},
		{"99999999999999999999", math.MaxInt, true},
		{"-99999999999999999999", math.MinInt, true},
		{json.Number("99999999999999999999"), math.MaxInt, true},
	}
	for _, tt := range tests {
		got, ok := sticker.AsInt(tt.in)
		assert.Equal(t, tt.ok, ok, "%#v", tt.in)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
}

func TestBuildTable_DefaultGrade(t *testing.T) {
	grades := []sticker.Grade{
		{ID: 7, CompletionCount: 2},
		{ID: 8, CompletionCount: 1},
		{ID: 9, CompletionCount: 0},
	}

	// Matching id wins
	def, ok := sticker.BuildTable(sticker.Config{MaxActiveTaskCount: 5, DefaultGradeID: 7, Grades: grades}).Default()
	require.True(t, ok)
	assert.Equal(t, 7, def.ID)

	// Otherwise the count-0 grade
	def, ok = sticker.BuildTable(sticker.Config{MaxActiveTaskCount: 5, DefaultGradeID: 42, Grades: grades}).Default()
	require.True(t, ok)
	assert.Equal(t, 9, def.ID)

	// Otherwise the lowest count
	def, ok = sticker.BuildTable(sticker.Config{MaxActiveTaskCount: 5, DefaultGradeID: 42, Grades: grades[:2]}).Default()
	require.True(t, ok)
	assert.Equal(t, 8, def.ID)

	// Empty table has no default
	_, ok = sticker.BuildTable(sticker.DefaultConfig()).Default()
	assert.False(t, ok)
}

func TestTable_Lookup(t *testing.T) {
	table := sticker.BuildTable(sticker.Config{
		MaxActiveTaskCount: 3,
		Grades: []sticker.Grade{
			{ID: 0, CompletionCount: 0},
			{ID: 1, CompletionCount: 1},
			{ID: 3, CompletionCount: 3},
		},
	})

	tests := []struct {
		count int
		want  int
	}{
		{-5, 0}, // default
		{0, 0},
		{1, 1},
		{2, 0}, // unregistered -> default
		{3, 3},
		{99, 3}, // ceiling
	}
	for _, tt := range tests {
		g, ok := table.Lookup(tt.count)
		require.True(t, ok)
		assert.Equal(t, tt.want, g.ID, "count %d", tt.count)
	}

	assert.Equal(t, 3, table.Len())
	grades := table.Grades()
	assert.Equal(t, []int{0, 1, 3}, []int{grades[0].CompletionCount, grades[1].CompletionCount, grades[2].CompletionCount})
}

func TestTable_ByID(t *testing.T) {
	table := sticker.BuildTable(sticker.Config{
		MaxActiveTaskCount: 3,
		Grades:             []sticker.Grade{{ID: 10, CompletionCount: 0}, {ID: 11, CompletionCount: 2}},
	})

	g, ok := table.ByID(11)
	require.True(t, ok)
	assert.Equal(t, 2, g.CompletionCount)

	_, ok = table.ByID(2)
	assert.False(t, ok)
}
