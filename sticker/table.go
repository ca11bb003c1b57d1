package sticker

import "sort"

// Table is an immutable count->grade lookup built from one Config.
type Table struct {
	max          int
	defaultID    int
	byCount      map[int]Grade
	defaultGrade *Grade
}

// BuildTable indexes cfg. The default grade is the grade whose id equals
// DefaultGradeID, else the grade for count 0, else the lowest-count grade.
// An empty config yields an empty table with no default grade.
func BuildTable(cfg Config) *Table {
	t := &Table{
		max:       max(cfg.MaxActiveTaskCount, 0),
		defaultID: cfg.DefaultGradeID,
		byCount:   make(map[int]Grade, len(cfg.Grades)),
	}
	for _, g := range cfg.Grades {
		t.byCount[g.CompletionCount] = g
	}

	for _, g := range cfg.Grades {
		if g.ID == cfg.DefaultGradeID && t.byCount[g.CompletionCount] == g {
			def := g
			t.defaultGrade = &def
		}
	}
	if t.defaultGrade == nil && len(t.byCount) > 0 {
		if g, ok := t.byCount[0]; ok {
			t.defaultGrade = &g
		} else {
			counts := t.counts()
			g := t.byCount[counts[0]]
			t.defaultGrade = &g
		}
	}
	return t
}

// MaxActiveTaskCount is the ceiling for daily counts.
func (t *Table) MaxActiveTaskCount() int { return t.max }

// DefaultGradeID is the configured default id (the grade itself may be absent).
func (t *Table) DefaultGradeID() int { return t.defaultID }

// Len returns the number of distinct counts with a grade.
func (t *Table) Len() int { return len(t.byCount) }

// Default returns the default grade, if any.
func (t *Table) Default() (Grade, bool) {
	if t.defaultGrade == nil {
		return Grade{}, false
	}
	return *t.defaultGrade, true
}

// Lookup applies the ceiling rule and falls back to the default grade.
// Negative counts resolve to the default.
func (t *Table) Lookup(count int) (Grade, bool) {
	if count < 0 {
		return t.Default()
	}
	if count >= t.max {
		count = t.max
	}
	if g, ok := t.byCount[count]; ok {
		return g, true
	}
	return t.Default()
}

// ByID returns the grade with the given id, if any.
func (t *Table) ByID(id int) (Grade, bool) {
	for _, c := range t.counts() {
		if g := t.byCount[c]; g.ID == id {
			return g, true
		}
	}
	return Grade{}, false
}

// Grades returns all grades ordered by completion count.
func (t *Table) Grades() []Grade {
	out := make([]Grade, 0, len(t.byCount))
	for _, c := range t.counts() {
		out = append(out, t.byCount[c])
	}
	return out
}

func (t *Table) counts() []int {
	counts := make([]int, 0, len(t.byCount))
	for c := range t.byCount {
		counts = append(counts, c)
	}
	sort.Ints(counts)
	return counts
}
