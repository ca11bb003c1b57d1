/*
Package sticker maps daily completion counts to sticker grades.

PURPOSE:
  Grade thresholds live in a configuration document, not in code. Adding a
  grade or moving the daily cap is a config edit followed by a reload.

DOCUMENT SCHEMA (JSON or YAML):
  {
    "max_active_task_count": 5,
    "default_grade_id": 0,
    "grades": [
      {"id": 0, "completion_count": 0, "name": "empty",
       "localized_name": "...", "image_path": "stickers/0.png"},
      ...
    ]
  }

PARSING RULES:
  - max_active_task_count defaults to 5; negative or non-integer -> 5
  - default_grade_id defaults to 0
  - a grade without an integer completion_count is skipped
  - a grade without id takes its completion_count as id
  - name_ko is accepted when localized_name is absent
  - a later grade with the same completion_count replaces the earlier one

SEE ALSO:
  - resolver.go: cached lookups and reload
  - source.go: file loading and the env override
*/
package sticker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxActiveTaskCount = 5
	DefaultGradeID            = 0
)

// Grade is one sticker grade.
type Grade struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	LocalizedName   string `json:"localized_name"`
	ImagePath       string `json:"image_path"`
	CompletionCount int    `json:"completion_count"`
}

// Config is a parsed, validated grade configuration.
type Config struct {
	MaxActiveTaskCount int
	DefaultGradeID     int
	Grades             []Grade
}

// DefaultConfig is what a missing or unreadable document degrades to.
func DefaultConfig() Config {
	return Config{MaxActiveTaskCount: DefaultMaxActiveTaskCount, DefaultGradeID: DefaultGradeID}
}

// Format selects the document decoder.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// rawConfig keeps scalar fields untyped so "3", 3 and 3.0 all parse.
type rawConfig struct {
	MaxActiveTaskCount any        `json:"max_active_task_count" yaml:"max_active_task_count"`
	DefaultGradeID     any        `json:"default_grade_id" yaml:"default_grade_id"`
	Grades             []rawGrade `json:"grades" yaml:"grades"`
}

type rawGrade struct {
	ID              any `json:"id" yaml:"id"`
	CompletionCount any `json:"completion_count" yaml:"completion_count"`
	Name            any `json:"name" yaml:"name"`
	LocalizedName   any `json:"localized_name" yaml:"localized_name"`
	NameKo          any `json:"name_ko" yaml:"name_ko"` // legacy alias of localized_name
	ImagePath       any `json:"image_path" yaml:"image_path"`
}

// ParseConfig decodes and validates a grade document.
func ParseConfig(data []byte, format Format) (Config, error) {
	var raw rawConfig
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse yaml grade config: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return Config{}, fmt.Errorf("parse json grade config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if raw.MaxActiveTaskCount != nil {
		if n, ok := wholeInt(raw.MaxActiveTaskCount); ok && n >= 0 {
			cfg.MaxActiveTaskCount = n
		}
	}
	if raw.DefaultGradeID != nil {
		if n, ok := AsInt(raw.DefaultGradeID); ok {
			cfg.DefaultGradeID = n
		}
	}
	for _, g := range raw.Grades {
		count, ok := AsInt(g.CompletionCount)
		if !ok {
			continue
		}
		id := count
		if g.ID != nil {
			if n, ok := AsInt(g.ID); ok {
				id = n
			}
		}
		localized := asString(g.LocalizedName)
		if localized == "" {
			localized = asString(g.NameKo)
		}
		cfg.Grades = append(cfg.Grades, Grade{
			ID:              id,
			Name:            asString(g.Name),
			LocalizedName:   localized,
			ImagePath:       asString(g.ImagePath),
			CompletionCount: count,
		})
	}
	return cfg, nil
}

// AsInt interprets v as an integer: Go integers, finite floats (truncated
// toward zero), json.Number, and base-10 strings. Values beyond the int range
// saturate at math.MaxInt / math.MinInt. Everything else fails.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return uintToInt(uint64(n))
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return uintToInt(uint64(n))
	case uint64:
		return uintToInt(n)
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return floatToInt(f)
		}
		return 0, false
	case string:
		s := strings.TrimSpace(n)
		i, err := strconv.Atoi(s)
		if errors.Is(err, strconv.ErrRange) {
			if strings.HasPrefix(s, "-") {
				return math.MinInt, true
			}
			return math.MaxInt, true
		}
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// wholeInt is AsInt without truncation: fractional floats fail.
func wholeInt(v any) (int, bool) {
	switch n := v.(type) {
	case float32:
		if float64(n) != math.Trunc(float64(n)) {
			return 0, false
		}
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
	case json.Number:
		if _, err := n.Int64(); err != nil {
			if f, err := n.Float64(); err == nil && f != math.Trunc(f) {
				return 0, false
			}
		}
	}
	return AsInt(v)
}

func uintToInt(u uint64) (int, bool) {
	if u > math.MaxInt {
		return math.MaxInt, true
	}
	return int(u), true
}

func floatToInt(f float64) (int, bool) {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0, false
	case f >= math.MaxInt:
		return math.MaxInt, true
	case f <= math.MinInt:
		return math.MinInt, true
	}
	return int(math.Trunc(f)), true
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
