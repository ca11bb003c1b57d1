package sticker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath overrides the grade document location.
const EnvConfigPath = "STICKER_GRADES_CONFIG_PATH"

// ConfigPath returns $STICKER_GRADES_CONFIG_PATH when it names an existing
// file, otherwise fallback.
func ConfigPath(fallback string) string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return fallback
}

// FileSource reads a JSON or YAML grade document from disk.
// ".yaml" and ".yml" select YAML; anything else is JSON.
type FileSource struct {
	Path string
}

func (f FileSource) Read() (Config, error) {
	if f.Path == "" {
		return Config{}, fmt.Errorf("sticker grade config path is empty")
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Config{}, fmt.Errorf("read sticker grade config: %w", err)
	}
	return ParseConfig(data, FormatFor(f.Path))
}

// FormatFor picks the decoder from a file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}
