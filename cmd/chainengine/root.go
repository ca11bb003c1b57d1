package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/warp/chain-engine/sticker"
	"github.com/warp/chain-engine/store/sqlite"
)

// DefaultStickerConfig is used when neither the flag nor the env var is set.
const DefaultStickerConfig = "config/sticker_grades.json"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database      string
	StickerConfig string
	LogLevel      string
	LogFormat     string

	logger *slog.Logger
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chainengine",
		Short: "Completion chain and daily sticker engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, validFormats)
			}
			level, err := parseLevel(opts.LogLevel)
			if err != nil {
				return err
			}
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.LogFormat, level)
			slog.SetDefault(opts.logger)

			if !cmd.Flags().Changed("sticker-config") {
				opts.StickerConfig = sticker.ConfigPath(DefaultStickerConfig)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "chain.db", "SQLite database path")
	cmd.PersistentFlags().StringVar(&opts.StickerConfig, "sticker-config", DefaultStickerConfig, "sticker grade document (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRecomputeCommand(opts))
	cmd.AddCommand(NewGradeCommand(opts))

	return cmd
}

func (o *RootOptions) openStore() (*sqlite.Store, error) {
	store, err := sqlite.New(o.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (o *RootOptions) resolver() *sticker.Resolver {
	return sticker.NewResolver(sticker.FileSource{Path: o.StickerConfig}, o.logger)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
