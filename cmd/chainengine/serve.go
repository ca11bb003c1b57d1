package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/chain-engine/api"
	"github.com/warp/chain-engine/sticker"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr                 string
	RecomputeInterval    time.Duration
	RecomputeConcurrency int
	WatchConfig          bool
	AllowedOrigins       []string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().DurationVar(&opts.RecomputeInterval, "recompute-interval", time.Hour, "drift repair interval (0 disables)")
	cmd.Flags().IntVar(&opts.RecomputeConcurrency, "recompute-concurrency", 4, "parallel recomputes per pass")
	cmd.Flags().BoolVar(&opts.WatchConfig, "watch-config", false, "reload the sticker config when the file changes")
	cmd.Flags().StringSliceVar(&opts.AllowedOrigins, "allowed-origins", nil, "CORS allowed origins")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	logger := opts.logger

	store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	grades := opts.resolver()
	table := grades.Table()
	logger.Info("sticker grades ready", "path", opts.StickerConfig, "grades", table.Len())

	if opts.WatchConfig {
		watcher, err := sticker.NewWatcher(opts.StickerConfig, grades, logger)
		if err != nil {
			logger.Warn("sticker config watcher unavailable", "error", err)
		} else {
			defer watcher.Close()
			go watcher.Run(ctx)
		}
	}

	handler := api.NewHandler(store, grades, logger)

	scheduler := api.NewRecomputeScheduler(store, handler.Chain, logger)
	scheduler.CheckInterval = opts.RecomputeInterval
	scheduler.Concurrency = opts.RecomputeConcurrency
	scheduler.Enabled = opts.RecomputeInterval > 0
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         opts.Addr,
		Handler:      api.NewRouter(handler, opts.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", opts.Addr, "db", opts.Database)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
