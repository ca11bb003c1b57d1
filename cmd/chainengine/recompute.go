package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/chain-engine/api"
	"github.com/warp/chain-engine/chain"
)

// RecomputeOptions holds flags for the recompute command.
type RecomputeOptions struct {
	*RootOptions
	UserID      int64
	All         bool
	Concurrency int
}

// recomputeOutput is the JSON printed for a single user.
type recomputeOutput struct {
	UserID  int64 `json:"user_id"`
	Events  int   `json:"events"`
	Days    int   `json:"days"`
	Streak  int   `json:"streak"`
	Changed bool  `json:"changed"`
}

// NewRecomputeCommand creates the recompute command.
func NewRecomputeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecomputeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild streak and daily rows from the event log",
		Long: `Re-derive streak state and daily completion rows from completion events.

Running it twice in a row changes nothing the second time. With --all, every
user is processed and a recompute run record is written per user.

Examples:
  chainengine recompute --user 42
  chainengine recompute --all --concurrency 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.All == (opts.UserID != 0) {
				return errors.New("exactly one of --user or --all is required")
			}
			return runRecompute(cmd, opts)
		},
	}

	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "user id to recompute")
	cmd.Flags().BoolVar(&opts.All, "all", false, "recompute every user")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 4, "parallel recomputes with --all")

	return cmd
}

func runRecompute(cmd *cobra.Command, opts *RecomputeOptions) error {
	store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	handler := api.NewHandler(store, opts.resolver(), opts.logger)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if opts.All {
		scheduler := api.NewRecomputeScheduler(store, handler.Chain, opts.logger)
		scheduler.Concurrency = opts.Concurrency
		summary, err := scheduler.RunNow(cmd.Context())
		if err != nil {
			return err
		}
		if err := enc.Encode(api.RecomputeSummaryDTO{
			Users:    summary.Users,
			Repaired: summary.Repaired,
			Failed:   summary.Failed,
		}); err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d users failed", summary.Failed, summary.Users)
		}
		return nil
	}

	result, err := handler.Chain.RecomputeFromEvents(cmd.Context(), chain.UserID(opts.UserID))
	if err != nil {
		return err
	}
	return enc.Encode(recomputeOutput{
		UserID:  int64(result.UserID),
		Events:  result.Events,
		Days:    result.Days,
		Streak:  result.Streak,
		Changed: result.Changed,
	})
}
