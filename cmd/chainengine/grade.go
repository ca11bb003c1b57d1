package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// GradeOptions holds flags for the grade command.
type GradeOptions struct {
	*RootOptions
	Count string
}

// NewGradeCommand creates the grade command.
func NewGradeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GradeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Resolve a completion count to a sticker grade",
		Long: `Resolve a completion count against the sticker grade document.

Counts above max_active_task_count resolve to the top grade. Negative or
non-numeric counts resolve to the default grade.

Examples:
  chainengine grade --count 3
  chainengine grade --count 9 --sticker-config ./grades.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			grade, ok := opts.resolver().Resolve(opts.Count)
			if !ok {
				return fmt.Errorf("no sticker grade for count %q", opts.Count)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(grade)
		},
	}

	cmd.Flags().StringVar(&opts.Count, "count", "0", "completion count")

	return cmd
}
