package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the 'status' subcommand, which prints a queue
// snapshot.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints a snapshot of the job queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			stats, err := appInstance.Store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("collecting stats: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending:        %d\n", stats.Pending)
			fmt.Fprintf(out, "in_progress:    %d\n", stats.InProgress)
			fmt.Fprintf(out, "retry:          %d\n", stats.Retry)
			fmt.Fprintf(out, "completed:      %d\n", stats.Completed)
			fmt.Fprintf(out, "failed:         %d\n", stats.Failed)
			fmt.Fprintf(out, "total:          %d\n", stats.Total())
			fmt.Fprintf(out, "active_workers: %d\n", stats.ActiveWorkers)
			return nil
		},
	}
}
