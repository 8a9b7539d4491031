package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newResetCmd creates the 'reset' subcommand, which requeues failed jobs.
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Moves failed and retry jobs back to pending",
		Long: `Clears the attempt counter and last error of every failed or retry job
and returns it to the pending pool. Use after a target outage or after
raising retry.max_attempts.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			reset, err := appInstance.Store.ResetFailed(cmd.Context())
			if err != nil {
				return fmt.Errorf("resetting failed jobs: %w", err)
			}

			appInstance.Logger.Info("failed jobs reset", zap.Int("count", reset))
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d jobs\n", reset)
			return nil
		},
	}
}
