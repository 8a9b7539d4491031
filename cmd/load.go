package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ballotwatch/acta-harvester/internal/loader"
)

// newLoadCmd creates the 'load' subcommand, which seeds the queue from a
// station manifest.
func newLoadCmd() *cobra.Command {
	var priority int

	cmd := &cobra.Command{
		Use:   "load <manifest.csv>",
		Short: "Seeds the job queue from a station manifest",
		Long: `Reads a CSV manifest of polling stations (region,subregion,zone,station
with an optional priority column), fans each station out across the
configured tally-sheet categories, and inserts the resulting jobs. Stations
already queued are skipped, so reloading a manifest is safe.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			loaderCfg := loader.Config{
				Categories:      appInstance.Cfg.Loader.Categories,
				DefaultPriority: appInstance.Cfg.Loader.DefaultPriority,
			}
			if cmd.Flags().Changed("priority") {
				loaderCfg.DefaultPriority = priority
			}

			jobs, err := loader.LoadFile(args[0], loaderCfg)
			if err != nil {
				return err
			}

			inserted, err := appInstance.Store.InsertJobs(cmd.Context(), jobs)
			if err != nil {
				return fmt.Errorf("inserting jobs: %w", err)
			}

			appInstance.Logger.Info("manifest loaded",
				zap.String("manifest", args[0]),
				zap.Int("offered", len(jobs)),
				zap.Int("inserted", inserted),
				zap.Int("skipped", len(jobs)-inserted),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d of %d jobs (%d already queued)\n",
				inserted, len(jobs), len(jobs)-inserted)
			return nil
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 0, "override the default priority for every loaded job")

	return cmd
}
