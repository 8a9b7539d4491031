package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ballotwatch/acta-harvester/internal/api"
	"github.com/ballotwatch/acta-harvester/internal/executor"
	"github.com/ballotwatch/acta-harvester/internal/harvest"
	"github.com/ballotwatch/acta-harvester/internal/orchestrator"
)

// newRunCmd creates the 'run' subcommand, which drains the queue until the
// process receives a signal.
func newRunCmd() *cobra.Command {
	var (
		dryRun         bool
		dryRunLatency  time.Duration
		dryRunFailures float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the harvest worker pool",
		Long: `Starts the worker pool, the stale-claim reaper, the progress monitor,
and the HTTP observability listener. Runs until interrupted; workers finish
their current job before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, dryRun, dryRunLatency, dryRunFailures)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate fetches instead of hitting the target")
	cmd.Flags().DurationVar(&dryRunLatency, "dry-run-latency", 200*time.Millisecond, "simulated fetch latency in dry-run mode")
	cmd.Flags().Float64Var(&dryRunFailures, "dry-run-failure-rate", 0, "probability in [0,1] of a simulated transient failure")

	return cmd
}

func runHarvest(cmd *cobra.Command, dryRun bool, latency time.Duration, failureRate float64) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger
	cfg := appInstance.Cfg

	exec, err := buildExecutor(dryRun, latency, failureRate)
	if err != nil {
		return err
	}

	limiter, err := appInstance.NewLimiter()
	if err != nil {
		return err
	}

	o := orchestrator.New(
		appInstance.Store,
		limiter,
		exec,
		appInstance.Clock,
		orchestrator.Config{
			Workers:         cfg.Pool.Workers,
			IdleInterval:    cfg.IdleInterval(),
			ClaimBackoff:    cfg.ClaimBackoff(),
			ReapInterval:    cfg.ReapInterval(),
			StaleTimeout:    cfg.StaleTimeout(),
			MonitorInterval: cfg.MonitorInterval(),
		},
		logger,
	)

	// The listener has its own lifetime; it stops after the pool drains so
	// /stats stays live during shutdown.
	srvCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	srvDone := make(chan error, 1)
	go func() {
		server := api.NewServer(appInstance.Store, logger)
		srvDone <- server.ListenAndServe(srvCtx, cfg.Server.Port)
	}()

	o.Run(cmd.Context())

	stopServer()
	if err := <-srvDone; err != nil {
		logger.Warn("http listener stopped with error", zap.Error(err))
	}
	return nil
}

func buildExecutor(dryRun bool, latency time.Duration, failureRate float64) (harvest.Executor, error) {
	if !dryRun {
		// The document fetcher ships in a separate build; this binary only
		// exercises the queue.
		return nil, errors.New("no fetch executor in this build, pass --dry-run to simulate")
	}
	if failureRate < 0 || failureRate > 1 {
		return nil, fmt.Errorf("dry-run failure rate %v out of range [0,1]", failureRate)
	}
	return &executor.DryRun{Latency: latency, FailureRate: failureRate}, nil
}
