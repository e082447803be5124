package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chr1sbest/analysiswatch/internal/logger"
	"github.com/chr1sbest/analysiswatch/internal/simulator"
)

func newDemoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Watch a new run against a local simulated backend",
		Long: `Start the simulated backend on a free local port, create a run on it
and watch that run to completion. Scenario flags match simulate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sc, err := scenarioFromFlags(cmd)
			if err != nil {
				return err
			}
			opts := watchOptions{}
			opts.statusFile, _ = cmd.Flags().GetString("status-file")
			opts.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
			opts.retries, _ = cmd.Flags().GetInt("retries")
			opts.retryDelay, _ = cmd.Flags().GetDuration("retry-delay")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.demo(ctx, sc, opts)
		},
	}

	addScenarioFlags(cmd)
	cmd.Flags().String("status-file", "", "Write the latest snapshot as JSON to this file")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().Int("retries", 1, "Retry the run this many times after it stops with an error")
	cmd.Flags().Duration("retry-delay", 0, "Wait before each retry")
	return cmd
}

func (a *app) demo(ctx context.Context, sc simulator.Scenario, opts watchOptions) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start simulator: %w", err)
	}
	opts.baseURL = "http://" + ln.Addr().String()

	sim := simulator.New(sc, simulator.WithLogger(a.log.WithFields(logger.F("component", "simulator"))))
	// The run is registered directly so the watch starts into the cold start.
	runID, err := sim.CreateRun(nil)
	if err != nil {
		ln.Close()
		return err
	}
	opts.runID = runID
	a.log.Info("demo backend started", logger.F("url", opts.baseURL), logger.F("run_id", runID))

	serveCtx, stopServer := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		return serveSimulator(gctx, ln, sim)
	})
	g.Go(func() error {
		defer stopServer()
		return a.watch(gctx, opts)
	})
	return g.Wait()
}
