package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/chr1sbest/analysiswatch/internal/logger"
	"github.com/chr1sbest/analysiswatch/internal/simulator"
)

func newSimulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated analysis backend",
		Long: `Serve an in-process analysis backend that wakes up slowly, completes
subtools on a schedule and can inject subtool failures, outages and run
failures. Point watch at it with --backend.`,
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
			addr, _ := cmd.Flags().GetString("addr")

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sim := simulator.New(sc, simulator.WithLogger(a.log.WithFields(logger.F("component", "simulator"))))
			fmt.Fprintf(cmd.OutOrStdout(), "Simulated backend listening on http://%s\n", ln.Addr())
			return serveSimulator(ctx, ln, sim)
		},
	}

	cmd.Flags().String("addr", "127.0.0.1:8080", "Listen address")
	addScenarioFlags(cmd)
	return cmd
}

func addScenarioFlags(cmd *cobra.Command) {
	def := simulator.DefaultScenario()
	cmd.Flags().Duration("cold-start", def.ColdStart, "How long the backend answers 503 after its first request")
	cmd.Flags().Duration("default-delay", def.DefaultDelay, "Completion time for subtools without --delay")
	cmd.Flags().StringToString("delay", nil, "Per-subtool completion time, e.g. strategies=20s")
	cmd.Flags().StringToString("fail-subtool", nil, "Make a subtool fail with a message, e.g. strategies=\"optimizer diverged\"")
	cmd.Flags().StringSlice("outage", nil, "Outage window relative to run creation, e.g. 20s-35s")
	cmd.Flags().Duration("fail-run-after", 0, "Fail the whole run after this long (0 = never)")
	cmd.Flags().String("fail-run-message", "", "Error message for a failed run")
}

func scenarioFromFlags(cmd *cobra.Command) (simulator.Scenario, error) {
	sc := simulator.DefaultScenario()
	sc.ColdStart, _ = cmd.Flags().GetDuration("cold-start")
	sc.DefaultDelay, _ = cmd.Flags().GetDuration("default-delay")

	delays, _ := cmd.Flags().GetStringToString("delay")
	for name, raw := range delays {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return simulator.Scenario{}, fmt.Errorf("invalid --delay %s=%s", name, raw)
		}
		sc.Delays[name] = d
	}

	failures, _ := cmd.Flags().GetStringToString("fail-subtool")
	if len(failures) > 0 {
		sc.Failures = make(map[string]string, len(failures))
		for name, msg := range failures {
			if msg == "" {
				msg = "subtool failed"
			}
			sc.Failures[name] = msg
		}
	}

	outages, _ := cmd.Flags().GetStringSlice("outage")
	for _, raw := range outages {
		o, err := simulator.ParseOutage(raw)
		if err != nil {
			return simulator.Scenario{}, err
		}
		sc.Outages = append(sc.Outages, o)
	}

	sc.FailRunAfter, _ = cmd.Flags().GetDuration("fail-run-after")
	sc.FailRunMessage, _ = cmd.Flags().GetString("fail-run-message")
	return sc, nil
}

// serveSimulator serves sim on ln until ctx is done.
func serveSimulator(ctx context.Context, ln net.Listener, sim *simulator.Server) error {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
