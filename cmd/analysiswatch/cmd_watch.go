package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/analysiswatch/internal/analysis"
	"github.com/chr1sbest/analysiswatch/internal/backend"
	"github.com/chr1sbest/analysiswatch/internal/banner"
	"github.com/chr1sbest/analysiswatch/internal/config"
	"github.com/chr1sbest/analysiswatch/internal/logger"
	"github.com/chr1sbest/analysiswatch/internal/metrics"
	"github.com/chr1sbest/analysiswatch/internal/status"
	"github.com/chr1sbest/analysiswatch/internal/storage"
	"github.com/chr1sbest/analysiswatch/internal/tracker"
)

type watchOptions struct {
	runID       string
	create      bool
	baseURL     string
	statusFile  string
	metricsAddr string
	retries     int
	retryDelay  time.Duration
	quiet       bool
	hotReload   bool
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [runId]",
		Short: "Poll a run until every subtool resolves",
		Long: `Poll an analysis run and report progress as subtool results arrive.

Without a run id the run stored by the previous watch is resumed. With
--new, or when nothing is stored, a new run is created on the backend.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := watchOptions{}
			if len(args) == 1 {
				opts.runID = args[0]
			}
			opts.create, _ = cmd.Flags().GetBool("new")
			opts.baseURL, _ = cmd.Flags().GetString("backend")
			opts.statusFile, _ = cmd.Flags().GetString("status-file")
			opts.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
			opts.retries, _ = cmd.Flags().GetInt("retries")
			opts.retryDelay, _ = cmd.Flags().GetDuration("retry-delay")
			opts.quiet, _ = cmd.Flags().GetBool("quiet")
			noReload, _ := cmd.Flags().GetBool("no-reload")
			opts.hotReload = !noReload

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, opts)
		},
	}

	cmd.Flags().Bool("new", false, "Create a new run instead of resuming the stored one")
	cmd.Flags().String("backend", "", "Backend base URL (overrides backend.base_url)")
	cmd.Flags().String("status-file", "", "Write the latest snapshot as JSON to this file (default: <state_dir>/status.json)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().Int("retries", 0, "Retry a run this many times after it stops with an error")
	cmd.Flags().Duration("retry-delay", 5*time.Second, "Wait before each retry")
	cmd.Flags().BoolP("quiet", "q", false, "Do not draw the progress display")
	cmd.Flags().Bool("no-reload", false, "Do not reload polling settings when the config file changes")
	return cmd
}

func (a *app) watch(ctx context.Context, opts watchOptions) error {
	acfg, err := analysisConfig(a.cfg)
	if err != nil {
		return err
	}
	dir, err := a.stateDir()
	if err != nil {
		return err
	}
	dbPath, err := a.dbPath()
	if err != nil {
		return err
	}
	store, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	client := a.client(opts.baseURL)
	runID, err := a.resolveRun(ctx, store, client, acfg, opts)
	if err != nil {
		return err
	}

	tw := tracker.NewWriter(dir)
	release, err := tw.AcquireLock(runID)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	if err := store.SetCurrentRun(runID); err != nil {
		return fmt.Errorf("failed to store current run: %w", err)
	}

	statusWriter := tw
	if opts.statusFile != "" {
		statusWriter = tracker.NewFileWriter(opts.statusFile)
	}

	if opts.metricsAddr != "" {
		shutdown := a.serveMetrics(opts.metricsAddr)
		defer shutdown()
	}

	engine := analysis.NewEngine(client, analysis.WithConfig(acfg), analysis.WithLogger(a.log))
	defer engine.Close()

	if opts.hotReload && a.cfgPath != "" {
		cw, err := config.NewWatcher(config.NewLoader("."), a.cfgPath, knownSubtools())
		if err != nil {
			return err
		}
		if err := cw.Start(ctx); err != nil {
			return err
		}
		defer cw.Stop()
		go a.applyConfigEvents(cw.Events(), engine)
	}

	var display *status.Writer
	if !opts.quiet {
		baseURL := opts.baseURL
		if baseURL == "" {
			baseURL = a.cfg.Backend.BaseURL
		}
		names := make([]string, 0, len(acfg.Subtools))
		for _, s := range acfg.Subtools {
			names = append(names, string(s))
		}
		if len(names) == 0 {
			names = knownSubtools()
		}
		banner.New().Print(banner.Info{
			RunID:       runID,
			BackendURL:  baseURL,
			Subtools:    names,
			Interval:    acfg.Interval.String(),
			MaxDuration: acfg.MaxDuration.String(),
		})
		display = status.New()
	}

	finished := make(chan analysis.Snapshot, 1)
	unsubscribe := engine.Subscribe(func(s analysis.Snapshot) {
		if s.RunID == "" {
			return
		}
		if display != nil {
			display.Show(s)
		}
		if err := store.SaveSnapshot(s); err != nil {
			a.log.Warn("failed to save snapshot", logger.F("run_id", s.RunID), logger.F("error", err.Error()))
		}
		if err := statusWriter.WriteSnapshot(s); err != nil {
			a.log.Warn("failed to write status file", logger.F("path", statusWriter.StatusPath), logger.F("error", err.Error()))
		}
		if !s.Loading {
			select {
			case finished <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := engine.SetRun(runID); err != nil {
		return err
	}

	retries := opts.retries
	for {
		select {
		case <-ctx.Done():
			a.log.Info("watch interrupted", logger.F("run_id", runID))
			return nil
		case s := <-finished:
			if engine.Snapshot().Loading {
				continue
			}
			if s.Err == nil {
				a.log.Info("analysis complete",
					logger.F("run_id", runID),
					logger.F("results", s.Results.Len()),
					logger.F("failed", len(s.Failed)))
				return nil
			}
			if retries <= 0 || !retryable(s.Reason) {
				return fmt.Errorf("analysis run %s: %w", runID, s.Err)
			}
			retries--
			a.log.Warn("retrying analysis run",
				logger.F("run_id", runID),
				logger.F("error", s.Err.Error()),
				logger.F("retries_left", retries))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(opts.retryDelay):
			}
			engine.Retry()
		}
	}
}

// retryable reports whether polling again can change the outcome.
func retryable(reason analysis.Reason) bool {
	return reason == analysis.ReasonUnavailable || reason == analysis.ReasonTimeout
}

func (a *app) resolveRun(ctx context.Context, store *storage.Storage, client *backend.Client, acfg analysis.Config, opts watchOptions) (string, error) {
	runID := strings.TrimSpace(opts.runID)
	if runID != "" {
		return runID, nil
	}
	if !opts.create {
		stored, err := store.CurrentRun()
		if err != nil {
			return "", fmt.Errorf("failed to read current run: %w", err)
		}
		if stored != "" {
			a.log.Info("resuming stored run", logger.F("run_id", stored))
			return stored, nil
		}
	}

	req := backend.CreateRunRequest{}
	for _, s := range acfg.Subtools {
		req.Subtools = append(req.Subtools, string(s))
	}
	created, err := client.CreateRun(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	a.log.Info("created analysis run", logger.F("run_id", created.RunID))
	return created.RunID, nil
}

// applyConfigEvents pushes reloaded polling settings into the engine until
// events is closed.
func (a *app) applyConfigEvents(events <-chan config.ConfigEvent, engine *analysis.Engine) {
	for ev := range events {
		if ev.Error != nil {
			a.log.Warn("config reload failed, keeping previous settings",
				logger.F("path", ev.Path), logger.F("error", ev.Error.Error()))
			continue
		}
		acfg, err := analysisConfig(ev.Config)
		if err != nil {
			a.log.Warn("config reload rejected", logger.F("path", ev.Path), logger.F("error", err.Error()))
			continue
		}
		engine.SetConfig(acfg)
		a.log.Info("config reloaded",
			logger.F("path", ev.Path),
			logger.F("interval", acfg.Interval.String()),
			logger.F("max_duration", acfg.MaxDuration.String()))
	}
}

func (a *app) serveMetrics(addr string) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", logger.F("addr", addr), logger.F("error", err.Error()))
		}
	}()
	a.log.Info("serving metrics", logger.F("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
