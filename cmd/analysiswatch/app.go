package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/analysiswatch/internal/analysis"
	"github.com/chr1sbest/analysiswatch/internal/backend"
	"github.com/chr1sbest/analysiswatch/internal/config"
	"github.com/chr1sbest/analysiswatch/internal/logger"
)

const defaultStateDir = ".analysiswatch"

// app holds what every command needs: the validated config, where it came
// from and the logger built from it.
type app struct {
	cfg     *config.Config
	cfgPath string
	log     logger.Logger
	closers []func() error
}

func knownSubtools() []string {
	defaults := analysis.DefaultSubtools()
	out := make([]string, len(defaults))
	for i, s := range defaults {
		out[i] = string(s)
	}
	return out
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	levelOverride, _ := cmd.Flags().GetString("log-level")

	loader := config.NewLoader(".")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = loader.LoadAndValidate(path, knownSubtools())
	} else {
		cfg, path, err = loader.LoadDefault()
		if err == nil {
			err = config.ValidateConfig(cfg, knownSubtools())
		}
	}
	if err != nil {
		return nil, err
	}
	if levelOverride != "" {
		cfg.Log.Level = levelOverride
	}

	a := &app{cfg: cfg, cfgPath: path}
	a.log, err = a.buildLogger(cmd)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildLogger logs to stderr, and also to log.file when set.
func (a *app) buildLogger(cmd *cobra.Command) (logger.Logger, error) {
	level := logger.ParseLevel(a.cfg.Log.Level)
	console := logger.New(cmd.ErrOrStderr(), level)
	if a.cfg.Log.File == "" {
		return console, nil
	}
	fl, err := logger.NewFileLogger(a.cfg.Log.File, level)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	a.closers = append(a.closers, fl.Close)
	return logger.NewMultiLogger(console, fl), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// stateDir returns the directory for the database and lock, creating it.
func (a *app) stateDir() (string, error) {
	dir := strings.TrimSpace(a.cfg.StateDir)
	if dir == "" {
		dir = defaultStateDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

func (a *app) dbPath() (string, error) {
	dir, err := a.stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "analysiswatch.db"), nil
}

func (a *app) client(baseURL string) *backend.Client {
	if baseURL == "" {
		baseURL = a.cfg.Backend.BaseURL
	}
	return backend.New(baseURL,
		backend.WithTimeout(a.cfg.Backend.GetRequestTimeout()),
		backend.WithRateLimit(a.cfg.Backend.RateLimit, a.cfg.Backend.RateBurst),
	)
}

// analysisConfig converts the file config into polling settings.
func analysisConfig(cfg *config.Config) (analysis.Config, error) {
	subtools, err := analysis.ParseSubtools(cfg.Subtools)
	if err != nil {
		return analysis.Config{}, err
	}
	return analysis.Config{
		Subtools:           subtools,
		Interval:           cfg.Polling.GetInterval(),
		MaxDuration:        cfg.Polling.GetMaxDuration(),
		RequestTimeout:     cfg.Backend.GetRequestTimeout(),
		ColdStartThreshold: cfg.Polling.GetColdStartThreshold(),
		FailureThreshold:   cfg.Polling.GetFailureThreshold(),
		SubtoolGracePeriod: cfg.Polling.GetSubtoolGracePeriod(),
		MaxInterval:        cfg.Polling.GetMaxInterval(),
		BackoffMultiplier:  cfg.Polling.GetBackoffMultiplier(),
		Jitter:             cfg.Polling.GetJitter(),
	}, nil
}
