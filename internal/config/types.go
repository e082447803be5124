package config

import "time"

// Config is the analysiswatch configuration loaded from JSON or YAML.
type Config struct {
	Backend  BackendConfig `json:"backend" yaml:"backend"`
	Polling  PollingConfig `json:"polling" yaml:"polling"`
	Subtools []string      `json:"subtools,omitempty" yaml:"subtools,omitempty"`
	Log      LogConfig     `json:"log" yaml:"log"`
	StateDir string        `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`
}

// BackendConfig locates the analysis service.
type BackendConfig struct {
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	RequestTimeout string  `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"` // e.g. "15s"
	RateLimit      float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`           // requests per second, 0 = unlimited
	RateBurst      int     `json:"rate_burst,omitempty" yaml:"rate_burst,omitempty"`
}

// PollingConfig controls the poll loop. Durations are strings such as "2s".
type PollingConfig struct {
	Interval           string  `json:"interval,omitempty" yaml:"interval,omitempty"`
	MaxDuration        string  `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
	ColdStartThreshold string  `json:"cold_start_threshold,omitempty" yaml:"cold_start_threshold,omitempty"`
	FailureThreshold   int     `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SubtoolGracePeriod string  `json:"subtool_grace_period,omitempty" yaml:"subtool_grace_period,omitempty"`
	MaxInterval        string  `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	BackoffMultiplier  float64 `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`

	// Jitter is a pointer so an explicit 0 disables it.
	Jitter *float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// LogConfig selects the log level and an optional log file.
type LogConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Default returns a config pointing at a local backend.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{BaseURL: "http://localhost:8080"},
		Log:     LogConfig{Level: "info"},
	}
}

// GetRequestTimeout returns the per-request timeout (default 15s).
func (b BackendConfig) GetRequestTimeout() time.Duration {
	return parseDuration(b.RequestTimeout, 15*time.Second)
}

// GetInterval returns the base poll interval (default 2s).
func (p PollingConfig) GetInterval() time.Duration {
	return parseDuration(p.Interval, 2*time.Second)
}

// GetMaxDuration returns the overall polling limit for a run (default 5m).
func (p PollingConfig) GetMaxDuration() time.Duration {
	return parseDuration(p.MaxDuration, 5*time.Minute)
}

// GetColdStartThreshold returns how long to wait before reporting a cold start (default 10s).
func (p PollingConfig) GetColdStartThreshold() time.Duration {
	return parseDuration(p.ColdStartThreshold, 10*time.Second)
}

// GetFailureThreshold returns the consecutive failures that end polling (default 3).
func (p PollingConfig) GetFailureThreshold() int {
	if p.FailureThreshold <= 0 {
		return 3
	}
	return p.FailureThreshold
}

// GetSubtoolGracePeriod returns how long a failed subtool stays pending (default 30s).
func (p PollingConfig) GetSubtoolGracePeriod() time.Duration {
	return parseDuration(p.SubtoolGracePeriod, 30*time.Second)
}

// GetMaxInterval returns the backoff cap (default 30s).
func (p PollingConfig) GetMaxInterval() time.Duration {
	return parseDuration(p.MaxInterval, 30*time.Second)
}

// GetBackoffMultiplier returns the per-failure multiplier (default 2).
func (p PollingConfig) GetBackoffMultiplier() float64 {
	if p.BackoffMultiplier < 1 {
		return 2.0
	}
	return p.BackoffMultiplier
}

// GetJitter returns the jitter factor (default 0.1).
func (p PollingConfig) GetJitter() float64 {
	if p.Jitter == nil {
		return 0.1
	}
	return *p.Jitter
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
