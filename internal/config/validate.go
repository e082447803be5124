package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError holds details about a configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
	Context string
}

func (e ValidationError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (in %s)", e.Field, e.Message, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, "  - "+e.Error())
	}
	return fmt.Sprintf("validation failed with %d error(s):\n%s", len(errs), strings.Join(msgs, "\n"))
}

// HasErrors returns true if there are any validation errors.
func (errs ValidationErrors) HasErrors() bool {
	return len(errs) > 0
}

var knownLogLevels = []string{"debug", "info", "warn", "warning", "error"}

// Validator validates configuration files.
type Validator struct {
	knownSubtools []string
}

// NewValidator creates a new config validator. An empty knownSubtools list
// accepts any subtool name.
func NewValidator(knownSubtools []string) *Validator {
	return &Validator{knownSubtools: knownSubtools}
}

// Validate checks a config for errors and returns detailed validation errors.
func (v *Validator) Validate(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, validateBaseURL(cfg.Backend.BaseURL)...)
	if cfg.Backend.RateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "rate_limit",
			Message: "must not be negative",
			Context: "backend",
		})
	}
	if cfg.Backend.RateBurst < 0 {
		errs = append(errs, ValidationError{
			Field:   "rate_burst",
			Message: "must not be negative",
			Context: "backend",
		})
	}
	errs = append(errs, checkDuration("request_timeout", "backend", cfg.Backend.RequestTimeout, true)...)

	p := cfg.Polling
	errs = append(errs, checkDuration("interval", "polling", p.Interval, true)...)
	errs = append(errs, checkDuration("max_duration", "polling", p.MaxDuration, true)...)
	errs = append(errs, checkDuration("cold_start_threshold", "polling", p.ColdStartThreshold, true)...)
	errs = append(errs, checkDuration("subtool_grace_period", "polling", p.SubtoolGracePeriod, false)...)
	errs = append(errs, checkDuration("max_interval", "polling", p.MaxInterval, true)...)
	if p.FailureThreshold < 0 {
		errs = append(errs, ValidationError{
			Field:   "failure_threshold",
			Message: "must not be negative",
			Context: "polling",
		})
	}
	if p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiplier",
			Message: fmt.Sprintf("must be at least 1, got %g", p.BackoffMultiplier),
			Context: "polling",
		})
	}
	if p.Jitter != nil && (*p.Jitter < 0 || *p.Jitter > 1) {
		errs = append(errs, ValidationError{
			Field:   "jitter",
			Message: fmt.Sprintf("must be between 0 and 1, got %g", *p.Jitter),
			Context: "polling",
		})
	}
	if p.GetMaxInterval() < p.GetInterval() {
		errs = append(errs, ValidationError{
			Field:   "max_interval",
			Message: "must not be shorter than interval",
			Context: "polling",
		})
	}

	seen := make(map[string]bool)
	for i, name := range cfg.Subtools {
		ctx := fmt.Sprintf("subtools[%d]", i)
		if name == "" {
			errs = append(errs, ValidationError{
				Field:   "subtools",
				Message: "subtool name is required",
				Context: ctx,
			})
			continue
		}
		if len(v.knownSubtools) > 0 && !contains(v.knownSubtools, name) {
			errs = append(errs, ValidationError{
				Field:   "subtools",
				Message: fmt.Sprintf("unknown subtool %q, known subtools: %s", name, strings.Join(v.knownSubtools, ", ")),
				Context: ctx,
			})
		}
		if seen[name] {
			errs = append(errs, ValidationError{
				Field:   "subtools",
				Message: fmt.Sprintf("duplicate subtool %q", name),
				Context: ctx,
			})
		}
		seen[name] = true
	}

	if cfg.Log.Level != "" && !contains(knownLogLevels, strings.ToLower(cfg.Log.Level)) {
		errs = append(errs, ValidationError{
			Field:   "level",
			Message: fmt.Sprintf("unknown log level %q", cfg.Log.Level),
			Context: "log",
		})
	}

	return errs
}

func validateBaseURL(raw string) ValidationErrors {
	if raw == "" {
		return ValidationErrors{{Field: "base_url", Message: "backend base URL is required", Context: "backend"}}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ValidationErrors{{Field: "base_url", Message: fmt.Sprintf("invalid URL %q", raw), Context: "backend"}}
	}
	return nil
}

func checkDuration(field, context, value string, positive bool) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	switch {
	case err != nil:
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration %q", value), Context: context}}
	case d < 0 || (positive && d == 0):
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("duration %q out of range", value), Context: context}}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ValidateConfig is a convenience function to validate a config with known subtools.
func ValidateConfig(cfg *Config, knownSubtools []string) error {
	validator := NewValidator(knownSubtools)
	errs := validator.Validate(cfg)
	if errs.HasErrors() {
		return errs
	}
	return nil
}
