package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFileNames are tried in order by LoadDefault.
var DefaultFileNames = []string{"analysiswatch.yaml", "analysiswatch.yml", "analysiswatch.json"}

// Loader handles loading configuration files.
type Loader struct {
	configDir string
}

// NewLoader creates a new config loader.
func NewLoader(configDir string) *Loader {
	return &Loader{configDir: configDir}
}

// LoadFile loads a configuration from a specific file path.
// Environment variables in the config are expanded before parsing.
// Supports ${VAR} and ${VAR:-default} syntax. Files ending in .yaml or .yml
// are parsed as YAML, everything else as JSON.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = ExpandEnvVarsBytes(data)

	cfg := Default()
	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return cfg, nil
}

// LoadAndValidate loads and validates a config file against known subtools.
func (l *Loader) LoadAndValidate(path string, knownSubtools []string) (*Config, error) {
	cfg, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg, knownSubtools); err != nil {
		return nil, fmt.Errorf("config validation failed for %s:\n%w", path, err)
	}

	return cfg, nil
}

// LoadDefault loads the first default file found in the config directory.
// It returns Default() and an empty path when none exists.
func (l *Loader) LoadDefault() (*Config, string, error) {
	for _, name := range DefaultFileNames {
		path := filepath.Join(l.configDir, name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
		cfg, err := l.LoadFile(path)
		return cfg, path, err
	}
	return Default(), "", nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
