package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. Missing fields take
// their defaults; the result is validated before being returned.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	data = expandEnvVars(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnvVars substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// applyDefaults fills zero values that yaml.Unmarshal may have cleared when a
// section was present but a field was not.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.PollInterval == 0 {
		cfg.Service.PollInterval = d.Service.PollInterval
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if cfg.Uploads.Dir == "" {
		cfg.Uploads.Dir = d.Uploads.Dir
	}
	if cfg.Uploads.MaxSVGSizeMB == 0 {
		cfg.Uploads.MaxSVGSizeMB = d.Uploads.MaxSVGSizeMB
	}
	if cfg.Queue.MaxPending == 0 {
		cfg.Queue.MaxPending = d.Queue.MaxPending
	}
	if len(cfg.Plotter.CLI) == 0 {
		cfg.Plotter.CLI = d.Plotter.CLI
	}
	if cfg.Plotter.ProbeTimeout == 0 {
		cfg.Plotter.ProbeTimeout = d.Plotter.ProbeTimeout
	}
	if cfg.Plotter.GracePeriod == 0 {
		cfg.Plotter.GracePeriod = d.Plotter.GracePeriod
	}
	if cfg.Plotter.DefaultTimeout == 0 {
		cfg.Plotter.DefaultTimeout = d.Plotter.DefaultTimeout
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
}

func validate(cfg *Config) error {
	if cfg.Service.PollInterval <= 0 {
		return fmt.Errorf("service.poll_interval must be positive")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Uploads.Dir == "" {
		return fmt.Errorf("uploads.dir is required")
	}
	if cfg.Uploads.MaxSVGSizeMB <= 0 {
		return fmt.Errorf("uploads.max_svg_size_mb must be positive")
	}
	if cfg.Queue.MaxPending <= 0 {
		return fmt.Errorf("queue.max_pending must be positive")
	}
	if len(cfg.Plotter.CLI) == 0 {
		return fmt.Errorf("plotter.cli is required")
	}
	if cfg.Plotter.GracePeriod <= 0 {
		return fmt.Errorf("plotter.grace_period must be positive")
	}
	if cfg.Plotter.DefaultTimeout <= 0 {
		return fmt.Errorf("plotter.default_timeout must be positive")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled")
	}
	return nil
}
