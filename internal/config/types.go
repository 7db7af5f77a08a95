package config

import "time"

// Config represents the complete axispool configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	Uploads UploadsConfig `yaml:"uploads"`
	Queue   QueueConfig   `yaml:"queue"`
	Plotter PlotterConfig `yaml:"plotter"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
}

// StateConfig defines where the job database lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// UploadsConfig defines where submitted SVG files are stored.
type UploadsConfig struct {
	Dir          string `yaml:"dir"`
	MaxSVGSizeMB int    `yaml:"max_svg_size_mb"`
}

// QueueConfig bounds the number of jobs waiting for the plotter.
type QueueConfig struct {
	// MaxPending caps jobs in a non-terminal status. Submissions beyond the
	// cap are rejected rather than queued.
	MaxPending int `yaml:"max_pending"`
}

// PlotterConfig defines how the axicli executable is invoked.
type PlotterConfig struct {
	// CLI is the command prefix for the plotter executable,
	// e.g. ["axicli"] or ["python", "-m", "axicli"].
	CLI []string `yaml:"cli"`

	// ProbeTimeout bounds the `axicli --version` connectivity check.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// GracePeriod is the wait between SIGTERM and SIGKILL when a plot is
	// cancelled or times out.
	GracePeriod time.Duration `yaml:"grace_period"`

	// DefaultTimeout applies to jobs submitted without an explicit timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey is a bearer token required on all /api routes when set.
	// Supports ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "axispool",
			PollInterval: 1 * time.Second,
			LogLevel:     "INFO",
			LogFormat:    "json",
		},
		State: StateConfig{
			Path: "./data/jobs.db",
		},
		Uploads: UploadsConfig{
			Dir:          "./data/uploads",
			MaxSVGSizeMB: 10,
		},
		Queue: QueueConfig{
			MaxPending: 100,
		},
		Plotter: PlotterConfig{
			CLI:            []string{"axicli"},
			ProbeTimeout:   5 * time.Second,
			GracePeriod:    5 * time.Second,
			DefaultTimeout: 1 * time.Hour,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
	}
}
