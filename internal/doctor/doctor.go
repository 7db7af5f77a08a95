// Package doctor runs preflight checks against an axispool configuration:
// can the plotter CLI be invoked, and are the state paths usable.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/penplot/axispool/internal/config"
	"github.com/penplot/axispool/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host environment.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.checkServiceConfig(r)
	d.checkPlotterCLI(ctx, r)
	d.checkStatePath(ctx, r)
	d.checkUploadsDir(r)
	d.checkAPIConfig(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkServiceConfig(r *Result) {
	if d.cfg.Service.PollInterval <= 0 {
		d.addError(r, "service", "service.poll_interval", "poll_interval must be positive")
	}
	if d.cfg.Queue.MaxPending <= 0 {
		d.addError(r, "queue", "queue.max_pending", "max_pending must be positive")
	}
}

// checkPlotterCLI verifies the configured executable exists and answers a
// version query. The device itself may still be unplugged; that only shows up
// as a probe failure at runtime, not a config error.
func (d *Doctor) checkPlotterCLI(ctx context.Context, r *Result) {
	cli := d.cfg.Plotter.CLI
	if len(cli) == 0 {
		d.addError(r, "plotter", "plotter.cli", "cli command is empty")
		return
	}

	if _, err := exec.LookPath(cli[0]); err != nil {
		d.addError(r, "plotter", "plotter.cli",
			fmt.Sprintf("executable %q not found in PATH: %v", cli[0], err))
		return
	}

	probeTimeout := d.cfg.Plotter.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := append(append([]string(nil), cli...), "--version")
	if _, err := exec.CommandContext(pctx, args[0], args[1:]...).CombinedOutput(); err != nil {
		d.addWarning(r, "plotter", "plotter.cli",
			fmt.Sprintf("%q failed: %v (is the AxiDraw connected?)", strings.Join(args, " "), err))
	}
}

// checkStatePath verifies the job database can actually be opened, which also
// covers directory creation and write permission.
func (d *Doctor) checkStatePath(ctx context.Context, r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}

	db, err := storage.OpenSQLite(ctx, d.cfg.State.Path)
	if err != nil {
		d.addError(r, "state", "state.path",
			fmt.Sprintf("cannot open job database: %v", err))
		return
	}
	_ = db.Close()
}

func (d *Doctor) checkUploadsDir(r *Result) {
	dir := d.cfg.Uploads.Dir
	if dir == "" {
		d.addError(r, "uploads", "uploads.dir", "uploads.dir is required")
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addError(r, "uploads", "uploads.dir",
			fmt.Sprintf("cannot create uploads directory: %v", err))
		return
	}

	probe := filepath.Join(dir, ".doctor-write-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		d.addError(r, "uploads", "uploads.dir",
			fmt.Sprintf("uploads directory is not writable: %v", err))
		return
	}
	_ = os.Remove(probe)

	if d.cfg.Uploads.MaxSVGSizeMB <= 0 {
		d.addError(r, "uploads", "uploads.max_svg_size_mb", "max_svg_size_mb must be positive")
	}
}

func (d *Doctor) checkAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when the API is enabled")
	}
	if d.cfg.API.APIKey == "" {
		d.addWarning(r, "api", "api.api_key",
			"API enabled without an api_key; anyone who can reach the listen address can drive the plotter")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
