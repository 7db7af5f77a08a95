// Package plotter owns the exclusive channel to the AxiDraw hardware. All
// device access goes through the Controller's state machine; no other
// component touches the plotter process directly.
package plotter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/penplot/axispool/internal/job"
	"github.com/penplot/axispool/internal/log"
)

// maxStderrBytes caps the amount of stderr captured from plotter execution.
const maxStderrBytes = 64 * 1024

// State is the plotter's execution state. It is process-wide and not
// persisted across restarts.
type State string

const (
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Result classifies how an execution ended. Every execution produces exactly
// one of these; process-level failures never escape as raw errors.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailure   Result = "failure"
	ResultTimeout   Result = "timeout"
	ResultCancelled Result = "cancelled"
)

// Outcome is the normalized result of one execution.
type Outcome struct {
	Result   Result
	ExitCode int
	Stderr   string
	Message  string
}

// Info describes the connected device, refreshed by Probe.
type Info struct {
	Connected bool
	Model     string
	Firmware  string
}

// StatusSnapshot is a point-in-time view of the controller for the API.
type StatusSnapshot struct {
	State         State
	CurrentJobID  string
	Connected     bool
	Model         string
	Firmware      string
	UptimeSeconds int64
	JobsCompleted int
}

var (
	// ErrNotIdle is returned when Execute or Probe is attempted while the
	// controller cannot accept it.
	ErrNotIdle = errors.New("plotter is not idle")

	// ErrNotFaulted is returned by Reset when there is no fault to clear.
	ErrNotFaulted = errors.New("plotter is not in the error state")

	// ErrDeviceFault means the plotter process could not be terminated and
	// the device can no longer be considered released.
	ErrDeviceFault = errors.New("plotter device fault")
)

// Config carries the controller's invocation settings.
type Config struct {
	// CLI is the command prefix for the plotter executable.
	CLI []string
	// ProbeTimeout bounds the connectivity check.
	ProbeTimeout time.Duration
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// DefaultTimeout applies when a job carries no timeout of its own.
	DefaultTimeout time.Duration
}

// Controller runs at most one plotter process at a time. The mutex guards
// the state fields; opMu serializes the probe subprocess against execution
// so the two never talk to the device concurrently.
type Controller struct {
	cli            []string
	probeTimeout   time.Duration
	grace          time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger
	startedAt      time.Time

	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	currentJobID  string
	cancelCh      chan struct{}
	cancelled     bool
	info          Info
	jobsCompleted int
}

func New(cfg Config) *Controller {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 1 * time.Hour
	}
	return &Controller{
		cli:            cfg.CLI,
		probeTimeout:   cfg.ProbeTimeout,
		grace:          cfg.GracePeriod,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         log.WithComponent("plotter"),
		startedAt:      time.Now(),
		state:          StateIdle,
	}
}

// State returns the current execution state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Idle reports whether the controller can accept a job. Satisfies the
// queue's device gate.
func (c *Controller) Idle() bool {
	return c.State() == StateIdle
}

// CurrentJobID returns the id of the job being plotted, or "".
func (c *Controller) CurrentJobID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentJobID
}

// Snapshot returns a point-in-time status view.
func (c *Controller) Snapshot() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StatusSnapshot{
		State:         c.state,
		CurrentJobID:  c.currentJobID,
		Connected:     c.info.Connected,
		Model:         c.info.Model,
		Firmware:      c.info.Firmware,
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		JobsCompleted: c.jobsCompleted,
	}
}

// Probe runs the non-destructive connectivity check (`axicli --version`) and
// flips the controller between idle and disconnected accordingly. It is
// skipped with ErrNotIdle while a plot is running; an error-state controller
// updates its device info but stays faulted until Reset.
func (c *Controller) Probe(ctx context.Context) (Info, error) {
	c.mu.Lock()
	if c.state == StateBusy {
		info := c.info
		c.mu.Unlock()
		return info, ErrNotIdle
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	args := probeArgs(c.cli)
	cmd := exec.CommandContext(pctx, args[0], args[1:]...)
	out, err := cmd.Output()

	info := Info{Connected: err == nil}
	if info.Connected {
		info.Model = "AxiDraw"
		if line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n"); line != "" {
			info.Firmware = line
		}
	}

	c.mu.Lock()
	c.info = info
	switch {
	case c.state == StateIdle && !info.Connected:
		c.state = StateDisconnected
	case c.state == StateDisconnected && info.Connected:
		c.state = StateIdle
	}
	state := c.state
	c.mu.Unlock()

	if info.Connected {
		c.logger.Info("plotter connected", "firmware", info.Firmware)
	} else {
		c.logger.Warn("plotter not detected", "state", state, "error", err)
	}
	return info, nil
}

// Execute plots a job. Valid only from idle; the controller is busy until
// the process exits, times out, or is cancelled, and exactly one of those
// becomes the recorded outcome. A non-nil error means the device itself is
// faulted (the process would not die) and the controller stays in the error
// state until Reset.
func (c *Controller) Execute(ctx context.Context, j *job.Job) (Outcome, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: state is %s", ErrNotIdle, state)
	}
	c.state = StateBusy
	c.currentJobID = j.ID
	c.cancelCh = make(chan struct{})
	c.cancelled = false
	cancelCh := c.cancelCh
	c.mu.Unlock()

	c.opMu.Lock()
	out, fault := c.run(ctx, j, cancelCh)
	c.opMu.Unlock()

	c.mu.Lock()
	c.currentJobID = ""
	c.cancelCh = nil
	if fault != nil {
		c.state = StateError
	} else {
		c.state = StateIdle
		if out.Result == ResultSuccess {
			c.jobsCompleted++
		}
	}
	c.mu.Unlock()

	return out, fault
}

// Cancel requests graceful termination of the in-flight plot. Returns false
// when nothing is running or cancellation was already requested, making
// repeated calls harmless.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateBusy || c.cancelCh == nil || c.cancelled {
		return false
	}
	c.cancelled = true
	close(c.cancelCh)
	c.logger.Info("cancellation requested", "job_id", c.currentJobID)
	return true
}

// Reset clears a device fault. Only valid from the error state; recovering
// from a fault is an explicit operator action, not something the scheduler
// does on its own.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateError {
		return fmt.Errorf("%w: state is %s", ErrNotFaulted, c.state)
	}
	c.state = StateIdle
	c.logger.Info("plotter fault cleared")
	return nil
}

// run starts the plotter process and waits for the first of: process exit,
// timeout, cancel request, or service shutdown.
func (c *Controller) run(ctx context.Context, j *job.Job, cancelCh <-chan struct{}) (Outcome, error) {
	jobLogger := log.WithJob(j.ID)

	timeout := j.Parameters.Timeout()
	if j.Parameters.TimeoutSeconds <= 0 {
		timeout = c.defaultTimeout
	}

	args := BuildArgs(c.cli, j.Filepath, j.Parameters)
	jobLogger.Info("starting plot", "args", args, "timeout", timeout)

	cmd := exec.Command(args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Outcome{
			Result:  ResultFailure,
			Message: fmt.Sprintf("start plotter process: %v", err),
		}, nil
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		return normalizeExit(err, &stderr), nil

	case <-timer.C:
		jobLogger.Warn("plot timed out, terminating", "timeout", timeout)
		out := Outcome{
			Result:  ResultTimeout,
			Message: fmt.Sprintf("plot timed out after %s", timeout),
		}
		return c.finishTerminate(cmd, waitErr, &stderr, out, jobLogger)

	case <-cancelCh:
		jobLogger.Info("plot cancelled, terminating")
		out := Outcome{
			Result:  ResultCancelled,
			Message: "cancelled by user",
		}
		return c.finishTerminate(cmd, waitErr, &stderr, out, jobLogger)

	case <-ctx.Done():
		jobLogger.Info("shutdown requested, terminating plot")
		out := Outcome{
			Result:  ResultCancelled,
			Message: "cancelled by service shutdown",
		}
		return c.finishTerminate(cmd, waitErr, &stderr, out, jobLogger)
	}
}

// finishTerminate tears the process down and fills in captured stderr. The
// buffer is only safe to read once Wait has returned; on a fault the process
// is still alive and its copier may still be writing, so stderr stays empty.
func (c *Controller) finishTerminate(cmd *exec.Cmd, waitErr <-chan error, stderr *bytes.Buffer, out Outcome, logger *slog.Logger) (Outcome, error) {
	fault := c.terminate(cmd, waitErr, logger)
	if fault == nil {
		out.Stderr = truncateStderr(stderr.String())
	}
	return out, fault
}

// terminate sends SIGTERM, waits out the grace period, then escalates to
// SIGKILL. A non-nil return means the process would not die and the device
// must be treated as faulted.
func (c *Controller) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	if cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(c.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("plotter process exited after SIGTERM")
		return nil
	case <-grace.C:
		logger.Warn("plotter process did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("%w: SIGKILL failed: %v", ErrDeviceFault, err)
		}
		select {
		case <-waitErr:
			return nil
		case <-time.After(c.grace):
			return fmt.Errorf("%w: process survived SIGKILL", ErrDeviceFault)
		}
	}
}

// normalizeExit folds a process exit into an Outcome.
func normalizeExit(err error, stderr *bytes.Buffer) Outcome {
	if err == nil {
		return Outcome{Result: ResultSuccess}
	}

	stderrStr := truncateStderr(stderr.String())

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderrStr)
		if msg == "" {
			msg = fmt.Sprintf("plotter exited with code %d", exitErr.ExitCode())
		}
		return Outcome{
			Result:   ResultFailure,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderrStr,
			Message:  msg,
		}
	}

	return Outcome{
		Result:  ResultFailure,
		Stderr:  stderrStr,
		Message: fmt.Sprintf("wait for plotter process: %v", err),
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
