package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/penplot/axispool/internal/events"
	"github.com/penplot/axispool/internal/job"
	"github.com/penplot/axispool/internal/log"
	"github.com/penplot/axispool/internal/plotter"
	"github.com/penplot/axispool/internal/queue"
)

// recoveryMessage is recorded on jobs found in the running state at startup.
const recoveryMessage = "service restarted while job was running; job terminated abnormally"

// CancelResult tells the API what a cancellation request amounted to.
type CancelResult string

const (
	CancelAccepted        CancelResult = "accepted"
	CancelNotFound        CancelResult = "not_found"
	CancelAlreadyTerminal CancelResult = "already_terminal"
)

// Controller is the slice of the plotter controller the dispatcher needs.
type Controller interface {
	Execute(ctx context.Context, j *job.Job) (plotter.Outcome, error)
	Cancel() bool
	CurrentJobID() string
}

// Queue is the slice of the queue manager the dispatcher drives.
type Queue interface {
	NextRunnable(ctx context.Context) (*job.Job, error)
	MarkRunning(ctx context.Context, id string) (*job.Job, error)
	MarkTerminal(ctx context.Context, id string, status job.Status, errMsg string) (*job.Job, error)
}

// Store is the slice of the job store the dispatcher reads and, for
// cancellation and recovery, writes directly.
type Store interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error)
	UpdateStatusFrom(ctx context.Context, id string, from, next job.Status, errMsg string) (*job.Job, error)
}

// Dispatcher pulls jobs off the queue one at a time and runs them on the
// plotter. Execute blocks for the duration of a plot, so the poll loop itself
// guarantees at most one job in flight.
type Dispatcher struct {
	queue    Queue
	store    Store
	ctrl     Controller
	hub      *events.Hub
	interval time.Duration
	logger   *slog.Logger
}

func New(q Queue, store Store, ctrl Controller, hub *events.Hub, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		queue:    q,
		store:    store,
		ctrl:     ctrl,
		hub:      hub,
		interval: interval,
		logger:   log.WithComponent("dispatch"),
	}
}

// Start recovers orphaned jobs and then polls until ctx is cancelled. It
// blocks; run it in its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.recoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}

	d.logger.Info("dispatcher started", "poll_interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// First poll immediately so queued jobs don't wait a full interval
	// after startup.
	d.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return ctx.Err()
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// recoverOrphans marks jobs persisted as running by a previous process as
// failed. The plotter process died with the service, so the plot is gone;
// restarting it unattended could double-plot or collide with a repositioned
// pen.
func (d *Dispatcher) recoverOrphans(ctx context.Context) error {
	orphans, err := d.store.List(ctx, job.StatusRunning, 0)
	if err != nil {
		return err
	}

	for _, o := range orphans {
		if _, err := d.store.UpdateStatusFrom(ctx, o.ID, job.StatusRunning, job.StatusFailed, recoveryMessage); err != nil {
			return fmt.Errorf("mark orphaned job %s failed: %w", o.ID, err)
		}
		d.logger.Warn("recovered orphaned job", "job_id", o.ID, "filename", o.Filename)
		d.publishJob(events.TypeJobFailed, o.ID, job.StatusFailed, recoveryMessage)
	}
	return nil
}

// poll runs at most one job. Errors are logged, never fatal; the next tick
// retries.
func (d *Dispatcher) poll(ctx context.Context) {
	next, err := d.queue.NextRunnable(ctx)
	if err != nil {
		d.logger.Error("failed to query queue", "error", err)
		return
	}
	if next == nil {
		return
	}

	running, err := d.queue.MarkRunning(ctx, next.ID)
	if err != nil {
		// The job was cancelled between polls or the plotter claimed
		// other work. Either way there is nothing to run right now.
		if errors.Is(err, queue.ErrNotIdle) || errors.Is(err, job.ErrInvalidTransition) {
			d.logger.Debug("job no longer runnable", "job_id", next.ID, "reason", err)
			return
		}
		d.logger.Error("failed to mark job running", "job_id", next.ID, "error", err)
		return
	}

	d.publishJob(events.TypeJobRunning, running.ID, job.StatusRunning, "")
	d.execute(ctx, running)
}

// execute runs one job to completion and records the terminal status.
func (d *Dispatcher) execute(ctx context.Context, j *job.Job) {
	jobLogger := log.WithJob(j.ID)
	jobLogger.Info("dispatching job", "filename", j.Filename)

	out, fault := d.ctrl.Execute(ctx, j)
	if fault != nil {
		// The device is wedged; the job failed regardless of how the
		// execution was classified.
		msg := fmt.Sprintf("%s; plotter fault: %v", out.Message, fault)
		if out.Message == "" {
			msg = fmt.Sprintf("plotter fault: %v", fault)
		}
		jobLogger.Error("plotter faulted during job", "error", fault)
		d.finish(ctx, j.ID, job.StatusFailed, msg)
		return
	}

	switch out.Result {
	case plotter.ResultSuccess:
		jobLogger.Info("job completed")
		d.finish(ctx, j.ID, job.StatusSucceeded, "")
	case plotter.ResultCancelled:
		jobLogger.Info("job cancelled", "message", out.Message)
		d.finish(ctx, j.ID, job.StatusCancelled, out.Message)
	default: // failure, timeout
		jobLogger.Warn("job failed", "result", out.Result, "exit_code", out.ExitCode, "message", out.Message)
		d.finish(ctx, j.ID, job.StatusFailed, out.Message)
	}
}

// finish records a terminal status. A failure here is logged but not
// propagated; the job row stays running and the operator can see the
// mismatch in the logs.
func (d *Dispatcher) finish(ctx context.Context, id string, status job.Status, errMsg string) {
	// The outcome must land even when ctx was cancelled by shutdown;
	// otherwise the job would surface as a crash artifact on restart.
	ctx = context.WithoutCancel(ctx)
	if _, err := d.queue.MarkTerminal(ctx, id, status, errMsg); err != nil {
		d.logger.Error("failed to record job outcome", "job_id", id, "status", status, "error", err)
		return
	}
	d.publishJob(eventTypeFor(status), id, status, errMsg)
}

const (
	cancelAttempts   = 5
	cancelRetryDelay = 10 * time.Millisecond
)

// CancelJob cancels a job wherever it currently is: queued jobs are cancelled
// in the store, the running job is cancelled through the controller, and
// terminal jobs are left alone. The retry loop absorbs races with the poll
// loop (a queued job may start running between the read and the update).
func (d *Dispatcher) CancelJob(ctx context.Context, id string) (CancelResult, error) {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(cancelRetryDelay)
		}

		j, err := d.store.Get(ctx, id)
		if errors.Is(err, job.ErrJobNotFound) {
			return CancelNotFound, nil
		}
		if err != nil {
			return "", fmt.Errorf("load job %s: %w", id, err)
		}

		switch j.Status {
		case job.StatusQueued:
			// Guarded on the observed status: if the poll loop promoted
			// the job after the read, the update must fail so the cancel
			// is forwarded to the controller instead of relabeling a row
			// whose plot is already in motion.
			_, err := d.store.UpdateStatusFrom(ctx, id, job.StatusQueued, job.StatusCancelled, "cancelled by user")
			if errors.Is(err, job.ErrInvalidTransition) {
				continue // raced with the dispatcher, re-read
			}
			if err != nil {
				return "", fmt.Errorf("cancel queued job %s: %w", id, err)
			}
			d.logger.Info("queued job cancelled", "job_id", id)
			d.publishJob(events.TypeJobCancelled, id, job.StatusCancelled, "cancelled by user")
			return CancelAccepted, nil

		case job.StatusRunning:
			if d.ctrl.CurrentJobID() == id {
				// Cancel reporting false means a cancel is already in
				// flight; either way the execution settles and the
				// dispatcher records the outcome once Execute returns.
				d.ctrl.Cancel()
				return CancelAccepted, nil
			}
			// The row is running but the controller has not claimed the
			// job yet, or just released it. Re-read after a short delay.
			continue

		default:
			return CancelAlreadyTerminal, nil
		}
	}

	// Retries exhausted. Report the settled state rather than guessing.
	j, err := d.store.Get(ctx, id)
	if errors.Is(err, job.ErrJobNotFound) {
		return CancelNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("load job %s: %w", id, err)
	}
	if j.Status.Terminal() {
		return CancelAlreadyTerminal, nil
	}
	return "", fmt.Errorf("job %s is %s but the cancellation could not be delivered", id, j.Status)
}

func (d *Dispatcher) publishJob(eventType, id string, status job.Status, errMsg string) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(eventType, jobEvent{JobID: id, Status: status, Error: errMsg})
}

func eventTypeFor(status job.Status) string {
	switch status {
	case job.StatusSucceeded:
		return events.TypeJobSucceeded
	case job.StatusCancelled:
		return events.TypeJobCancelled
	default:
		return events.TypeJobFailed
	}
}

type jobEvent struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
	Error  string     `json:"error,omitempty"`
}
