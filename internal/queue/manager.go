// Package queue exposes FIFO admission over the job store. The store is the
// single source of truth; there is no in-memory shadow queue, so a restart
// recovers the queue for free.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/penplot/axispool/internal/job"
	"github.com/penplot/axispool/internal/log"
)

var (
	// ErrQueueFull is returned when the non-terminal job count has reached
	// the configured bound.
	ErrQueueFull = errors.New("queue is full")

	// ErrNotIdle is returned when a job would be started while the plotter
	// is not idle.
	ErrNotIdle = errors.New("plotter is not idle")
)

// DeviceGate reports whether the plotter can accept work. The queue consults
// it before releasing or starting a job, which together with the controller's
// own state guard enforces the single-active-job invariant.
type DeviceGate interface {
	Idle() bool
}

// Manager provides FIFO admission logic over the job store.
type Manager struct {
	store      *job.Store
	gate       DeviceGate
	maxPending int
	logger     *slog.Logger
}

func New(store *job.Store, gate DeviceGate, maxPending int) *Manager {
	return &Manager{
		store:      store,
		gate:       gate,
		maxPending: maxPending,
		logger:     log.WithComponent("queue"),
	}
}

// Enqueue creates a new queued job, rejecting the submission with
// ErrQueueFull when too many jobs are still pending.
func (m *Manager) Enqueue(ctx context.Context, filename, filepath string, params job.Parameters) (*job.Job, error) {
	pending, err := m.store.CountNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending jobs: %w", err)
	}
	if pending >= m.maxPending {
		return nil, fmt.Errorf("%w: %d jobs pending (max %d)", ErrQueueFull, pending, m.maxPending)
	}

	j, err := m.store.Create(ctx, filename, filepath, params)
	if err != nil {
		return nil, err
	}
	m.logger.Info("job enqueued", "job_id", j.ID, "filename", filename)
	return j, nil
}

// NextRunnable returns the queued job that should run next, or nil when the
// queue is empty or the plotter cannot accept work.
func (m *Manager) NextRunnable(ctx context.Context) (*job.Job, error) {
	if !m.gate.Idle() {
		return nil, nil
	}
	return m.store.OldestQueued(ctx)
}

// MarkRunning transitions a job to running. It refuses with ErrNotIdle when
// the plotter is busy; the store's transition guard catches the remaining
// races (e.g. the job was cancelled between polls).
func (m *Manager) MarkRunning(ctx context.Context, id string) (*job.Job, error) {
	if !m.gate.Idle() {
		return nil, ErrNotIdle
	}
	return m.store.UpdateStatus(ctx, id, job.StatusRunning, "")
}

// MarkTerminal records a job's final status and optional error message.
func (m *Manager) MarkTerminal(ctx context.Context, id string, status job.Status, errMsg string) (*job.Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %q is not terminal", job.ErrInvalidTransition, status)
	}
	return m.store.UpdateStatus(ctx, id, status, errMsg)
}

// Position returns the 1-based queue position of a queued job.
func (m *Manager) Position(ctx context.Context, j *job.Job) (int, error) {
	return m.store.Position(ctx, j)
}

// Depth returns the number of queued jobs.
func (m *Manager) Depth(ctx context.Context) (int, error) {
	return m.store.CountByStatus(ctx, job.StatusQueued)
}
