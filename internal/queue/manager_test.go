package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penplot/axispool/internal/job"
	"github.com/penplot/axispool/internal/queue/mocks"
	"github.com/penplot/axispool/internal/storage"
)

func newTestManager(t *testing.T, gate DeviceGate, maxPending int) (*Manager, *job.Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := job.NewStore(db)
	return New(store, gate, maxPending), store
}

// idleGate is a trivial gate for tests that don't care about device state.
type idleGate struct{ idle bool }

func (g idleGate) Idle() bool { return g.idle }

func TestEnqueueFIFOOrder(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, idleGate{idle: true}, 10)
	ctx := context.Background()

	a, err := m.Enqueue(ctx, "a.svg", "/u/a.svg", job.DefaultParameters())
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, "b.svg", "/u/b.svg", job.DefaultParameters())
	require.NoError(t, err)

	next, err := m.NextRunnable(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a.ID, next.ID, "earliest submission runs first")

	_, err = m.MarkRunning(ctx, a.ID)
	require.NoError(t, err)
	_, err = m.MarkTerminal(ctx, a.ID, job.StatusSucceeded, "")
	require.NoError(t, err)

	next, err = m.NextRunnable(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, b.ID, next.ID)
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, idleGate{idle: true}, 2)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "a.svg", "/u/a.svg", job.DefaultParameters())
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "b.svg", "/u/b.svg", job.DefaultParameters())
	require.NoError(t, err)

	_, err = m.Enqueue(ctx, "c.svg", "/u/c.svg", job.DefaultParameters())
	assert.ErrorIs(t, err, ErrQueueFull)

	// Terminal jobs free capacity again.
	jobs, err := m.store.List(ctx, job.StatusQueued, 1)
	require.NoError(t, err)
	_, err = m.store.UpdateStatus(ctx, jobs[0].ID, job.StatusCancelled, "cancelled by user")
	require.NoError(t, err)

	_, err = m.Enqueue(ctx, "c.svg", "/u/c.svg", job.DefaultParameters())
	assert.NoError(t, err)
}

func TestNextRunnableRespectsDeviceGate(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	gate := mocks.NewMockDeviceGate(ctrl)
	m, _ := newTestManager(t, gate, 10)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "a.svg", "/u/a.svg", job.DefaultParameters())
	require.NoError(t, err)

	// Busy device: nothing is runnable even with work queued.
	gate.EXPECT().Idle().Return(false)
	next, err := m.NextRunnable(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	// Idle device: the queued job is released.
	gate.EXPECT().Idle().Return(true)
	next, err = m.NextRunnable(ctx)
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestMarkRunningGatedOnIdleDevice(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	gate := mocks.NewMockDeviceGate(ctrl)
	m, _ := newTestManager(t, gate, 10)
	ctx := context.Background()

	j, err := m.Enqueue(ctx, "a.svg", "/u/a.svg", job.DefaultParameters())
	require.NoError(t, err)

	gate.EXPECT().Idle().Return(false)
	_, err = m.MarkRunning(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotIdle)

	gate.EXPECT().Idle().Return(true)
	running, err := m.MarkRunning(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, running.Status)
}

func TestMarkRunningLostRace(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, idleGate{idle: true}, 10)
	ctx := context.Background()

	j, err := m.Enqueue(ctx, "a.svg", "/u/a.svg", job.DefaultParameters())
	require.NoError(t, err)

	// Job cancelled between NextRunnable and MarkRunning.
	_, err = store.UpdateStatus(ctx, j.ID, job.StatusCancelled, "cancelled by user")
	require.NoError(t, err)

	_, err = m.MarkRunning(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestMarkTerminalRejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, idleGate{idle: true}, 10)
	ctx := context.Background()

	j, err := m.Enqueue(ctx, "a.svg", "/u/a.svg", job.DefaultParameters())
	require.NoError(t, err)

	_, err = m.MarkTerminal(ctx, j.ID, job.StatusRunning, "")
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestDepthAndPosition(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, idleGate{idle: true}, 10)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "a.svg", "/u/a.svg", job.DefaultParameters())
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, "b.svg", "/u/b.svg", job.DefaultParameters())
	require.NoError(t, err)

	depth, err := m.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	pos, err := m.Position(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
}
