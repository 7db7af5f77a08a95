package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penplot/axispool/internal/dispatch"
	"github.com/penplot/axispool/internal/events"
	"github.com/penplot/axispool/internal/job"
	"github.com/penplot/axispool/internal/log"
	"github.com/penplot/axispool/internal/plotter"
	"github.com/penplot/axispool/internal/queue"
	"github.com/penplot/axispool/internal/storage"
	"github.com/penplot/axispool/internal/uploads"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

const sampleSVG = `<svg xmlns="http://www.w3.org/2000/svg"><path d="M0 0 L10 10"/></svg>`

type fixture struct {
	server *Server
	mux    http.Handler
	store  *job.Store
	ctrl   *plotter.Controller
	up     *uploads.Store
	hub    *events.Hub
}

// newFixture wires the API against real components: a temp-dir store, a stub
// plotter executable, and an unstarted dispatcher for cancellation routing.
func newFixture(t *testing.T, cfg Config, maxPending int) *fixture {
	t.Helper()

	dir := t.TempDir()
	script := filepath.Join(dir, "axicli-stub.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"AxiDraw CLI 3.9.6\"\nexit 0\n"), 0o755))

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := job.NewStore(db)
	ctrl := plotter.New(plotter.Config{CLI: []string{script}, GracePeriod: 200 * time.Millisecond})
	q := queue.New(store, ctrl, maxPending)
	hub := events.NewHub(100)
	d := dispatch.New(q, store, ctrl, hub, time.Second)

	up, err := uploads.New(filepath.Join(dir, "uploads"), 1)
	require.NoError(t, err)

	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	s := New(cfg, store, q, d, ctrl, up, hub, log.WithComponent("api"))
	return &fixture{server: s, mux: s.setupRoutes(), store: store, ctrl: ctrl, up: up, hub: hub}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

// submit uploads an SVG through the API and returns the decoded response.
func (f *fixture) submit(t *testing.T, filename, content string, fields map[string]string) (*httptest.ResponseRecorder, JobResponse) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := f.do(t, req)

	var resp JobResponse
	if rec.Code == http.StatusCreated {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	}
	return rec, resp
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)

	rec, resp := f.submit(t, "drawing.svg", sampleSVG, map[string]string{
		"speed":   "80",
		"layers":  "1,3",
		"preview": "true",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, job.StatusQueued, resp.Status)
	assert.Equal(t, "drawing.svg", resp.Filename)
	assert.Equal(t, 1, resp.QueuePosition)
	assert.Equal(t, 80, resp.Parameters.Speed)
	assert.Equal(t, "1,3", resp.Parameters.Layers)
	assert.True(t, resp.Parameters.Preview)
	// Unspecified fields keep their defaults.
	assert.Equal(t, 150, resp.Parameters.PenUpDelay)

	stored, err := f.store.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	b, err := os.ReadFile(stored.Filepath)
	require.NoError(t, err)
	assert.Equal(t, sampleSVG, string(b))
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)

	tests := []struct {
		name     string
		filename string
		fields   map[string]string
		wantCode int
	}{
		{"speed out of range", "a.svg", map[string]string{"speed": "500"}, http.StatusBadRequest},
		{"speed not a number", "a.svg", map[string]string{"speed": "fast"}, http.StatusBadRequest},
		{"timeout too short", "a.svg", map[string]string{"timeout_seconds": "5"}, http.StatusBadRequest},
		{"layers with letters", "a.svg", map[string]string{"layers": "1,a"}, http.StatusBadRequest},
		{"not an svg", "a.pdf", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := f.submit(t, tt.filename, sampleSVG, tt.fields)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateJobOversized(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10) // 1 MB upload cap

	rec, _ := f.submit(t, "big.svg", strings.Repeat("x", 1024*1024+1), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateJobQueueFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 1)

	rec, _ := f.submit(t, "a.svg", sampleSVG, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = f.submit(t, "b.svg", sampleSVG+"<!-- b -->", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	_, created := f.submit(t, "a.svg", sampleSVG, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, created.ID, resp.ID)
	assert.Equal(t, 1, resp.QueuePosition)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	_, a := f.submit(t, "a.svg", sampleSVG, nil)
	f.submit(t, "b.svg", sampleSVG+"<!-- b -->", nil)

	_, err := f.store.UpdateStatus(context.Background(), a.ID, job.StatusCancelled, "cancelled by user")
	require.NoError(t, err)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs?status=queued", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "b.svg", resp.Jobs[0].Filename)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	_, created := f.submit(t, "a.svg", sampleSVG, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/jobs/"+created.ID+"/cancel", nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp CancelResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "accepted", resp.Result)

	// Second cancel: the job is already terminal.
	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/api/jobs/"+created.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/api/jobs/nope/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	_, created := f.submit(t, "a.svg", sampleSVG, nil)

	// Still queued: refuse.
	rec := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+created.ID, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	stored, err := f.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(context.Background(), created.ID, job.StatusCancelled, "cancelled by user")
	require.NoError(t, err)

	rec = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+created.ID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = f.store.Get(context.Background(), created.ID)
	assert.ErrorIs(t, err, job.ErrJobNotFound)
	_, err = os.Stat(stored.Filepath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "stored SVG should be removed")
}

func TestDeleteJobKeepsSharedUpload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)

	// Same content: both jobs reference one content-addressed file.
	_, first := f.submit(t, "a.svg", sampleSVG, nil)
	_, second := f.submit(t, "b.svg", sampleSVG, nil)

	stored, err := f.store.Get(context.Background(), first.ID)
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(context.Background(), first.ID, job.StatusCancelled, "cancelled by user")
	require.NoError(t, err)

	rec := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+first.ID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = os.Stat(stored.Filepath)
	assert.NoError(t, err, "SVG still referenced by job %s", second.ID)
}

func TestPlotterEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/plotter", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status PlotterResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "idle", status.State)
	assert.False(t, status.Connected, "no probe has run yet")

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/api/plotter/probe", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info plotter.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.True(t, info.Connected)
	assert.Equal(t, "AxiDraw CLI 3.9.6", info.Firmware)

	// Nothing running: cancel is a no-op.
	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/api/plotter/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelResp PlotterCancelResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cancelResp))
	assert.False(t, cancelResp.Cancelled)

	// Not faulted: reset refused.
	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/api/plotter/reset", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Version: "1.2.3"}, 10)
	f.submit(t, "a.svg", sampleSVG, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, 1, resp.QueueDepth)
}

func TestAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{APIKey: "secret-key"}, 10)

	// Healthz stays open.
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong-key-12")
	rec = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec = f.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthDisabledWhenKeyUnset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	_, created := f.submit(t, "a.svg", sampleSVG, nil)

	// The submission published a job.queued event; a client connecting
	// afterwards replays it from the ring buffer.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := f.do(t, req)

	body := rec.Body.String()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: "+events.TypeJobQueued)
	assert.Contains(t, body, created.ID)
}

func TestEventsStreamNeitherDropsNorDuplicates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	f.hub.Publish(events.TypePlotterState, map[string]string{"state": "idle"})

	// A live event published while the replay connection is open must be
	// delivered exactly once alongside the replayed history.
	go func() {
		time.Sleep(100 * time.Millisecond)
		f.hub.Publish(events.TypePlotterState, map[string]string{"state": "busy"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := f.do(t, req)

	body := rec.Body.String()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, `"state":"idle"`)
	assert.Contains(t, body, `"state":"busy"`)

	seen := map[string]int{}
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "id: ") {
			seen[line]++
		}
	}
	require.NotEmpty(t, seen)
	for id, n := range seen {
		assert.Equal(t, 1, n, "%s delivered %d times", id, n)
	}
}
