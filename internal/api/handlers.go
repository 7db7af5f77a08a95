package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/penplot/axispool/internal/dispatch"
	"github.com/penplot/axispool/internal/events"
	"github.com/penplot/axispool/internal/job"
	"github.com/penplot/axispool/internal/plotter"
	"github.com/penplot/axispool/internal/queue"
	"github.com/penplot/axispool/internal/uploads"
)

// multipartMemoryLimit is how much of a multipart body is held in memory
// before spilling to disk; the upload size cap is enforced separately.
const multipartMemoryLimit = 4 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:           "ok",
		Version:          s.config.Version,
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:       depth,
		PlotterConnected: s.plotter.Snapshot().Connected,
	})
}

// handleCreateJob handles POST /api/jobs: a multipart SVG upload plus
// optional plotting parameters as form fields.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		s.writeError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	params, err := parseParameters(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, err := s.uploads.Save(header.Filename, file)
	switch {
	case errors.Is(err, uploads.ErrNotSVG):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, uploads.ErrTooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to store upload", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	j, err := s.queue.Enqueue(r.Context(), header.Filename, path, params)
	if err != nil {
		if !s.fileShared(r, path) {
			_ = s.uploads.Remove(path)
		}
		if errors.Is(err, queue.ErrQueueFull) {
			s.writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		s.logger.Error("failed to enqueue job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	position, err := s.queue.Position(r.Context(), j)
	if err != nil {
		s.logger.Error("failed to compute queue position", "job_id", j.ID, "error", err)
		position = 0
	}

	s.hub.Publish(events.TypeJobQueued, map[string]any{
		"job_id":   j.ID,
		"status":   j.Status,
		"filename": j.Filename,
		"position": position,
	})
	s.logger.Info("job submitted", "job_id", j.ID, "filename", j.Filename, "position", position)

	respondJSON(w, http.StatusCreated, jobResponse(j, position))
}

// parseParameters reads plotting options from form fields, starting from the
// advertised defaults.
func parseParameters(r *http.Request) (job.Parameters, error) {
	params := job.DefaultParameters()

	if v := r.FormValue("layers"); v != "" {
		params.Layers = v
	}
	if v := r.FormValue("speed"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("speed must be an integer")
		}
		params.Speed = n
	}
	if v := r.FormValue("pen_up_delay"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("pen_up_delay must be an integer")
		}
		params.PenUpDelay = n
	}
	if v := r.FormValue("pen_down_delay"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("pen_down_delay must be an integer")
		}
		params.PenDownDelay = n
	}
	if v := r.FormValue("preview"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return params, fmt.Errorf("preview must be a boolean")
		}
		params.Preview = b
	}
	if v := r.FormValue("timeout_seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("timeout_seconds must be an integer")
		}
		params.TimeoutSeconds = n
	}

	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

// handleListJobs handles GET /api/jobs with optional status and limit params.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status job.Status
	if v := r.URL.Query().Get("status"); v != "" {
		status = job.Status(v)
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := s.store.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs)), Total: len(jobs)}
	for _, j := range jobs {
		position := 0
		if j.Status == job.StatusQueued {
			if p, err := s.queue.Position(r.Context(), j); err == nil {
				position = p
			}
		}
		resp.Jobs = append(resp.Jobs, jobResponse(j, position))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /api/jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	position := 0
	if j.Status == job.StatusQueued {
		if p, err := s.queue.Position(r.Context(), j); err == nil {
			position = p
		}
	}
	respondJSON(w, http.StatusOK, jobResponse(j, position))
}

// handleDeleteJob handles DELETE /api/jobs/{jobID}. Only terminal jobs can be
// deleted; the stored SVG is removed unless another job still references it.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(r.Context(), j.ID); err != nil {
		if errors.Is(err, job.ErrNotTerminal) {
			s.writeError(w, http.StatusConflict, "job is still queued or running; cancel it first")
			return
		}
		if errors.Is(err, job.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to delete job", "job_id", j.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}

	if !s.fileShared(r, j.Filepath) {
		if err := s.uploads.Remove(j.Filepath); err != nil {
			s.logger.Warn("failed to remove stored SVG", "job_id", j.ID, "path", j.Filepath, "error", err)
		}
	}

	s.logger.Info("job deleted", "job_id", j.ID)
	w.WriteHeader(http.StatusNoContent)
}

// fileShared reports whether any job still references the stored file.
// Uploads are content-addressed, so two jobs can share one SVG.
func (s *Server) fileShared(r *http.Request, path string) bool {
	jobs, err := s.store.List(r.Context(), "", 0)
	if err != nil {
		s.logger.Error("failed to check for shared uploads", "error", err)
		return true // keep the file when in doubt
	}
	for _, other := range jobs {
		if other.Filepath == path {
			return true
		}
	}
	return false
}

// handleCancelJob handles POST /api/jobs/{jobID}/cancel.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	result, err := s.canceller.CancelJob(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to cancel job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	switch result {
	case dispatch.CancelNotFound:
		s.writeError(w, http.StatusNotFound, "job not found")
	case dispatch.CancelAlreadyTerminal:
		s.writeError(w, http.StatusConflict, "job already finished")
	default:
		respondJSON(w, http.StatusAccepted, CancelResponse{JobID: id, Result: string(result)})
	}
}

// handlePlotterStatus handles GET /api/plotter.
func (s *Server) handlePlotterStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.plotter.Snapshot()
	respondJSON(w, http.StatusOK, PlotterResponse{
		State:         string(snap.State),
		CurrentJobID:  snap.CurrentJobID,
		Connected:     snap.Connected,
		Model:         snap.Model,
		Firmware:      snap.Firmware,
		UptimeSeconds: snap.UptimeSeconds,
		JobsCompleted: snap.JobsCompleted,
	})
}

// handlePlotterProbe handles POST /api/plotter/probe.
func (s *Server) handlePlotterProbe(w http.ResponseWriter, r *http.Request) {
	info, err := s.plotter.Probe(r.Context())
	if err != nil {
		if errors.Is(err, plotter.ErrNotIdle) {
			s.writeError(w, http.StatusConflict, "plotter is busy; probe skipped")
			return
		}
		s.logger.Error("probe failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "probe failed")
		return
	}

	s.hub.Publish(events.TypePlotterState, map[string]any{
		"connected": info.Connected,
		"firmware":  info.Firmware,
	})
	respondJSON(w, http.StatusOK, info)
}

// handlePlotterCancel handles POST /api/plotter/cancel: cancel whatever is
// plotting right now without naming the job.
func (s *Server) handlePlotterCancel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PlotterCancelResponse{Cancelled: s.plotter.Cancel()})
}

// handlePlotterReset handles POST /api/plotter/reset.
func (s *Server) handlePlotterReset(w http.ResponseWriter, r *http.Request) {
	if err := s.plotter.Reset(); err != nil {
		if errors.Is(err, plotter.ErrNotFaulted) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("reset failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}

	s.hub.Publish(events.TypePlotterState, map[string]any{"state": "idle", "reset": true})
	respondJSON(w, http.StatusOK, map[string]string{"state": "idle"})
}

// loadJob fetches the job named in the URL, writing a 404 when it is missing.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id := chi.URLParam(r, "jobID")
	j, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
		} else {
			s.logger.Error("failed to load job", "job_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load job")
		}
		return nil, false
	}
	return j, true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
