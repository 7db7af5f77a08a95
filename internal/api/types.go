package api

import (
	"time"

	"github.com/penplot/axispool/internal/job"
)

// JobResponse describes one job.
type JobResponse struct {
	ID            string         `json:"id"`
	Filename      string         `json:"filename"`
	Status        job.Status     `json:"status"`
	Parameters    job.Parameters `json:"parameters"`
	QueuePosition int            `json:"queue_position,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// JobListResponse is returned by GET /api/jobs.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int           `json:"total"`
}

// CancelResponse is returned by POST /api/jobs/{id}/cancel.
type CancelResponse struct {
	JobID  string `json:"job_id"`
	Result string `json:"result"`
}

// PlotterResponse is returned by GET /api/plotter.
type PlotterResponse struct {
	State         string `json:"state"`
	CurrentJobID  string `json:"current_job_id,omitempty"`
	Connected     bool   `json:"connected"`
	Model         string `json:"model,omitempty"`
	Firmware      string `json:"firmware,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	JobsCompleted int    `json:"jobs_completed"`
}

// PlotterCancelResponse is returned by POST /api/plotter/cancel.
type PlotterCancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	QueueDepth       int    `json:"queue_depth"`
	PlotterConnected bool   `json:"plotter_connected"`
}

func jobResponse(j *job.Job, position int) JobResponse {
	resp := JobResponse{
		ID:            j.ID,
		Filename:      j.Filename,
		Status:        j.Status,
		Parameters:    j.Parameters,
		QueuePosition: position,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
	if j.ErrorMessage != nil {
		resp.Error = *j.ErrorMessage
	}
	return resp
}
