package job

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Status is the lifecycle state of a plot job. Transitions are forward-only;
// see CanTransition.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotTerminal       = errors.New("job is not in a terminal status")
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
// Queued jobs may start running or be cancelled outright; running jobs may
// only reach a terminal status. Terminal statuses permit nothing.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// transitionSources returns every status from which `to` is reachable.
func transitionSources(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

var layersPattern = regexp.MustCompile(`^[\d,\s]*$`)

// Parameters are the plotting options passed through to axicli. They are
// validated at submission and otherwise opaque to the queue.
type Parameters struct {
	// Layers selects SVG layers to plot, as comma-separated numeric IDs.
	Layers string `json:"layers,omitempty"`
	// Speed is the pen-down speed, 1-100.
	Speed int `json:"speed"`
	// PenUpDelay and PenDownDelay are in milliseconds, 0-5000.
	PenUpDelay   int `json:"pen_up_delay"`
	PenDownDelay int `json:"pen_down_delay"`
	// Preview runs axicli without moving the hardware.
	Preview bool `json:"preview"`
	// TimeoutSeconds bounds the plot; 60-86400.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// DefaultParameters mirrors the axicli defaults the service advertises.
func DefaultParameters() Parameters {
	return Parameters{
		Speed:          25,
		PenUpDelay:     150,
		PenDownDelay:   150,
		TimeoutSeconds: 3600,
	}
}

// Validate checks parameter ranges.
func (p Parameters) Validate() error {
	if len(p.Layers) > 100 {
		return fmt.Errorf("layers exceeds 100 characters")
	}
	if !layersPattern.MatchString(p.Layers) {
		return fmt.Errorf("layers must contain only digits, commas, and spaces")
	}
	if p.Speed < 1 || p.Speed > 100 {
		return fmt.Errorf("speed must be 1-100, got %d", p.Speed)
	}
	if p.PenUpDelay < 0 || p.PenUpDelay > 5000 {
		return fmt.Errorf("pen_up_delay must be 0-5000ms, got %d", p.PenUpDelay)
	}
	if p.PenDownDelay < 0 || p.PenDownDelay > 5000 {
		return fmt.Errorf("pen_down_delay must be 0-5000ms, got %d", p.PenDownDelay)
	}
	if p.TimeoutSeconds < 60 || p.TimeoutSeconds > 86400 {
		return fmt.Errorf("timeout_seconds must be 60-86400, got %d", p.TimeoutSeconds)
	}
	return nil
}

// Timeout returns the job timeout as a duration.
func (p Parameters) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Job is one requested unit of plotting work.
type Job struct {
	ID           string
	Filename     string
	Filepath     string
	Status       Status
	Parameters   Parameters
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorMessage *string
}
