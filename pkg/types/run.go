package types

import (
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusCreated, RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// Run is a single execution of a flow.
type Run struct {
	ID             string             `json:"run_id"`
	FlowID         string             `json:"flow_id"`
	Status         RunStatus          `json:"status"`
	StartTime      *time.Time         `json:"start_time,omitempty"`
	StopTime       *time.Time         `json:"stop_time,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	Parameters     map[string]any     `json:"parameters,omitempty"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
}

// Outcome is the caller-reported result of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Status maps an outcome to the terminal run status it produces.
func (o Outcome) Status() (RunStatus, bool) {
	switch o {
	case OutcomeSuccess:
		return RunStatusCompleted, true
	case OutcomeFailure:
		return RunStatusFailed, true
	}
	return "", false
}
