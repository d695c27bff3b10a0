// Package runstore provides run lifecycle persistence.
package runstore

import (
	"context"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound = fmt.Errorf("run %w", types.ErrNotFound)
	ErrRunTerminal = fmt.Errorf("%w: run already finalized", types.ErrInvalidState)
)

// FinalizeInput carries the terminal transition of a run.
type FinalizeInput struct {
	Status     types.RunStatus
	StopTime   time.Time
	Metrics    map[string]float64
	Parameters map[string]any
	Error      string

	// StartTime is used when the run never started. Nil means StopTime.
	StartTime *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	FlowID string

	// Statuses keeps runs in any of the listed statuses. Empty keeps all.
	Statuses []types.RunStatus

	// InactiveBefore keeps runs whose last activity is before this time.
	InactiveBefore time.Time

	Limit int
}

func (f *RunFilter) match(r *types.Run) bool {
	if f == nil {
		return true
	}
	if f.FlowID != "" && r.FlowID != f.FlowID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.InactiveBefore.IsZero() && !r.LastActivityAt.Before(f.InactiveBefore) {
		return false
	}
	return true
}

// onlyNonTerminal reports whether the filter can only match active runs,
// letting backends scan their active index instead of every run.
func (f *RunFilter) onlyNonTerminal() bool {
	if f == nil || len(f.Statuses) == 0 {
		return false
	}
	for _, s := range f.Statuses {
		if s.IsTerminal() {
			return false
		}
	}
	return true
}

// RunStore defines the interface for run lifecycle persistence.
// Implementations must be safe for concurrent use; every status transition
// is a compare-and-set so concurrent finalizers cannot both succeed.
type RunStore interface {
	// CreateRun stores a new run in the created status.
	CreateRun(ctx context.Context, flowID string, parameters map[string]any) (*types.Run, error)

	// GetRun returns a run. Returns ErrRunNotFound if absent.
	GetRun(ctx context.Context, runID string) (*types.Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter *RunFilter) ([]*types.Run, error)

	// MarkRunning moves a created run to running and sets its start time.
	// It reports false when the run was already running, and returns
	// ErrRunTerminal when the run is finalized.
	MarkRunning(ctx context.Context, runID string, at time.Time) (bool, error)

	// Touch records activity on a non-terminal run. Terminal runs are left
	// untouched without error.
	Touch(ctx context.Context, runID string, at time.Time) error

	// Finalize moves a non-terminal run to a terminal status, writing the
	// stop time, metrics and parameters in the same transition. Returns
	// ErrRunTerminal if the run is already terminal.
	Finalize(ctx context.Context, runID string, in *FinalizeInput) (*types.Run, error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

func validateFinalize(in *FinalizeInput) error {
	if in == nil || !in.Status.IsTerminal() {
		return fmt.Errorf("%w: finalize requires a terminal status", types.ErrInvalidArgument)
	}
	if in.StopTime.IsZero() {
		return fmt.Errorf("%w: finalize requires a stop time", types.ErrInvalidArgument)
	}
	return nil
}

// applyFinalize mutates r into its terminal form.
func applyFinalize(r *types.Run, in *FinalizeInput) {
	stop := in.StopTime.UTC()
	if r.StartTime == nil {
		start := stop
		if in.StartTime != nil {
			start = in.StartTime.UTC()
		}
		r.StartTime = &start
	}
	if stop.Before(*r.StartTime) {
		stop = *r.StartTime
	}
	r.Status = in.Status
	r.StopTime = &stop
	r.Metrics = in.Metrics
	r.Parameters = in.Parameters
	r.Error = in.Error
	if stop.After(r.LastActivityAt) {
		r.LastActivityAt = stop
	}
}

func copyRun(r *types.Run) *types.Run {
	c := *r
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.StopTime != nil {
		t := *r.StopTime
		c.StopTime = &t
	}
	if r.Metrics != nil {
		c.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			c.Metrics[k] = v
		}
	}
	if r.Parameters != nil {
		c.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}
