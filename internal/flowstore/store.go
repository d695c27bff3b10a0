// Package flowstore provides flow definition persistence.
package flowstore

import (
	"context"
	"fmt"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// Common errors returned by FlowStore implementations.
var (
	ErrFlowNotFound = fmt.Errorf("flow %w", types.ErrNotFound)
)

// ListOptions configures list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// FlowStore defines the interface for flow persistence.
// Implementations must be safe for concurrent use.
type FlowStore interface {
	// Create saves flow unless its name is already registered. When the name
	// is taken the stored flow is returned with created=false and nothing is
	// written. The check and the insert are atomic across concurrent callers.
	Create(ctx context.Context, flow *types.Flow) (stored *types.Flow, created bool, err error)

	// Get retrieves a flow by ID. Returns ErrFlowNotFound if not found.
	Get(ctx context.Context, id string) (*types.Flow, error)

	// GetByName retrieves a flow by its unique name.
	GetByName(ctx context.Context, name string) (*types.Flow, error)

	// List returns flows ordered by creation time.
	List(ctx context.Context, opts *ListOptions) ([]*types.Flow, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources.
	Close() error
}

func validate(flow *types.Flow) error {
	if flow == nil || flow.ID == "" || flow.Name == "" {
		return fmt.Errorf("%w: flow id and name are required", types.ErrInvalidArgument)
	}
	if flow.Graph == nil || len(flow.Graph.Steps) == 0 {
		return fmt.Errorf("%w: flow graph is required", types.ErrInvalidGraph)
	}
	return nil
}

func paginate(flows []*types.Flow, opts *ListOptions) []*types.Flow {
	if opts == nil {
		return flows
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(flows) {
			return []*types.Flow{}
		}
		flows = flows[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(flows) {
		flows = flows[:opts.Limit]
	}
	return flows
}
