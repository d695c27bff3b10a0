// Package registry validates and registers flow definitions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// RegisterRequest is the input for registering a flow.
type RegisterRequest struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description"`
	Steps       []string         `json:"steps" yaml:"steps"`
	Edges       []types.EdgeSpec `json:"edges,omitempty" yaml:"edges"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata"`
}

// Registry owns flow definitions. Flows are immutable once registered, so
// lookups by ID are cached for the life of the process.
type Registry struct {
	store  flowstore.FlowStore
	logger *slog.Logger

	cache sync.Map // flow ID -> *types.Flow
	group singleflight.Group
}

// New creates a registry over a flow store.
func New(store flowstore.FlowStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Register validates the graph and stores it under req.Name.
//
// Registering the same name with an identical graph returns the existing
// flow with created=false. The same name with a different graph fails with
// types.ErrNameConflict.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest) (*types.Flow, bool, error) {
	flow, err := r.build(req)
	if err != nil {
		metrics.FlowsRegistered.WithLabelValues("invalid").Inc()
		return nil, false, err
	}

	stored, created, err := r.store.Create(ctx, flow)
	if err != nil {
		return nil, false, fmt.Errorf("store flow: %w", err)
	}

	if !created {
		if stored.Fingerprint != flow.Fingerprint {
			metrics.FlowsRegistered.WithLabelValues("conflict").Inc()
			return nil, false, fmt.Errorf("%w: flow %q is registered with a different graph", types.ErrNameConflict, req.Name)
		}
		metrics.FlowsRegistered.WithLabelValues("existing").Inc()
		r.cache.Store(stored.ID, stored)
		return stored, false, nil
	}

	metrics.FlowsRegistered.WithLabelValues("created").Inc()
	r.cache.Store(stored.ID, stored)
	r.logger.Info("flow registered",
		slog.String("flow_id", stored.ID),
		slog.String("name", stored.Name),
		slog.Int("steps", len(stored.Graph.Steps)),
		slog.Int("edges", len(stored.Graph.Edges)),
	)
	return stored, true, nil
}

func (r *Registry) build(req *RegisterRequest) (*types.Flow, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: flow name is required", types.ErrInvalidGraph)
	}
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("%w: flow %q declares no steps", types.ErrInvalidGraph, req.Name)
	}

	graph, err := types.NewGraph(req.Steps, req.Edges)
	if err != nil {
		return nil, err
	}
	if _, err := TopoOrder(graph); err != nil {
		return nil, err
	}

	return &types.Flow{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Graph:       graph,
		Fingerprint: Fingerprint(graph),
		Metadata:    req.Metadata,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Get returns a flow by ID.
func (r *Registry) Get(ctx context.Context, id string) (*types.Flow, error) {
	if f, ok := r.cache.Load(id); ok {
		return f.(*types.Flow), nil
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		flow, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		r.cache.Store(id, flow)
		return flow, nil
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, flowstore.ErrFlowNotFound
		}
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return v.(*types.Flow), nil
}

// GetByName returns a flow by its registered name.
func (r *Registry) GetByName(ctx context.Context, name string) (*types.Flow, error) {
	return r.store.GetByName(ctx, name)
}

// List returns registered flows in creation order.
func (r *Registry) List(ctx context.Context, opts *flowstore.ListOptions) ([]*types.Flow, error) {
	return r.store.List(ctx, opts)
}

// Ping checks the backing store.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}
