package flowstore

import (
	"context"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// MemoryStore implements FlowStore using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	flows  map[string]*types.Flow
	byName map[string]string
}

// NewMemoryStore creates a new in-memory flow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:  make(map[string]*types.Flow),
		byName: make(map[string]string),
	}
}

// Create saves a new flow if its name is free.
func (s *MemoryStore) Create(ctx context.Context, flow *types.Flow) (*types.Flow, bool, error) {
	if err := validate(flow); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.byName[flow.Name]; exists {
		return copyFlow(s.flows[id]), false, nil
	}

	stored := copyFlow(flow)
	s.flows[stored.ID] = stored
	s.byName[stored.Name] = stored.ID
	return copyFlow(stored), true, nil
}

// Get retrieves a flow by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return copyFlow(flow), nil
}

// GetByName retrieves a flow by name.
func (s *MemoryStore) GetByName(ctx context.Context, name string) (*types.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return copyFlow(s.flows[id]), nil
}

// List returns all flows matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*types.Flow, error) {
	s.mu.RLock()
	flows := make([]*types.Flow, 0, len(s.flows))
	for _, flow := range s.flows {
		flows = append(flows, copyFlow(flow))
	}
	s.mu.RUnlock()

	sort.Slice(flows, func(i, j int) bool {
		if flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].Name < flows[j].Name
		}
		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})
	return paginate(flows, opts), nil
}

// Ping always succeeds for the memory store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// copyFlow returns a shallow copy. The graph is immutable and shared.
func copyFlow(f *types.Flow) *types.Flow {
	c := *f
	if f.Metadata != nil {
		c.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

var _ FlowStore = (*MemoryStore)(nil)
