package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu  sync.RWMutex
	run *types.Run
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*memoryRun),
	}
}

func (s *MemoryStore) lookup(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, flowID string, parameters map[string]any) (*types.Run, error) {
	now := time.Now().UTC()
	run := &types.Run{
		ID:             uuid.NewString(),
		FlowID:         flowID,
		Status:         types.RunStatusCreated,
		Parameters:     parameters,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	s.runs[run.ID] = &memoryRun{run: copyRun(run)}
	s.mu.Unlock()

	return run, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	return copyRun(run.run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*types.Run, error) {
	s.mu.RLock()
	all := make([]*memoryRun, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, r)
	}
	s.mu.RUnlock()

	out := make([]*types.Run, 0)
	for _, r := range all {
		r.mu.RLock()
		if filter.match(r.run) {
			out = append(out, copyRun(r.run))
		}
		r.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkRunning(ctx context.Context, runID string, at time.Time) (bool, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return false, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	switch {
	case run.run.Status.IsTerminal():
		return false, ErrRunTerminal
	case run.run.Status == types.RunStatusRunning:
		return false, nil
	}
	start := at.UTC()
	run.run.Status = types.RunStatusRunning
	run.run.StartTime = &start
	if start.After(run.run.LastActivityAt) {
		run.run.LastActivityAt = start
	}
	return true, nil
}

func (s *MemoryStore) Touch(ctx context.Context, runID string, at time.Time) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if !run.run.Status.IsTerminal() && at.After(run.run.LastActivityAt) {
		run.run.LastActivityAt = at.UTC()
	}
	return nil
}

func (s *MemoryStore) Finalize(ctx context.Context, runID string, in *FinalizeInput) (*types.Run, error) {
	if err := validateFinalize(in); err != nil {
		return nil, err
	}
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.run.Status.IsTerminal() {
		return nil, ErrRunTerminal
	}
	applyFinalize(run.run, in)
	return copyRun(run.run), nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"adapter": "memory",
		"healthy": true,
		"details": map[string]interface{}{
			"runs": len(s.runs),
		},
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ RunStore = (*MemoryStore)(nil)
