package recordlog

import (
	"context"
	"iter"
	"sync"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// MemoryLog keeps records in process memory. Suitable for development and
// testing. Data is lost on restart.
type MemoryLog struct {
	mu     sync.RWMutex
	runs   map[string][]*types.FlowRecord
	ids    map[string]*types.FlowRecord
	sealed map[string]bool
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		runs:   make(map[string][]*types.FlowRecord),
		ids:    make(map[string]*types.FlowRecord),
		sealed: make(map[string]bool),
	}
}

func (l *MemoryLog) Append(ctx context.Context, rec *types.FlowRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed[rec.RunID] {
		return ErrSealed
	}
	if _, ok := l.ids[rec.RecordID]; ok {
		return ErrRecordExists
	}
	if err := checkNext(int64(len(l.runs[rec.RunID])), rec.SequenceNumber); err != nil {
		return err
	}

	stored := *rec
	l.runs[rec.RunID] = append(l.runs[rec.RunID], &stored)
	l.ids[rec.RecordID] = &stored
	return nil
}

func (l *MemoryLog) Scan(ctx context.Context, runID string, from int64) iter.Seq2[*types.FlowRecord, error] {
	return func(yield func(*types.FlowRecord, error) bool) {
		l.mu.RLock()
		records := l.runs[runID]
		l.mu.RUnlock()

		if from < 0 {
			from = 0
		}
		for i := from; i < int64(len(records)); i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			rec := *records[i]
			if !yield(&rec, nil) {
				return
			}
		}
	}
}

func (l *MemoryLog) Lookup(ctx context.Context, recordID string) (*types.FlowRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.ids[recordID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	c := *rec
	return &c, nil
}

func (l *MemoryLog) LastSequence(ctx context.Context, runID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.runs[runID])), nil
}

func (l *MemoryLog) Seal(ctx context.Context, runID string) error {
	l.mu.Lock()
	l.sealed[runID] = true
	l.mu.Unlock()
	return nil
}

func (l *MemoryLog) Close() error { return nil }

var (
	_ Log    = (*MemoryLog)(nil)
	_ Sealer = (*MemoryLog)(nil)
)
