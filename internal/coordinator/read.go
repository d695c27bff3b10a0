package coordinator

import (
	"context"
	"iter"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// ReadOptions filters a record read.
type ReadOptions struct {
	// Since excludes records at or below this sequence number.
	Since int64

	// StepName keeps only records from one step.
	StepName string

	// Limit caps the number of records yielded. Zero means no limit.
	Limit int
}

// ReadRecords yields the run's records after since, in sequence order.
func (c *Coordinator) ReadRecords(ctx context.Context, runID string, since int64) iter.Seq2[*types.FlowRecord, error] {
	return c.Read(ctx, runID, &ReadOptions{Since: since})
}

// Read yields the run's records matching opts. The sequence is lazy and
// may be ranged repeatedly; each range is a fresh snapshot. Reads never
// take the run's append lock.
func (c *Coordinator) Read(ctx context.Context, runID string, opts *ReadOptions) iter.Seq2[*types.FlowRecord, error] {
	if opts == nil {
		opts = &ReadOptions{}
	}
	return func(yield func(*types.FlowRecord, error) bool) {
		if _, err := c.runs.GetRun(ctx, runID); err != nil {
			yield(nil, err)
			return
		}

		n := 0
		for rec, err := range c.log.Scan(ctx, runID, opts.Since) {
			if err != nil {
				yield(nil, err)
				return
			}
			if opts.StepName != "" && rec.StepName != opts.StepName {
				continue
			}
			if !yield(rec, nil) {
				return
			}
			n++
			if opts.Limit > 0 && n >= opts.Limit {
				return
			}
		}
	}
}
