// Package recordlog is the durable, append-only store of flow records.
//
// A record is acknowledged only after it is durable. Readers only ever see
// complete records: every backend publishes a record after its write has
// finished, and the file-backed log discards torn frames on recovery.
package recordlog

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// Common errors returned by Log implementations.
var (
	// ErrSequenceTaken means another writer already holds the (run, seq)
	// slot. Callers should reload LastSequence and retry.
	ErrSequenceTaken = errors.New("sequence number already taken")

	// ErrRecordExists means the record ID is already stored.
	ErrRecordExists = errors.New("record id already exists")

	ErrRecordNotFound = fmt.Errorf("record %w", types.ErrNotFound)

	// ErrSealed means the run's log was sealed after finalize.
	ErrSealed = fmt.Errorf("%w: run log is sealed", types.ErrInvalidState)
)

// Log is a durable append-only record store, partitioned by run.
// Implementations must be safe for concurrent use.
type Log interface {
	// Append persists rec before returning. rec.SequenceNumber must be
	// exactly one past the run's last sequence.
	Append(ctx context.Context, rec *types.FlowRecord) error

	// Scan yields the run's records with sequence numbers strictly greater
	// than from, in order. The sequence is lazy and may be ranged again.
	Scan(ctx context.Context, runID string, from int64) iter.Seq2[*types.FlowRecord, error]

	// Lookup returns a record by ID. Returns ErrRecordNotFound if absent.
	Lookup(ctx context.Context, recordID string) (*types.FlowRecord, error)

	// LastSequence returns the run's highest durable sequence, 0 if none.
	LastSequence(ctx context.Context, runID string) (int64, error)

	// Close releases any resources.
	Close() error
}

// Sealer is implemented by logs that hold per-run resources. Seal is
// called once a run is finalized; later appends fail with ErrSealed.
type Sealer interface {
	Seal(ctx context.Context, runID string) error
}

// Pinger is implemented by logs backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// checkNext validates seq against the run's last durable sequence.
func checkNext(last, seq int64) error {
	switch {
	case seq <= last:
		return fmt.Errorf("%w: seq %d, last %d", ErrSequenceTaken, seq, last)
	case seq != last+1:
		return fmt.Errorf("%w: seq %d leaves a gap after %d", types.ErrInvalidArgument, seq, last)
	}
	return nil
}

func validateRecord(rec *types.FlowRecord) error {
	if rec == nil || rec.RunID == "" || rec.RecordID == "" || rec.StepName == "" {
		return fmt.Errorf("%w: record requires run id, record id and step name", types.ErrInvalidArgument)
	}
	if rec.SequenceNumber < 1 {
		return fmt.Errorf("%w: sequence numbers start at 1", types.ErrInvalidArgument)
	}
	return nil
}

// Collect drains a scan into a slice.
func Collect(seq iter.Seq2[*types.FlowRecord, error]) ([]*types.FlowRecord, error) {
	var out []*types.FlowRecord
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func errSeq(err error) iter.Seq2[*types.FlowRecord, error] {
	return func(yield func(*types.FlowRecord, error) bool) {
		yield(nil, err)
	}
}
