// Package coordinator serializes appends per run. It assigns gap-free
// sequence numbers, deduplicates by record ID and finalizes runs so that
// no append can interleave with aggregation.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/aggregator"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/recordlog"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/storage"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// FlowGetter resolves flows by ID.
type FlowGetter interface {
	Get(ctx context.Context, flowID string) (*types.Flow, error)
}

// Config tunes append retries.
type Config struct {
	// MaxRetries bounds retries of durability failures and lost
	// sequence races. Defaults to 3.
	MaxRetries int

	// RetryBase is the first backoff delay. Defaults to 10ms.
	RetryBase time.Duration
}

// AppendRequest is one record to log.
type AppendRequest struct {
	RunID    string
	StepName string
	Data     json.RawMessage

	// RecordID makes the append idempotent. Generated when empty.
	RecordID string
}

// AppendResult reports where a record landed.
type AppendResult struct {
	RecordID       string
	SequenceNumber int64
	LoggedAt       time.Time

	// Duplicate is set when the record ID was already appended to this run.
	Duplicate bool
}

// FinalizeRequest ends a run.
type FinalizeRequest struct {
	RunID  string
	Status types.RunStatus
	Error  string

	// StartTime is used only if the run never started.
	StartTime *time.Time

	// IdleBefore, when set, finalizes the run only if its last activity
	// is before this time. Otherwise Finalize fails with ErrRunActive.
	IdleBefore time.Time
}

// ErrRunActive reports a conditional finalize of a run that has seen
// activity since the cutoff.
var ErrRunActive = fmt.Errorf("%w: run has recent activity", types.ErrInvalidState)

// Coordinator owns the write path for records.
type Coordinator struct {
	flows  FlowGetter
	runs   runstore.RunStore
	log    recordlog.Log
	agg    *aggregator.Aggregator
	logger *slog.Logger
	cfg    Config

	locks    *runLocks
	notifier *notifier

	now func() time.Time
}

// New creates a coordinator.
func New(flows FlowGetter, runs runstore.RunStore, log recordlog.Log, agg *aggregator.Aggregator, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 10 * time.Millisecond
	}
	return &Coordinator{
		flows:    flows,
		runs:     runs,
		log:      log,
		agg:      agg,
		logger:   logger,
		cfg:      cfg,
		locks:    newRunLocks(),
		notifier: newNotifier(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Append durably logs a record and returns its sequence number.
func (c *Coordinator) Append(ctx context.Context, req *AppendRequest) (*AppendResult, error) {
	start := time.Now()
	res, err := c.append(ctx, req)
	metrics.AppendDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil && res.Duplicate:
		metrics.RecordsAppended.WithLabelValues("duplicate").Inc()
	case err == nil:
		metrics.RecordsAppended.WithLabelValues("accepted").Inc()
	case errors.Is(err, types.ErrDurability):
		metrics.RecordsAppended.WithLabelValues("error").Inc()
	default:
		metrics.RecordsAppended.WithLabelValues("rejected").Inc()
	}
	return res, err
}

func (c *Coordinator) append(ctx context.Context, req *AppendRequest) (*AppendResult, error) {
	data, recordID, err := normalize(req)
	if err != nil {
		return nil, err
	}

	run, err := c.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", types.ErrInvalidState, run.ID, run.Status)
	}

	flow, err := c.flows.Get(ctx, run.FlowID)
	if err != nil {
		return nil, fmt.Errorf("resolve flow %s: %w", run.FlowID, err)
	}
	if !flow.HasStep(req.StepName) {
		return nil, fmt.Errorf("%w: %q is not a step of flow %q", types.ErrUnknownStep, req.StepName, flow.Name)
	}

	if res, err := c.dedupe(ctx, run.ID, recordID); res != nil || err != nil {
		return res, err
	}

	st := c.locks.acquire(run.ID)
	defer c.locks.release(run.ID, st)

	if err := c.load(ctx, run.ID, st); err != nil {
		return nil, err
	}

	rec := &types.FlowRecord{
		RecordID: recordID,
		RunID:    run.ID,
		StepName: req.StepName,
		Data:     data,
		LoggedAt: c.now(),
	}

	err = storage.WithRetry(ctx, c.cfg.MaxRetries, c.cfg.RetryBase, c.retriable, func() error {
		rec.SequenceNumber = st.next
		err := c.log.Append(ctx, rec)
		switch {
		case errors.Is(err, recordlog.ErrSequenceTaken):
			metrics.RecordLogRetries.WithLabelValues("sequence_taken").Inc()
			if reloadErr := c.reload(ctx, run.ID, st); reloadErr != nil {
				return reloadErr
			}
		case errors.Is(err, types.ErrDurability):
			metrics.RecordLogRetries.WithLabelValues("durability").Inc()
			c.logger.Warn("record append failed",
				slog.String("run_id", run.ID),
				slog.Int64("seq", rec.SequenceNumber),
				"error", err)
		}
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, recordlog.ErrRecordExists):
			// Lost a race with a concurrent append of the same record.
			res, err := c.dedupe(ctx, run.ID, recordID)
			if res == nil && err == nil {
				// Still in flight; the per-run lock rules out this run.
				err = fmt.Errorf("%w: record %s is being appended to another run", types.ErrRecordConflict, recordID)
			}
			return res, err
		case errors.Is(err, recordlog.ErrSealed):
			st.finalized = true
			return nil, fmt.Errorf("%w: run %s is finalized", types.ErrInvalidState, run.ID)
		}
		return nil, err
	}
	st.next++

	if run.Status == types.RunStatusCreated {
		if _, err := c.runs.MarkRunning(ctx, run.ID, rec.LoggedAt); err != nil {
			c.logger.Warn("mark run running failed", slog.String("run_id", run.ID), "error", err)
		}
	}
	if err := c.runs.Touch(ctx, run.ID, rec.LoggedAt); err != nil {
		c.logger.Warn("touch run failed", slog.String("run_id", run.ID), "error", err)
	}

	c.notifier.notify(run.ID)
	return &AppendResult{
		RecordID:       rec.RecordID,
		SequenceNumber: rec.SequenceNumber,
		LoggedAt:       rec.LoggedAt,
	}, nil
}

func (c *Coordinator) retriable(err error) bool {
	return errors.Is(err, types.ErrDurability) || errors.Is(err, recordlog.ErrSequenceTaken)
}

// dedupe returns a result if recordID was already appended. It returns
// nil, nil when the ID is new.
func (c *Coordinator) dedupe(ctx context.Context, runID, recordID string) (*AppendResult, error) {
	existing, err := c.log.Lookup(ctx, recordID)
	if errors.Is(err, recordlog.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup record: %w", err)
	}
	if existing.RunID != runID {
		return nil, fmt.Errorf("%w: record %s belongs to run %s", types.ErrRecordConflict, recordID, existing.RunID)
	}
	return &AppendResult{
		RecordID:       existing.RecordID,
		SequenceNumber: existing.SequenceNumber,
		LoggedAt:       existing.LoggedAt,
		Duplicate:      true,
	}, nil
}

// load fills a fresh run state. The run is checked again under the lock
// because a finalize may have completed since the caller's first check.
func (c *Coordinator) load(ctx context.Context, runID string, st *runState) error {
	if st.finalized {
		return fmt.Errorf("%w: run %s is finalized", types.ErrInvalidState, runID)
	}
	if st.loaded {
		return nil
	}
	run, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		st.finalized = true
		return fmt.Errorf("%w: run %s is %s", types.ErrInvalidState, runID, run.Status)
	}
	if err := c.reload(ctx, runID, st); err != nil {
		return err
	}
	st.loaded = true
	return nil
}

func (c *Coordinator) reload(ctx context.Context, runID string, st *runState) error {
	last, err := c.log.LastSequence(ctx, runID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDurability, err)
	}
	st.next = last + 1
	return nil
}

// normalize validates the request and returns compacted data and the
// record ID to use.
func normalize(req *AppendRequest) (json.RawMessage, string, error) {
	if req == nil || req.RunID == "" {
		return nil, "", fmt.Errorf("%w: run id is required", types.ErrInvalidArgument)
	}
	if req.StepName == "" {
		return nil, "", fmt.Errorf("%w: step name is required", types.ErrInvalidArgument)
	}

	trimmed := bytes.TrimSpace(req.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, "", fmt.Errorf("%w: record data must be a JSON object", types.ErrInvalidArgument)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, "", fmt.Errorf("%w: record data is not valid JSON: %v", types.ErrInvalidArgument, err)
	}
	if err := checkNumbers(buf.Bytes()); err != nil {
		return nil, "", err
	}

	recordID := req.RecordID
	if recordID == "" {
		recordID = uuid.NewString()
	} else if _, err := uuid.Parse(recordID); err != nil {
		return nil, "", fmt.Errorf("%w: record id %q is not a UUID", types.ErrInvalidArgument, recordID)
	}
	return buf.Bytes(), recordID, nil
}

// checkNumbers rejects numbers that do not fit in a float64, anywhere in
// data. They cannot be aggregated or decoded back out of the log.
func checkNumbers(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: record data is not valid JSON: %v", types.ErrInvalidArgument, err)
		}
		n, ok := tok.(json.Number)
		if !ok {
			continue
		}
		if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
			return fmt.Errorf("%w: number %s is out of range", types.ErrInvalidArgument, n)
		}
	}
}

// Finalize aggregates the run's records and moves it to a terminal status.
// It holds the run's append lock throughout, so the aggregate covers every
// accepted record.
func (c *Coordinator) Finalize(ctx context.Context, req *FinalizeRequest) (*types.Run, error) {
	if req == nil || !req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: finalize requires a terminal status", types.ErrInvalidArgument)
	}

	run, err := c.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is already %s", runstore.ErrRunTerminal, run.ID, run.Status)
	}

	st := c.locks.acquire(run.ID)
	defer c.locks.release(run.ID, st)

	if st.finalized {
		return nil, fmt.Errorf("%w: run %s", runstore.ErrRunTerminal, run.ID)
	}

	if !req.IdleBefore.IsZero() {
		// Appends touch the run under this lock, so the reread is current.
		if run, err = c.runs.GetRun(ctx, run.ID); err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: run %s is already %s", runstore.ErrRunTerminal, run.ID, run.Status)
		}
		if !run.LastActivityAt.Before(req.IdleBefore) {
			return nil, fmt.Errorf("%w: run %s active at %s", ErrRunActive, run.ID, run.LastActivityAt.Format(time.RFC3339Nano))
		}
	}

	computed, params, err := c.agg.Compute(c.log.Scan(ctx, run.ID, 0))
	if err != nil {
		return nil, fmt.Errorf("aggregate run %s: %w", run.ID, err)
	}

	merged := make(map[string]any, len(run.Parameters)+len(params))
	for k, v := range run.Parameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	out, err := c.runs.Finalize(ctx, run.ID, &runstore.FinalizeInput{
		Status:     req.Status,
		StopTime:   c.now(),
		Metrics:    computed,
		Parameters: merged,
		Error:      req.Error,
		StartTime:  req.StartTime,
	})
	if err != nil {
		if errors.Is(err, types.ErrInvalidState) {
			st.finalized = true
		}
		return nil, err
	}
	st.finalized = true

	if sealer, ok := c.log.(recordlog.Sealer); ok {
		if err := sealer.Seal(ctx, run.ID); err != nil {
			c.logger.Warn("seal run log failed", slog.String("run_id", run.ID), "error", err)
		}
	}
	c.notifier.closeRun(run.ID)

	metrics.RunsFinalized.WithLabelValues(string(out.Status)).Inc()
	metrics.RunsActive.Dec()
	if out.StartTime != nil && out.StopTime != nil {
		metrics.RunDuration.WithLabelValues(string(out.Status)).Observe(out.StopTime.Sub(*out.StartTime).Seconds())
	}
	c.logger.Info("run finalized",
		slog.String("run_id", out.ID),
		slog.String("status", string(out.Status)),
		slog.Int("metrics", len(out.Metrics)),
	)
	return out, nil
}

// Compute aggregates a run's records without persisting the result.
func (c *Coordinator) Compute(ctx context.Context, runID string) (map[string]float64, map[string]any, error) {
	return c.agg.Compute(c.log.Scan(ctx, runID, 0))
}

// Subscribe returns a channel that is signalled after each append to
// runID and closed when the run is finalized. Call cleanup when done.
func (c *Coordinator) Subscribe(runID string) (<-chan struct{}, func()) {
	return c.notifier.subscribe(runID)
}
