// Package tracker is the flowtrack store API. It wires the flow registry,
// run ledger, record log, coordinator and aggregator behind one facade.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/archive"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/coordinator"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/recordlog"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/registry"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/tracing"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// AbandonedError is the error recorded on runs closed by the sweeper.
const AbandonedError = "abandoned"

// Options wires a Tracker.
type Options struct {
	Registry    *registry.Registry
	Runs        runstore.RunStore
	Log         recordlog.Log
	Coordinator *coordinator.Coordinator

	// Archiver, when set, uploads every finalized run in the background.
	Archiver *archive.Archiver

	Logger *slog.Logger
}

// Tracker implements the store API.
type Tracker struct {
	registry *registry.Registry
	runs     runstore.RunStore
	log      recordlog.Log
	coord    *coordinator.Coordinator
	archiver *archive.Archiver
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a tracker.
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		registry: opts.Registry,
		runs:     opts.Runs,
		log:      opts.Log,
		coord:    opts.Coordinator,
		archiver: opts.Archiver,
		logger:   logger,
		tracer:   tracing.Tracer("flowtrack/tracker"),
	}
}

func (t *Tracker) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RegisterFlow validates and registers a flow definition.
func (t *Tracker) RegisterFlow(ctx context.Context, req *registry.RegisterRequest) (flow *types.Flow, created bool, err error) {
	ctx, span := t.start(ctx, "tracker.RegisterFlow", attribute.String("flow.name", req.Name))
	defer func() { finish(span, err) }()

	flow, created, err = t.registry.Register(ctx, req)
	if err == nil {
		span.SetAttributes(attribute.String("flow.id", flow.ID), attribute.Bool("flow.created", created))
	}
	return flow, created, err
}

// GetFlow returns a flow by ID.
func (t *Tracker) GetFlow(ctx context.Context, flowID string) (flow *types.Flow, err error) {
	ctx, span := t.start(ctx, "tracker.GetFlow", attribute.String("flow.id", flowID))
	defer func() { finish(span, err) }()
	return t.registry.Get(ctx, flowID)
}

// GetFlowByName returns a flow by its registered name.
func (t *Tracker) GetFlowByName(ctx context.Context, name string) (flow *types.Flow, err error) {
	ctx, span := t.start(ctx, "tracker.GetFlowByName", attribute.String("flow.name", name))
	defer func() { finish(span, err) }()
	return t.registry.GetByName(ctx, name)
}

// ListFlows returns registered flows in creation order.
func (t *Tracker) ListFlows(ctx context.Context, opts *flowstore.ListOptions) (flows []*types.Flow, err error) {
	ctx, span := t.start(ctx, "tracker.ListFlows")
	defer func() { finish(span, err) }()
	return t.registry.List(ctx, opts)
}

// CreateRun starts tracking a new run of flowID.
func (t *Tracker) CreateRun(ctx context.Context, flowID string, params map[string]any) (run *types.Run, err error) {
	ctx, span := t.start(ctx, "tracker.CreateRun", attribute.String("flow.id", flowID))
	defer func() { finish(span, err) }()

	if _, err := t.registry.Get(ctx, flowID); err != nil {
		return nil, err
	}
	run, err = t.runs.CreateRun(ctx, flowID, params)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	metrics.RunsCreated.Inc()
	metrics.RunsActive.Inc()
	span.SetAttributes(attribute.String("run.id", run.ID))
	t.logger.Info("run created", slog.String("run_id", run.ID), slog.String("flow_id", flowID))
	return run, nil
}

// SyncActiveRuns sets the active-runs gauge to the number of non-terminal
// runs in the store. Runs created before a restart, or by another process
// sharing the store, are otherwise never counted.
func (t *Tracker) SyncActiveRuns(ctx context.Context) (int, error) {
	runs, err := t.runs.ListRuns(ctx, &runstore.RunFilter{
		Statuses: []types.RunStatus{types.RunStatusCreated, types.RunStatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	metrics.RunsActive.Set(float64(len(runs)))
	return len(runs), nil
}

// StartRun moves a created run to running. Starting a running run is a
// no-op; starting a finalized run fails with types.ErrInvalidState.
func (t *Tracker) StartRun(ctx context.Context, runID string) (run *types.Run, err error) {
	ctx, span := t.start(ctx, "tracker.StartRun", attribute.String("run.id", runID))
	defer func() { finish(span, err) }()

	if _, err := t.runs.MarkRunning(ctx, runID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return t.runs.GetRun(ctx, runID)
}

// GetRun returns a run. Active runs carry metrics computed from the
// records logged so far; these are not persisted.
func (t *Tracker) GetRun(ctx context.Context, runID string) (run *types.Run, err error) {
	ctx, span := t.start(ctx, "tracker.GetRun", attribute.String("run.id", runID))
	defer func() { finish(span, err) }()

	run, err = t.runs.GetRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		return run, err
	}

	live, params, err := t.coord.Compute(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("compute live metrics: %w", err)
	}
	run.Metrics = live
	if len(params) > 0 {
		if run.Parameters == nil {
			run.Parameters = make(map[string]any, len(params))
		}
		for k, v := range params {
			run.Parameters[k] = v
		}
	}
	return run, nil
}

// RunMeta returns the stored run without computing live metrics.
func (t *Tracker) RunMeta(ctx context.Context, runID string) (*types.Run, error) {
	return t.runs.GetRun(ctx, runID)
}

// ListRuns returns runs matching filter, newest first.
func (t *Tracker) ListRuns(ctx context.Context, filter *runstore.RunFilter) (runs []*types.Run, err error) {
	ctx, span := t.start(ctx, "tracker.ListRuns")
	defer func() { finish(span, err) }()
	return t.runs.ListRuns(ctx, filter)
}

// FinalizeRun ends a run with the caller-reported outcome.
func (t *Tracker) FinalizeRun(ctx context.Context, runID string, outcome types.Outcome, reason string) (*types.Run, error) {
	status, ok := outcome.Status()
	if !ok {
		return nil, fmt.Errorf("%w: unknown outcome %q", types.ErrInvalidArgument, outcome)
	}
	return t.finalize(ctx, &coordinator.FinalizeRequest{RunID: runID, Status: status, Error: reason})
}

// Abandon fails a run that stopped reporting. The run is only failed if it
// has had no activity since idleBefore; otherwise the error wraps
// coordinator.ErrRunActive. A run that never started is given its creation
// time as start time.
func (t *Tracker) Abandon(ctx context.Context, run *types.Run, idleBefore time.Time) (*types.Run, error) {
	req := &coordinator.FinalizeRequest{
		RunID:      run.ID,
		Status:     types.RunStatusFailed,
		Error:      AbandonedError,
		IdleBefore: idleBefore,
	}
	if run.StartTime == nil {
		created := run.CreatedAt
		req.StartTime = &created
	}
	return t.finalize(ctx, req)
}

func (t *Tracker) finalize(ctx context.Context, req *coordinator.FinalizeRequest) (run *types.Run, err error) {
	ctx, span := t.start(ctx, "tracker.FinalizeRun",
		attribute.String("run.id", req.RunID),
		attribute.String("run.status", string(req.Status)))
	defer func() { finish(span, err) }()

	run, err = t.coord.Finalize(ctx, req)
	if err != nil {
		return nil, err
	}
	if t.archiver != nil {
		t.archiver.ArchiveAsync(run, func(ctx context.Context) iter.Seq2[*types.FlowRecord, error] {
			return t.log.Scan(ctx, run.ID, 0)
		})
	}
	return run, nil
}

// Append logs one record.
func (t *Tracker) Append(ctx context.Context, req *coordinator.AppendRequest) (res *coordinator.AppendResult, err error) {
	ctx, span := t.start(ctx, "tracker.Append",
		attribute.String("run.id", req.RunID),
		attribute.String("record.step", req.StepName))
	defer func() { finish(span, err) }()

	res, err = t.coord.Append(ctx, req)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("record.seq", res.SequenceNumber),
			attribute.Bool("record.duplicate", res.Duplicate))
	}
	return res, err
}

// ReadRecords yields a run's records after since.
func (t *Tracker) ReadRecords(ctx context.Context, runID string, since int64) iter.Seq2[*types.FlowRecord, error] {
	return t.coord.ReadRecords(ctx, runID, since)
}

// Read yields a run's records matching opts.
func (t *Tracker) Read(ctx context.Context, runID string, opts *coordinator.ReadOptions) iter.Seq2[*types.FlowRecord, error] {
	return t.coord.Read(ctx, runID, opts)
}

// Subscribe signals after each append to runID until the run is finalized.
func (t *Tracker) Subscribe(runID string) (<-chan struct{}, func()) {
	return t.coord.Subscribe(runID)
}

// Health reports the state of every backend, keyed by component.
func (t *Tracker) Health(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	var errs []error

	if err := t.registry.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flows: %w", err))
		out["flows"] = map[string]any{"healthy": false, "error": err.Error()}
	} else {
		out["flows"] = map[string]any{"healthy": true}
	}

	info, err := t.runs.AdapterInfo(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("runs: %w", err))
		out["runs"] = map[string]any{"healthy": false, "error": err.Error()}
	} else {
		if healthy, ok := info["healthy"].(bool); ok && !healthy {
			errs = append(errs, errors.New("runs: backend unhealthy"))
		}
		out["runs"] = info
	}

	if p, ok := t.log.(recordlog.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("records: %w", err))
			out["records"] = map[string]any{"healthy": false, "error": err.Error()}
		} else {
			out["records"] = map[string]any{"healthy": true}
		}
	} else {
		out["records"] = map[string]any{"healthy": true}
	}

	return out, errors.Join(errs...)
}

// Close waits for background archive uploads.
func (t *Tracker) Close(ctx context.Context) error {
	if t.archiver == nil {
		return nil
	}
	return t.archiver.Wait(ctx)
}
