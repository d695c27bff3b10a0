package tracker

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/aggregator"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/archive"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/coordinator"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/recordlog"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/registry"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

type memBackend struct {
	mu   sync.Mutex
	keys []string
}

func (b *memBackend) Put(ctx context.Context, key string, data io.Reader, contentType string) (*archive.ObjectRef, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.keys = append(b.keys, key)
	b.mu.Unlock()
	return &archive.ObjectRef{URI: "mem://" + key}, nil
}

func newTestTracker(t *testing.T, backend archive.Backend) *Tracker {
	t.Helper()
	reg := registry.New(flowstore.NewMemoryStore(), nil)
	runs := runstore.NewMemoryStore()
	log := recordlog.NewMemoryLog()
	agg, err := aggregator.New(aggregator.Config{Strategies: map[string]aggregator.Strategy{"loss": aggregator.Min}}, nil)
	require.NoError(t, err)

	opts := Options{
		Registry:    reg,
		Runs:        runs,
		Log:         log,
		Coordinator: coordinator.New(reg, runs, log, agg, coordinator.Config{}, nil),
	}
	if backend != nil {
		opts.Archiver = archive.NewArchiver(backend, nil)
	}
	return New(opts)
}

func registerF1(t *testing.T, tr *Tracker) *types.Flow {
	t.Helper()
	flow, _, err := tr.RegisterFlow(context.Background(), &registry.RegisterRequest{
		Name:  "F1",
		Steps: []string{"load", "train"},
		Edges: []types.EdgeSpec{{From: "load", To: "train"}},
	})
	require.NoError(t, err)
	return flow
}

func appendData(t *testing.T, tr *Tracker, runID, step, data string) *coordinator.AppendResult {
	t.Helper()
	res, err := tr.Append(context.Background(), &coordinator.AppendRequest{
		RunID: runID, StepName: step, Data: json.RawMessage(data),
	})
	require.NoError(t, err)
	return res
}

func TestTracker_FlowRunLifecycle(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()
	flow := registerF1(t, tr)

	run, err := tr.CreateRun(ctx, flow.ID, map[string]any{"dataset": "mnist"})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCreated, run.Status)
	assert.Nil(t, run.StartTime)

	assert.Equal(t, int64(1), appendData(t, tr, run.ID, "load", `{"rows_total": 100}`).SequenceNumber)
	assert.Equal(t, int64(2), appendData(t, tr, run.ID, "train", `{"loss": 0.8}`).SequenceNumber)
	assert.Equal(t, int64(3), appendData(t, tr, run.ID, "train", `{"loss": 0.5}`).SequenceNumber)

	live, err := tr.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, live.Status)
	assert.InDelta(t, 0.5, live.Metrics["loss"], 1e-9)

	final, err := tr.FinalizeRun(ctx, run.ID, types.OutcomeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, final.Status)
	assert.InDelta(t, 0.5, final.Metrics["loss"], 1e-9)
	assert.InDelta(t, 100, final.Metrics["rows_total"], 1e-9)
	assert.Equal(t, "mnist", final.Parameters["dataset"])

	records, err := recordlog.Collect(tr.ReadRecords(ctx, run.ID, 0))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "load", records[0].StepName)

	_, err = tr.FinalizeRun(ctx, run.ID, types.OutcomeFailure, "late")
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestTracker_LoadTrainEval(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()
	flow, _, err := tr.RegisterFlow(ctx, &registry.RegisterRequest{
		Name:  "F1",
		Steps: []string{"load", "train", "eval"},
		Edges: []types.EdgeSpec{{From: "load", To: "train"}, {From: "train", To: "eval"}},
	})
	require.NoError(t, err)
	run, err := tr.CreateRun(ctx, flow.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), appendData(t, tr, run.ID, "load", `{"rows":100}`).SequenceNumber)
	got, err := tr.RunMeta(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)
	assert.Equal(t, int64(2), appendData(t, tr, run.ID, "train", `{"loss":0.5}`).SequenceNumber)
	assert.Equal(t, int64(3), appendData(t, tr, run.ID, "eval", `{"acc":0.9}`).SequenceNumber)

	_, err = tr.Append(ctx, &coordinator.AppendRequest{RunID: run.ID, StepName: "unknownstep", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, types.ErrUnknownStep)

	final, err := tr.FinalizeRun(ctx, run.ID, types.OutcomeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, final.Status)
	assert.InDelta(t, 0.9, final.Metrics["acc"], 1e-9)

	// Once terminal, the run check comes before the step check.
	_, err = tr.Append(ctx, &coordinator.AppendRequest{RunID: run.ID, StepName: "unknownstep", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, types.ErrInvalidState)

	records, err := recordlog.Collect(tr.ReadRecords(ctx, run.ID, 0))
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestTracker_UnknownStepLeavesRunCreated(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()
	flow := registerF1(t, tr)
	run, err := tr.CreateRun(ctx, flow.ID, nil)
	require.NoError(t, err)

	_, err = tr.Append(ctx, &coordinator.AppendRequest{RunID: run.ID, StepName: "evaluate", Data: json.RawMessage(`{"acc": 1}`)})
	assert.ErrorIs(t, err, types.ErrUnknownStep)

	got, err := tr.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCreated, got.Status)
	records, err := recordlog.Collect(tr.ReadRecords(ctx, run.ID, 0))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTracker_CreateRunUnknownFlow(t *testing.T) {
	tr := newTestTracker(t, nil)
	_, err := tr.CreateRun(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTracker_StartRun(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()
	flow := registerF1(t, tr)
	run, err := tr.CreateRun(ctx, flow.ID, nil)
	require.NoError(t, err)

	started, err := tr.StartRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, started.Status)
	require.NotNil(t, started.StartTime)

	again, err := tr.StartRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, *started.StartTime, *again.StartTime)

	_, err = tr.FinalizeRun(ctx, run.ID, types.OutcomeFailure, "oom")
	require.NoError(t, err)
	_, err = tr.StartRun(ctx, run.ID)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestTracker_FinalizeUnknownOutcome(t *testing.T) {
	tr := newTestTracker(t, nil)
	_, err := tr.FinalizeRun(context.Background(), "r", types.Outcome("maybe"), "")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestTracker_AbandonNeverStartedRun(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()
	flow := registerF1(t, tr)
	run, err := tr.CreateRun(ctx, flow.ID, nil)
	require.NoError(t, err)

	out, err := tr.Abandon(ctx, run, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, out.Status)
	assert.Equal(t, AbandonedError, out.Error)
	require.NotNil(t, out.StartTime)
	assert.True(t, out.StartTime.Equal(run.CreatedAt))
	assert.False(t, out.StopTime.Before(*out.StartTime))
}

func TestTracker_AbandonSkipsRunActiveSinceCutoff(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()
	flow := registerF1(t, tr)
	run, err := tr.CreateRun(ctx, flow.ID, nil)
	require.NoError(t, err)

	cutoff := time.Now()
	appendData(t, tr, run.ID, "train", `{"loss": 0.5}`)

	// run is the snapshot taken before the append.
	_, err = tr.Abandon(ctx, run, cutoff)
	assert.ErrorIs(t, err, coordinator.ErrRunActive)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	got, err := tr.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)
	assert.Empty(t, got.Error)

	// The run can still be finalized normally.
	_, err = tr.FinalizeRun(ctx, run.ID, types.OutcomeSuccess, "")
	require.NoError(t, err)
}

func activeRuns(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.RunsActive.Write(&m))
	return m.GetGauge().GetValue()
}

func TestTracker_SyncActiveRuns(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()
	flow := registerF1(t, tr)

	// Runs left over from a previous process.
	var ids []string
	for range 3 {
		run, err := tr.runs.CreateRun(ctx, flow.ID, nil)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	metrics.RunsActive.Set(0)

	n, err := tr.SyncActiveRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.InDelta(t, 3, activeRuns(t), 0)

	_, err = tr.FinalizeRun(ctx, ids[0], types.OutcomeFailure, "lost")
	require.NoError(t, err)
	assert.InDelta(t, 2, activeRuns(t), 0)

	n, err = tr.SyncActiveRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTracker_ArchivesFinalizedRuns(t *testing.T) {
	backend := &memBackend{}
	tr := newTestTracker(t, backend)
	ctx := context.Background()
	flow := registerF1(t, tr)
	run, err := tr.CreateRun(ctx, flow.ID, nil)
	require.NoError(t, err)
	appendData(t, tr, run.ID, "train", `{"loss": 1}`)

	_, err = tr.FinalizeRun(ctx, run.ID, types.OutcomeSuccess, "")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Close(waitCtx))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.ElementsMatch(t, []string{archive.RunKey(run.ID), archive.RecordsKey(run.ID)}, backend.keys)
}

func TestTracker_Health(t *testing.T) {
	tr := newTestTracker(t, nil)
	status, err := tr.Health(context.Background())
	require.NoError(t, err)
	assert.Contains(t, status, "flows")
	assert.Contains(t, status, "runs")
	assert.Contains(t, status, "records")
}
