package aggregator

import (
	"encoding/json"
	"errors"
	"iter"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

func records(payloads ...string) iter.Seq2[*types.FlowRecord, error] {
	return func(yield func(*types.FlowRecord, error) bool) {
		for i, p := range payloads {
			rec := &types.FlowRecord{
				RunID:          "run",
				StepName:       "train",
				SequenceNumber: int64(i + 1),
				Data:           json.RawMessage(p),
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func newAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	a, err := New(cfg, nil)
	require.NoError(t, err)
	return a
}

func TestCompute_Strategies(t *testing.T) {
	a := newAggregator(t, Config{
		Strategies: map[string]Strategy{"loss": Min},
	})

	metrics, params, err := a.Compute(records(
		`{"loss": 0.9, "acc": 0.5, "rows_total": 10, "lr_avg": 1, "grad_max": 3, "t_min": 7}`,
		`{"loss": 0.4, "acc": 0.7, "rows_total": 5, "lr_avg": 3, "grad_max": 9, "t_min": 2}`,
		`{"loss": 0.6, "acc": 0.6, "rows_total": 1, "lr_avg": 5, "grad_max": 4, "t_min": 5}`,
	))
	require.NoError(t, err)
	assert.Empty(t, params)

	assert.InDelta(t, 0.4, metrics["loss"], 1e-9, "configured min")
	assert.InDelta(t, 0.6, metrics["acc"], 1e-9, "default last")
	assert.InDelta(t, 16, metrics["rows_total"], 1e-9, "suffix sum")
	assert.InDelta(t, 3, metrics["lr_avg"], 1e-9, "suffix avg")
	assert.InDelta(t, 9, metrics["grad_max"], 1e-9, "suffix max")
	assert.InDelta(t, 2, metrics["t_min"], 1e-9, "suffix min")
}

func TestCompute_TaggedBeatsConfig(t *testing.T) {
	a := newAggregator(t, Config{
		Strategies: map[string]Strategy{"rows": Min},
	})

	metrics, _, err := a.Compute(records(
		`{"rows": {"value": 2, "agg": "sum"}}`,
		`{"rows": {"value": 3, "agg": "sum"}}`,
	))
	require.NoError(t, err)
	assert.InDelta(t, 5, metrics["rows"], 1e-9)
}

func TestCompute_ConfigBeatsSuffix(t *testing.T) {
	a := newAggregator(t, Config{
		Strategies: map[string]Strategy{"rows_sum": Last},
	})

	metrics, _, err := a.Compute(records(`{"rows_sum": 2}`, `{"rows_sum": 3}`))
	require.NoError(t, err)
	assert.InDelta(t, 3, metrics["rows_sum"], 1e-9)
}

func TestCompute_ConfiguredDefault(t *testing.T) {
	a := newAggregator(t, Config{Default: Max})

	metrics, _, err := a.Compute(records(`{"x": 2}`, `{"x": 7}`, `{"x": 1}`))
	require.NoError(t, err)
	assert.InDelta(t, 7, metrics["x"], 1e-9)
}

func TestCompute_Parameters(t *testing.T) {
	a := newAggregator(t, Config{})

	metrics, params, err := a.Compute(records(
		`{"optimizer": "sgd", "layers": [1, 2], "debug": true}`,
		`{"optimizer": "adam", "note": null, "cfg": {"depth": 3}}`,
	))
	require.NoError(t, err)
	assert.Empty(t, metrics)
	assert.Equal(t, "adam", params["optimizer"])
	assert.Equal(t, []any{float64(1), float64(2)}, params["layers"])
	assert.Equal(t, true, params["debug"])
	assert.Contains(t, params, "note")
	assert.Nil(t, params["note"])
	assert.Equal(t, map[string]any{"depth": float64(3)}, params["cfg"])
}

func TestCompute_KeyChangesKind(t *testing.T) {
	a := newAggregator(t, Config{})

	metrics, params, err := a.Compute(records(
		`{"a": 1, "b": "x"}`,
		`{"a": "done", "b": 2}`,
	))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"b": 2}, metrics)
	assert.Equal(t, map[string]any{"a": "done"}, params)
}

func TestCompute_TagWithUnknownStrategyIsParameter(t *testing.T) {
	a := newAggregator(t, Config{})

	metrics, params, err := a.Compute(records(`{"x": {"value": 1, "agg": "median"}}`))
	require.NoError(t, err)
	assert.Empty(t, metrics)
	assert.Contains(t, params, "x")
}

func TestCompute_ExtremeNumbers(t *testing.T) {
	tests := []struct {
		name     string
		payloads []string
		key      string
		want     float64
		absent   bool
	}{
		{"sum overflows to max", []string{`{"bytes_total": 1.5e308}`, `{"bytes_total": 1.5e308}`}, "bytes_total", math.MaxFloat64, false},
		{"sum overflows to min", []string{`{"d_sum": -1.5e308}`, `{"d_sum": -1.5e308}`}, "d_sum", -math.MaxFloat64, false},
		{"avg near limit", []string{`{"v_avg": 1.5e308}`, `{"v_avg": 1.7e308}`}, "v_avg", 1.6e308, false},
		{"avg of opposite extremes", []string{`{"v_avg": 1.7e308}`, `{"v_avg": -1.7e308}`}, "v_avg", 0, false},
		{"negative zero", []string{`{"z_min": 0}`, `{"z_min": -0}`}, "z_min", 0, false},
		{"underflow rounds to zero", []string{`{"eps": 1e-400}`}, "eps", 0, false},
		{"out of range literal", []string{`{"x": 1e400}`}, "x", 0, true},
		{"out of range tagged", []string{`{"x": {"value": -1e400, "agg": "max"}}`}, "x", 0, true},
		{"out of range keeps earlier value", []string{`{"x": 2}`, `{"x": 1e400}`}, "x", 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAggregator(t, Config{})
			metrics, params, err := a.Compute(records(tt.payloads...))
			require.NoError(t, err)
			assert.NotContains(t, params, tt.key)
			if tt.absent {
				assert.NotContains(t, metrics, tt.key)
				return
			}
			require.Contains(t, metrics, tt.key)
			assert.InDelta(t, tt.want, metrics[tt.key], math.Abs(tt.want)*1e-12)
			assert.False(t, math.IsInf(metrics[tt.key], 0))

			_, err = json.Marshal(metrics)
			assert.NoError(t, err)
		})
	}
}

func TestCompute_Empty(t *testing.T) {
	a := newAggregator(t, Config{})

	metrics, params, err := a.Compute(records())
	require.NoError(t, err)
	assert.Empty(t, metrics)
	assert.Empty(t, params)
}

func TestCompute_PropagatesReadError(t *testing.T) {
	a := newAggregator(t, Config{})
	boom := errors.New("boom")

	_, _, err := a.Compute(func(yield func(*types.FlowRecord, error) bool) {
		yield(nil, boom)
	})
	assert.ErrorIs(t, err, boom)
}

func TestCompute_Derived(t *testing.T) {
	a := newAggregator(t, Config{
		Derived: []DerivedMetric{
			{Name: "rows_per_batch", Expr: "rows_total / batches_total"},
			{Name: "rows_per_batch_x2", Expr: "rows_per_batch * 2"},
			{Name: "missing", Expr: "rows_total / nope"},
			{Name: "from_params", Expr: "params.workers * 1.0"},
		},
	})

	metrics, _, err := a.Compute(records(
		`{"rows_total": 30, "batches_total": 2, "workers": "x"}`,
		`{"rows_total": 30, "batches_total": 1}`,
	))
	require.NoError(t, err)
	assert.InDelta(t, 20, metrics["rows_per_batch"], 1e-9)
	assert.InDelta(t, 40, metrics["rows_per_batch_x2"], 1e-9)
	assert.NotContains(t, metrics, "missing")
	assert.NotContains(t, metrics, "from_params")
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Default: "median"}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = New(Config{Strategies: map[string]Strategy{"x": "p99"}}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = New(Config{Derived: []DerivedMetric{{Name: "x", Expr: "1 +"}}}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestParseStrategies(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[string]Strategy
		wantErr bool
	}{
		{name: "empty", in: "", want: map[string]Strategy{}},
		{name: "pairs", in: "loss=min, rows=SUM", want: map[string]Strategy{"loss": Min, "rows": Sum}},
		{name: "trailing comma", in: "a=avg,", want: map[string]Strategy{"a": Avg}},
		{name: "missing equals", in: "loss", wantErr: true},
		{name: "unknown strategy", in: "loss=p50", wantErr: true},
		{name: "empty key", in: "=sum", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStrategies(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatStrategies(t *testing.T) {
	assert.Equal(t, "a=sum,b=min", FormatStrategies(map[string]Strategy{"b": Min, "a": Sum}))
}

func TestParseDerived(t *testing.T) {
	got, err := ParseDerived("ratio = a / b; pct=max(a, b) * 100;")
	require.NoError(t, err)
	assert.Equal(t, []DerivedMetric{
		{Name: "ratio", Expr: "a / b"},
		{Name: "pct", Expr: "max(a, b) * 100"},
	}, got)

	_, err = ParseDerived("ratio")
	assert.Error(t, err)
}
