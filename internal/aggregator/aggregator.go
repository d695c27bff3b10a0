// Package aggregator derives run-level metrics and parameters from a run's
// records.
//
// Every top-level key of a record's data is one observation. Numbers and
// objects of the form {"value": <number>, "agg": "<strategy>"} are metric
// observations. Everything else is a parameter, and the last one wins.
package aggregator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strconv"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// Config selects strategies for metric keys.
type Config struct {
	// Default applies when nothing else matches. Defaults to Last.
	Default Strategy

	// Strategies maps metric keys to strategies.
	Strategies map[string]Strategy

	// Derived metrics are evaluated, in order, after aggregation.
	Derived []DerivedMetric
}

// Aggregator computes run summaries. It is stateless between calls and
// safe for concurrent use.
type Aggregator struct {
	def        Strategy
	strategies map[string]Strategy
	derived    *derivedSet
	logger     *slog.Logger
}

// New builds an aggregator. Derived metric expressions are compiled here so
// a bad expression fails at startup.
func New(cfg Config, logger *slog.Logger) (*Aggregator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := cfg.Default
	if def == "" {
		def = Last
	}
	if _, err := ParseStrategy(string(def)); err != nil {
		return nil, err
	}

	strategies := make(map[string]Strategy, len(cfg.Strategies))
	for k, st := range cfg.Strategies {
		if _, err := ParseStrategy(string(st)); err != nil {
			return nil, fmt.Errorf("strategy for %q: %w", k, err)
		}
		strategies[k] = st
	}

	derived, err := compileDerived(cfg.Derived)
	if err != nil {
		return nil, err
	}

	return &Aggregator{def: def, strategies: strategies, derived: derived, logger: logger}, nil
}

// StrategyFor returns the strategy for an untagged observation of key.
func (a *Aggregator) StrategyFor(key string) Strategy {
	if st, ok := a.strategies[key]; ok {
		return st
	}
	if st, ok := suffixStrategy(key); ok {
		return st
	}
	return a.def
}

// Compute folds records, in sequence order, into metrics and parameters.
//
// A key that switches between metric and parameter observations restarts
// in whichever map its latest observation belongs to. A tagged observation
// that changes a key's strategy restarts that key's accumulator.
func (a *Aggregator) Compute(records iter.Seq2[*types.FlowRecord, error]) (map[string]float64, map[string]any, error) {
	accs := make(map[string]*accumulator)
	params := make(map[string]any)

	for rec, err := range records {
		if err != nil {
			return nil, nil, fmt.Errorf("read records: %w", err)
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(rec.Data, &fields); err != nil {
			return nil, nil, fmt.Errorf("%w: record %d data is not an object: %v",
				types.ErrInvalidArgument, rec.SequenceNumber, err)
		}

		for key, raw := range fields {
			if v, st, ok := a.metricObservation(key, raw); ok {
				delete(params, key)
				acc := accs[key]
				if acc == nil || acc.strategy != st {
					acc = newAccumulator(st)
					accs[key] = acc
				}
				acc.observe(v)
				continue
			}

			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				// Numbers outside float64 range land here.
				a.logger.Warn("record value skipped",
					slog.String("key", key),
					slog.Int64("sequence", rec.SequenceNumber),
					"error", err)
				continue
			}
			delete(accs, key)
			params[key] = v
		}
	}

	metrics := make(map[string]float64, len(accs))
	for key, acc := range accs {
		v, ok := clampFinite(acc.value)
		if !ok {
			a.logger.Warn("metric dropped", slog.String("key", key), slog.String("strategy", string(acc.strategy)))
			continue
		}
		metrics[key] = v
	}
	a.derived.apply(metrics, params, a.logger)
	return metrics, params, nil
}

type taggedValue struct {
	Value *float64 `json:"value"`
	Agg   string   `json:"agg"`
}

func (a *Aggregator) metricObservation(key string, raw json.RawMessage) (float64, Strategy, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, "", false
	}

	switch c := raw[0]; {
	case c == '-' || (c >= '0' && c <= '9'):
		v, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || math.IsInf(v, 0) {
			return 0, "", false
		}
		return v, a.StrategyFor(key), true

	case c == '{':
		var tv taggedValue
		if err := json.Unmarshal(raw, &tv); err != nil || tv.Value == nil || tv.Agg == "" {
			return 0, "", false
		}
		st, err := ParseStrategy(tv.Agg)
		if err != nil {
			return 0, "", false
		}
		return *tv.Value, st, true
	}
	return 0, "", false
}

// clampFinite pins an overflowed aggregate to the largest float64 of the
// same sign, since JSON has no encoding for infinities. NaN is rejected.
func clampFinite(v float64) (float64, bool) {
	switch {
	case math.IsNaN(v):
		return 0, false
	case math.IsInf(v, 1):
		return math.MaxFloat64, true
	case math.IsInf(v, -1):
		return -math.MaxFloat64, true
	}
	return v, true
}
