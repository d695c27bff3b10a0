package aggregator

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// MaxExpressionLength limits derived metric expressions.
const MaxExpressionLength = 4096

// DerivedMetric is a metric computed from the aggregated metrics and
// parameters, e.g. {Name: "rows_per_sec", Expr: "rows_sum / elapsed_seconds"}.
type DerivedMetric struct {
	Name string
	Expr string
}

// ParseDerived parses "name=expr;name=expr". Entries are separated by
// semicolons because expressions may contain commas.
func ParseDerived(spec string) ([]DerivedMetric, error) {
	var out []DerivedMetric
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, expression, ok := strings.Cut(part, "=")
		name, expression = strings.TrimSpace(name), strings.TrimSpace(expression)
		if !ok || name == "" || expression == "" {
			return nil, fmt.Errorf("%w: malformed derived metric %q, want name=expr", types.ErrInvalidArgument, part)
		}
		out = append(out, DerivedMetric{Name: name, Expr: expression})
	}
	return out, nil
}

type compiledMetric struct {
	name string
	expr string
	prog *vm.Program
}

type derivedSet struct {
	metrics []compiledMetric
}

func compileDerived(defs []DerivedMetric) (*derivedSet, error) {
	set := &derivedSet{}
	for _, d := range defs {
		if len(d.Expr) > MaxExpressionLength {
			return nil, fmt.Errorf("%w: derived metric %q exceeds %d characters", types.ErrInvalidArgument, d.Name, MaxExpressionLength)
		}
		prog, err := expr.Compile(d.Expr, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("%w: compile derived metric %q: %v", types.ErrInvalidArgument, d.Name, err)
		}
		set.metrics = append(set.metrics, compiledMetric{name: d.Name, expr: d.Expr, prog: prog})
	}
	return set, nil
}

// buildEnvironment exposes metrics at the top level for convenience, plus
// "metrics" and "params" maps.
func buildEnvironment(metrics map[string]float64, params map[string]any) map[string]any {
	env := make(map[string]any, len(metrics)+2)
	for k, v := range metrics {
		env[k] = v
	}
	env["metrics"] = metrics
	env["params"] = params
	return env
}

// apply evaluates each derived metric and stores numeric results in
// metrics. Later expressions see earlier results. Expressions that fail or
// return a non-number are skipped; an input may simply not be logged yet.
func (s *derivedSet) apply(metrics map[string]float64, params map[string]any, logger *slog.Logger) {
	if s == nil || len(s.metrics) == 0 {
		return
	}
	env := buildEnvironment(metrics, params)
	for _, m := range s.metrics {
		out, err := expr.Run(m.prog, env)
		if err != nil {
			logger.Debug("derived metric skipped", slog.String("metric", m.name), "error", err)
			continue
		}
		v, ok := toFloat(out)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			logger.Debug("derived metric skipped",
				slog.String("metric", m.name),
				slog.String("result_type", fmt.Sprintf("%T", out)))
			continue
		}
		metrics[m.name] = v
		env[m.name] = v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
