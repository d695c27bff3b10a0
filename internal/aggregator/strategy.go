package aggregator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// Strategy folds a key's metric observations into one value.
type Strategy string

const (
	Last Strategy = "last"
	Sum  Strategy = "sum"
	Avg  Strategy = "avg"
	Min  Strategy = "min"
	Max  Strategy = "max"
)

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case Last, Sum, Avg, Min, Max:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown aggregation strategy %q", types.ErrInvalidArgument, s)
}

// ParseStrategies parses a per-key strategy list such as "loss=min,rows=sum".
func ParseStrategies(spec string) (map[string]Strategy, error) {
	out := make(map[string]Strategy)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, name, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed strategy entry %q, want key=strategy", types.ErrInvalidArgument, part)
		}
		st, err := ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		out[key] = st
	}
	return out, nil
}

// FormatStrategies is the inverse of ParseStrategies, with keys sorted.
func FormatStrategies(m map[string]Strategy) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + string(m[k])
	}
	return strings.Join(parts, ",")
}

var suffixStrategies = []struct {
	suffix   string
	strategy Strategy
}{
	{"_sum", Sum},
	{"_total", Sum},
	{"_avg", Avg},
	{"_mean", Avg},
	{"_min", Min},
	{"_max", Max},
}

func suffixStrategy(key string) (Strategy, bool) {
	for _, s := range suffixStrategies {
		if strings.HasSuffix(key, s.suffix) {
			return s.strategy, true
		}
	}
	return "", false
}

// accumulator is the running state for one metric key.
type accumulator struct {
	strategy Strategy
	value    float64
	sum      float64
	count    int64
}

func newAccumulator(st Strategy) *accumulator {
	acc := &accumulator{strategy: st}
	switch st {
	case Min:
		acc.value = math.Inf(1)
	case Max:
		acc.value = math.Inf(-1)
	}
	return acc
}

func (a *accumulator) observe(v float64) {
	a.count++
	switch a.strategy {
	case Sum:
		a.value += v
	case Avg:
		// Running mean, scaled before subtracting so that values near
		// the float64 limit cannot overflow.
		n := float64(a.count)
		a.value += v/n - a.value/n
	case Min:
		a.value = math.Min(a.value, v)
	case Max:
		a.value = math.Max(a.value, v)
	default:
		a.value = v
	}
}
