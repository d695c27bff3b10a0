package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/storage"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
//
// Each run is a hash under <prefix>:run:<id>:meta. Status transitions use
// WATCH/MULTI so a transition only commits if the status it was decided on
// is still current. <prefix>:runs is a sorted set of all runs by creation
// time and <prefix>:runs:active holds the non-terminal ones.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 16

// NewRedisStoreWithClient creates a store using an existing Redis client.
// ttl expires finalized runs; zero keeps them forever.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "flowtrack"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string {
	return fmt.Sprintf("%s:run:%s:meta", s.prefix, runID)
}
func (s *RedisStore) keyAll() string    { return s.prefix + ":runs" }
func (s *RedisStore) keyActive() string { return s.prefix + ":runs:active" }

func (s *RedisStore) CreateRun(ctx context.Context, flowID string, parameters map[string]any) (*types.Run, error) {
	now := time.Now().UTC()
	run := &types.Run{
		ID:             uuid.NewString(),
		FlowID:         flowID,
		Status:         types.RunStatusCreated,
		Parameters:     parameters,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	fields, err := encodeRun(run)
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keyMeta(run.ID), fields)
	pipe.ZAdd(ctx, s.keyAll(), redis.Z{Score: float64(now.UnixNano()), Member: run.ID})
	pipe.SAdd(ctx, s.keyActive(), run.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}
	return decodeRun(meta)
}

func (s *RedisStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*types.Run, error) {
	var (
		ids []string
		err error
	)
	if filter.onlyNonTerminal() {
		ids, err = s.client.SMembers(ctx, s.keyActive()).Result()
	} else {
		ids, err = s.client.ZRevRange(ctx, s.keyAll(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list run ids: %w", err)
	}

	out := make([]*types.Run, 0)
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			// Expired by TTL, clean up the indexes
			s.client.ZRem(ctx, s.keyAll(), id)
			s.client.SRem(ctx, s.keyActive(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.match(run) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// transition runs fn against the current run state inside WATCH and
// commits the fields it returns. fn returning nil fields commits nothing.
func (s *RedisStore) transition(ctx context.Context, runID string, fn func(run *types.Run) (map[string]interface{}, error), after func(pipe redis.Pipeliner)) error {
	key := s.keyMeta(runID)
	txf := func(tx *redis.Tx) error {
		meta, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("get run meta: %w", err)
		}
		if len(meta) == 0 {
			return ErrRunNotFound
		}
		run, err := decodeRun(meta)
		if err != nil {
			return err
		}
		fields, err := fn(run)
		if err != nil || fields == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if after != nil {
				after(pipe)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: run %s transition contended", types.ErrDurability, runID)
}

func (s *RedisStore) MarkRunning(ctx context.Context, runID string, at time.Time) (bool, error) {
	var transitioned bool
	err := s.transition(ctx, runID, func(run *types.Run) (map[string]interface{}, error) {
		transitioned = false
		switch {
		case run.Status.IsTerminal():
			return nil, ErrRunTerminal
		case run.Status == types.RunStatusRunning:
			return nil, nil
		}
		transitioned = true
		fields := map[string]interface{}{
			"status":    string(types.RunStatusRunning),
			"startTime": formatTime(at),
		}
		if at.After(run.LastActivityAt) {
			fields["lastActivityAt"] = formatTime(at)
		}
		return fields, nil
	}, nil)
	return transitioned, err
}

func (s *RedisStore) Touch(ctx context.Context, runID string, at time.Time) error {
	return s.transition(ctx, runID, func(run *types.Run) (map[string]interface{}, error) {
		if run.Status.IsTerminal() || !at.After(run.LastActivityAt) {
			return nil, nil
		}
		return map[string]interface{}{"lastActivityAt": formatTime(at)}, nil
	}, nil)
}

func (s *RedisStore) Finalize(ctx context.Context, runID string, in *FinalizeInput) (*types.Run, error) {
	if err := validateFinalize(in); err != nil {
		return nil, err
	}

	var final *types.Run
	err := s.transition(ctx, runID, func(run *types.Run) (map[string]interface{}, error) {
		if run.Status.IsTerminal() {
			return nil, ErrRunTerminal
		}
		applyFinalize(run, in)
		final = run
		return encodeRun(run)
	}, func(pipe redis.Pipeliner) {
		pipe.SRem(ctx, s.keyActive(), runID)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
		}
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	info := storage.RedisInfo(ctx, s.client)
	if details, ok := info["details"].(map[string]interface{}); ok {
		details["prefix"] = s.prefix
		details["ttl_hours"] = s.ttl.Hours()
	}
	return info, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeRun(r *types.Run) (map[string]interface{}, error) {
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	fields := map[string]interface{}{
		"runId":          r.ID,
		"flowId":         r.FlowID,
		"status":         string(r.Status),
		"startTime":      "",
		"stopTime":       "",
		"metrics":        string(metrics),
		"parameters":     string(params),
		"error":          r.Error,
		"createdAt":      formatTime(r.CreatedAt),
		"lastActivityAt": formatTime(r.LastActivityAt),
	}
	if r.StartTime != nil {
		fields["startTime"] = formatTime(*r.StartTime)
	}
	if r.StopTime != nil {
		fields["stopTime"] = formatTime(*r.StopTime)
	}
	return fields, nil
}

func decodeRun(meta map[string]string) (*types.Run, error) {
	r := &types.Run{
		ID:     meta["runId"],
		FlowID: meta["flowId"],
		Status: types.RunStatus(meta["status"]),
		Error:  meta["error"],
	}
	parse := func(field string) (*time.Time, error) {
		v := meta[field]
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", field, err)
		}
		return &t, nil
	}

	var err error
	if r.StartTime, err = parse("startTime"); err != nil {
		return nil, err
	}
	if r.StopTime, err = parse("stopTime"); err != nil {
		return nil, err
	}
	if t, err := parse("createdAt"); err != nil {
		return nil, err
	} else if t != nil {
		r.CreatedAt = *t
	}
	if t, err := parse("lastActivityAt"); err != nil {
		return nil, err
	} else if t != nil {
		r.LastActivityAt = *t
	}
	if v := meta["metrics"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &r.Metrics); err != nil {
			slog.Warn("corrupt run metrics", slog.String("run_id", r.ID), slog.Any("error", err))
		}
	}
	if v := meta["parameters"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &r.Parameters); err != nil {
			slog.Warn("corrupt run parameters", slog.String("run_id", r.ID), slog.Any("error", err))
		}
	}
	return r, nil
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
