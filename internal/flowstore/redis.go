package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// RedisStore implements FlowStore using Redis.
//
// Each flow is stored as JSON under <prefix>:flow:<id>. The unique name
// index is <prefix>:flow-name:<name>, claimed with SETNX after the flow body
// is written, so whoever wins the name always has a readable body.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowtrack"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) flowKey(id string) string { return fmt.Sprintf("%s:flow:%s", s.prefix, id) }
func (s *RedisStore) nameKey(name string) string {
	return fmt.Sprintf("%s:flow-name:%s", s.prefix, name)
}
func (s *RedisStore) listKey() string { return s.prefix + ":flows" }

// Create saves a new flow if its name is free.
func (s *RedisStore) Create(ctx context.Context, flow *types.Flow) (*types.Flow, bool, error) {
	if err := validate(flow); err != nil {
		return nil, false, err
	}

	data, err := json.Marshal(flow)
	if err != nil {
		return nil, false, fmt.Errorf("marshal flow: %w", err)
	}

	if err := s.client.Set(ctx, s.flowKey(flow.ID), data, 0).Err(); err != nil {
		return nil, false, fmt.Errorf("save flow: %w", err)
	}

	claimed, err := s.client.SetNX(ctx, s.nameKey(flow.Name), flow.ID, 0).Result()
	if err != nil {
		s.client.Del(ctx, s.flowKey(flow.ID))
		return nil, false, fmt.Errorf("claim flow name: %w", err)
	}
	if !claimed {
		s.client.Del(ctx, s.flowKey(flow.ID))
		existing, err := s.GetByName(ctx, flow.Name)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	score := float64(flow.CreatedAt.UnixNano())
	if err := s.client.ZAdd(ctx, s.listKey(), redis.Z{Score: score, Member: flow.ID}).Err(); err != nil {
		return nil, false, fmt.Errorf("index flow: %w", err)
	}
	return flow, true, nil
}

// Get retrieves a flow by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.Flow, error) {
	data, err := s.client.Get(ctx, s.flowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}

	var flow types.Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &flow, nil
}

// GetByName retrieves a flow by name.
func (s *RedisStore) GetByName(ctx context.Context, name string) (*types.Flow, error) {
	id, err := s.client.Get(ctx, s.nameKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow name: %w", err)
	}
	return s.Get(ctx, id)
}

// List returns flows ordered by creation time.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*types.Flow, error) {
	ids, err := s.client.ZRange(ctx, s.listKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list flow ids: %w", err)
	}

	flows := make([]*types.Flow, 0, len(ids))
	for _, id := range ids {
		flow, err := s.Get(ctx, id)
		if errors.Is(err, ErrFlowNotFound) {
			// Stale reference, clean up
			s.client.ZRem(ctx, s.listKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	sort.SliceStable(flows, func(i, j int) bool { return flows[i].CreatedAt.Before(flows[j].CreatedAt) })
	return paginate(flows, opts), nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

var _ FlowStore = (*RedisStore)(nil)
