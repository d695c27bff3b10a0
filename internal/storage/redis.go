package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db). Password and
	// DB set here win over the URL.
	URL      string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns the pool and timeout settings flowtrack runs with.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient connects to Redis and pings it. The client is shared by
// every Redis-backed store and closed by the caller.
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{Addr: "localhost:6379"}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// AOFEnabled reports whether the server persists writes to its append-only
// file. Without it an acknowledged record can be lost on a Redis restart.
func AOFEnabled(ctx context.Context, client *redis.Client) (bool, error) {
	info, err := client.Info(ctx, "persistence").Result()
	if err != nil {
		return false, fmt.Errorf("redis info: %w", err)
	}
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "aof_enabled:"); ok {
			return v == "1", nil
		}
	}
	return false, nil
}

// RedisInfo returns health and pool diagnostics for a client.
func RedisInfo(ctx context.Context, client *redis.Client) map[string]any {
	pingStart := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		return map[string]any{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}
	}
	pingLatency := time.Since(pingStart)

	details := map[string]any{
		"ping_latency": pingLatency.String(),
		"pool":         client.PoolStats(),
	}
	if aof, err := AOFEnabled(ctx, client); err == nil {
		details["aof_enabled"] = aof
	}
	return map[string]any{
		"adapter": "redis",
		"healthy": true,
		"details": details,
	}
}
