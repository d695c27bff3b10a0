// Package testutil provides shared test fixtures.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// RedisClient returns a client for a shared Redis testcontainer, flushed
// before use. Tests are skipped under -short or when Docker is unavailable.
func RedisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}

	redisOnce.Do(func() {
		redisAddr, redisErr = startRedisContainer()
	})
	if redisErr != nil {
		t.Skipf("skipping redis test: %v", redisErr)
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx := context.Background()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func startRedisContainer() (addr string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Testcontainers panics when no Docker provider can be found.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("starting redis testcontainer panicked: %v", r)
		}
	}()

	container, err := testcontainers.Run(
		ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp").WithStartupTimeout(time.Minute),
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		return "", fmt.Errorf("start redis testcontainer: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = container.Terminate(context.Background())
		return "", fmt.Errorf("redis endpoint: %w", err)
	}
	return endpoint, nil
}
