package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MinIO credentials used by the test container.
const (
	MinIOAccessKey = "flowtrack"
	MinIOSecretKey = "flowtrack-secret"
)

var (
	minioOnce     sync.Once
	minioEndpoint string
	minioErr      error
)

// MinIOEndpoint returns host:port of a shared MinIO testcontainer. Tests
// are skipped under -short or when Docker is unavailable.
func MinIOEndpoint(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping minio test in short mode")
	}

	minioOnce.Do(func() {
		minioEndpoint, minioErr = startMinIOContainer()
	})
	if minioErr != nil {
		t.Skipf("skipping minio test: %v", minioErr)
	}
	return minioEndpoint
}

func startMinIOContainer() (endpoint string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("starting minio testcontainer panicked: %v", r)
		}
	}()

	container, err := testcontainers.Run(
		ctx, "minio/minio:latest",
		testcontainers.WithExposedPorts("9000/tcp"),
		testcontainers.WithCmd("server", "/data"),
		testcontainers.WithEnv(map[string]string{
			"MINIO_ROOT_USER":     MinIOAccessKey,
			"MINIO_ROOT_PASSWORD": MinIOSecretKey,
		}),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		return "", fmt.Errorf("start minio testcontainer: %w", err)
	}

	endpoint, err = container.PortEndpoint(ctx, "9000/tcp", "")
	if err != nil {
		_ = container.Terminate(context.Background())
		return "", fmt.Errorf("minio endpoint: %w", err)
	}
	return endpoint, nil
}
