// Package config provides configuration loading for the flowtrack service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the flowtrack service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Storage backends
	StoreBackend string // flows and runs: "memory", "sqlite" or "redis"
	RecordLog    string // records: "wal", "memory", "sqlite" or "redis"
	DataDir      string
	SQLitePath   string

	// WAL record log
	WALSyncMode           string
	WALCheckpointInterval time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RunStoreTTL   time.Duration

	// Append retries
	AppendMaxRetries int
	AppendRetryBase  time.Duration

	// Aggregation
	AggDefault    string
	AggStrategies string
	AggDerived    string

	// Abandoned run sweeper
	AbandonAfter  time.Duration
	SweepInterval time.Duration

	// FlowDefinitions is a YAML file of flows registered at startup.
	FlowDefinitions string

	// Archive of finalized runs
	ArchiveS3Bucket    string
	ArchiveS3Endpoint  string
	ArchiveS3Region    string
	ArchiveS3AccessKey string
	ArchiveS3SecretKey string
	ArchiveS3Prefix    string
	ArchiveS3UseSSL    bool

	// OIDC configuration
	OIDCEnabled   bool
	OIDCIssuer    string
	OIDCClientID  string
	OIDCWriteRole string

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads a .env file if present, then configuration from environment
// variables with sensible defaults. Variables already set in the
// environment win over the file.
func Load() *Config {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Storage
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
		RecordLog:    strings.ToLower(getEnv("RECORD_LOG", "wal")),
		DataDir:      dataDir,
		SQLitePath:   getEnv("SQLITE_PATH", filepath.Join(dataDir, "flowtrack.db")),

		// WAL
		WALSyncMode:           strings.ToLower(getEnv("WAL_SYNC_MODE", "full")),
		WALCheckpointInterval: getDuration("WAL_CHECKPOINT_INTERVAL", 5*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "flowtrack"),
		RunStoreTTL:   getDuration("RUNSTORE_TTL", 0), // 0 = keep forever

		// Append retries
		AppendMaxRetries: getInt("APPEND_MAX_RETRIES", 3),
		AppendRetryBase:  getDuration("APPEND_RETRY_BASE", 10*time.Millisecond),

		// Aggregation
		AggDefault:    getEnv("AGG_DEFAULT", "last"),
		AggStrategies: getEnv("AGG_STRATEGIES", ""),
		AggDerived:    getEnv("AGG_DERIVED", ""),

		// Sweeper
		AbandonAfter:  getDuration("ABANDON_AFTER", time.Hour),
		SweepInterval: getDuration("SWEEP_INTERVAL", time.Minute),

		FlowDefinitions: getEnv("FLOW_DEFINITIONS", ""),

		// Archive
		ArchiveS3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3Region:    getEnv("ARCHIVE_S3_REGION", ""),
		ArchiveS3AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveS3SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
		ArchiveS3Prefix:    getEnv("ARCHIVE_S3_PREFIX", ""),
		ArchiveS3UseSSL:    getBool("ARCHIVE_S3_USE_SSL", false),

		// OIDC
		OIDCEnabled:   getBool("OIDC_ENABLED", false),
		OIDCIssuer:    getEnv("OIDC_ISSUER", ""),
		OIDCClientID:  getEnv("OIDC_CLIENT_ID", ""),
		OIDCWriteRole: getEnv("OIDC_WRITE_ROLE", ""),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		TracingEnabled:    getBool("TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getFloat("TRACING_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate rejects unknown backends and nonsensical values.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend))
	}
	switch c.RecordLog {
	case "wal", "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("RECORD_LOG: unknown backend %q", c.RecordLog))
	}
	switch c.WALSyncMode {
	case "full", "none":
	default:
		errs = append(errs, fmt.Errorf("WAL_SYNC_MODE: must be full or none, got %q", c.WALSyncMode))
	}

	if c.WALCheckpointInterval <= 0 {
		errs = append(errs, errors.New("WAL_CHECKPOINT_INTERVAL must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.AbandonAfter < 0 {
		errs = append(errs, errors.New("ABANDON_AFTER must not be negative"))
	}
	if c.AppendMaxRetries < 0 {
		errs = append(errs, errors.New("APPEND_MAX_RETRIES must not be negative"))
	}
	if c.AppendRetryBase <= 0 {
		errs = append(errs, errors.New("APPEND_RETRY_BASE must be positive"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, errors.New("TRACING_SAMPLE_RATE must be between 0 and 1"))
	}
	if c.OIDCEnabled && (c.OIDCIssuer == "" || c.OIDCClientID == "") {
		errs = append(errs, errors.New("OIDC_ENABLED requires OIDC_ISSUER and OIDC_CLIENT_ID"))
	}
	return errors.Join(errs...)
}

// UsesSQLite reports whether any component is backed by SQLite.
func (c *Config) UsesSQLite() bool {
	return c.StoreBackend == "sqlite" || c.RecordLog == "sqlite"
}

// UsesRedis reports whether any component is backed by Redis.
func (c *Config) UsesRedis() bool {
	return c.StoreBackend == "redis" || c.RecordLog == "redis"
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
