package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/config"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/recordlog"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/storage"
)

// backends holds the opened stores. SQLite and Redis connections are
// shared by every store that uses them.
type backends struct {
	db    *sql.DB
	redis *redis.Client

	flows   flowstore.FlowStore
	runs    runstore.RunStore
	records recordlog.Log
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close(logger)
		}
	}()

	if cfg.UsesSQLite() {
		b.db, err = storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("sqlite opened", slog.String("path", cfg.SQLitePath))
	}
	if cfg.UsesRedis() {
		rc := storage.DefaultRedisConfig()
		rc.URL = cfg.RedisURL
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		b.redis, err = storage.NewRedisClient(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("redis connected", slog.String("url", cfg.RedisURL))
	}

	switch cfg.StoreBackend {
	case "sqlite":
		flows, err := flowstore.NewSQLiteStore(ctx, b.db)
		if err != nil {
			return nil, err
		}
		runs, err := runstore.NewSQLiteStore(ctx, b.db)
		if err != nil {
			return nil, err
		}
		b.flows, b.runs = flows, runs
	case "redis":
		b.flows = flowstore.NewRedisStoreWithClient(b.redis, cfg.RedisPrefix)
		b.runs = runstore.NewRedisStoreWithClient(b.redis, cfg.RedisPrefix, cfg.RunStoreTTL)
	default:
		b.flows = flowstore.NewMemoryStore()
		b.runs = runstore.NewMemoryStore()
	}

	switch cfg.RecordLog {
	case "wal":
		wal, err := recordlog.OpenWAL(recordlog.WALConfig{
			Dir:                filepath.Join(cfg.DataDir, "records"),
			SyncMode:           cfg.WALSyncMode,
			CheckpointInterval: cfg.WALCheckpointInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open record log: %w", err)
		}
		b.records = wal
	case "sqlite":
		records, err := recordlog.NewSQLiteLog(ctx, b.db)
		if err != nil {
			return nil, err
		}
		b.records = records
	case "redis":
		b.records = recordlog.NewRedisLog(b.redis, cfg.RedisPrefix)
		if aof, err := storage.AOFEnabled(ctx, b.redis); err == nil && !aof {
			logger.Warn("redis appendonly is off; acknowledged records may be lost if redis restarts")
		}
	default:
		b.records = recordlog.NewMemoryLog()
	}
	return b, nil
}

// Close releases every backend, the record log first so its final
// checkpoint lands before the process exits.
func (b *backends) Close(logger *slog.Logger) {
	if b.records != nil {
		if err := b.records.Close(); err != nil {
			logger.Error("record log close error", "error", err)
		}
	}
	if b.runs != nil {
		b.runs.Close()
	}
	if b.flows != nil {
		b.flows.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}
