// Package main is the entry point for the flowtrack service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/aggregator"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/api"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/archive"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/auth"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/config"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/coordinator"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/registry"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/sweeper"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/tracing"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/tracker"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/validator"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("flowtrack exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting flowtrack",
		slog.String("port", cfg.Port),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("record_log", cfg.RecordLog),
	)

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "flowtrack",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close(logger)

	agg, err := newAggregator(cfg, logger)
	if err != nil {
		return err
	}

	reg := registry.New(b.flows, logger)
	if cfg.FlowDefinitions != "" {
		if err := reg.Seed(ctx, cfg.FlowDefinitions); err != nil {
			return err
		}
		logger.Info("flow definitions loaded", slog.String("path", cfg.FlowDefinitions))
	}

	coord := coordinator.New(reg, b.runs, b.records, agg, coordinator.Config{
		MaxRetries: cfg.AppendMaxRetries,
		RetryBase:  cfg.AppendRetryBase,
	}, logger)

	var archiver *archive.Archiver
	if cfg.ArchiveS3Bucket != "" {
		backend, err := archive.NewS3Backend(ctx, &archive.S3Config{
			Endpoint:        cfg.ArchiveS3Endpoint,
			Bucket:          cfg.ArchiveS3Bucket,
			Region:          cfg.ArchiveS3Region,
			AccessKeyID:     cfg.ArchiveS3AccessKey,
			SecretAccessKey: cfg.ArchiveS3SecretKey,
			UseSSL:          cfg.ArchiveS3UseSSL,
			PathPrefix:      cfg.ArchiveS3Prefix,
		})
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		archiver = archive.NewArchiver(backend, logger)
		logger.Info("run archive enabled", slog.String("bucket", cfg.ArchiveS3Bucket))
	}

	tr := tracker.New(tracker.Options{
		Registry:    reg,
		Runs:        b.runs,
		Log:         b.records,
		Coordinator: coord,
		Archiver:    archiver,
		Logger:      logger,
	})
	if n, err := tr.SyncActiveRuns(ctx); err != nil {
		logger.Warn("count active runs failed", "error", err)
	} else {
		logger.Info("active runs loaded", slog.Int("runs", n))
	}

	v, err := validator.New()
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	opts := api.ServerOptions{Tracing: tp.Enabled()}
	if cfg.RateLimitRPS > 0 {
		limiter := auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer limiter.Stop()
		opts.RateLimiter = limiter
	}
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			return fmt.Errorf("init oidc: %w", err)
		}
		opts.Auth = auth.NewMiddleware(provider, &auth.MiddlewareConfig{
			Enabled:   true,
			WriteRole: cfg.OIDCWriteRole,
		})
		logger.Info("oidc authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	handlers := api.NewHandlers(tr, v, cfg, logger)
	server := api.NewServer(handlers, opts)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	sw := sweeper.New(tr, sweeper.Config{
		AbandonAfter: cfg.AbandonAfter,
		Interval:     cfg.SweepInterval,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sw.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		if err := tr.Close(shutdownCtx); err != nil {
			logger.Error("archive uploads did not finish", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func newAggregator(cfg *config.Config, logger *slog.Logger) (*aggregator.Aggregator, error) {
	def, err := aggregator.ParseStrategy(cfg.AggDefault)
	if err != nil {
		return nil, fmt.Errorf("AGG_DEFAULT: %w", err)
	}
	strategies, err := aggregator.ParseStrategies(cfg.AggStrategies)
	if err != nil {
		return nil, fmt.Errorf("AGG_STRATEGIES: %w", err)
	}
	derived, err := aggregator.ParseDerived(cfg.AggDerived)
	if err != nil {
		return nil, fmt.Errorf("AGG_DERIVED: %w", err)
	}
	logger.Info("aggregation configured",
		slog.String("default", string(def)),
		slog.String("strategies", aggregator.FormatStrategies(strategies)),
		slog.Int("derived", len(derived)),
	)
	return aggregator.New(aggregator.Config{
		Default:    def,
		Strategies: strategies,
		Derived:    derived,
	}, logger)
}
