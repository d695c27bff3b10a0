// Package sweeper fails runs that stopped reporting activity.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// Tracker is the subset of the store API the sweeper needs.
type Tracker interface {
	ListRuns(ctx context.Context, filter *runstore.RunFilter) ([]*types.Run, error)
	Abandon(ctx context.Context, run *types.Run, idleBefore time.Time) (*types.Run, error)
	SyncActiveRuns(ctx context.Context) (int, error)
}

// Config controls the sweep.
type Config struct {
	// AbandonAfter is the inactivity horizon. Zero disables sweeping.
	AbandonAfter time.Duration

	// Interval between sweeps. Defaults to one minute.
	Interval time.Duration

	// BatchSize caps runs abandoned per sweep. Defaults to 500.
	BatchSize int
}

// Sweeper periodically abandons idle runs.
type Sweeper struct {
	tracker Tracker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a sweeper.
func New(tracker Tracker, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Sweeper{tracker: tracker, cfg: cfg, logger: logger, now: time.Now}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.AbandonAfter <= 0 {
		s.logger.Info("run sweeper disabled")
		return nil
	}
	s.logger.Info("run sweeper started",
		slog.Duration("abandon_after", s.cfg.AbandonAfter),
		slog.Duration("interval", s.cfg.Interval),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
			if _, err := s.tracker.SyncActiveRuns(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sync active runs failed", "error", err)
			}
		}
	}
}

// Sweep abandons every non-terminal run idle for longer than AbandonAfter
// and returns how many it closed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.AbandonAfter)
	runs, err := s.tracker.ListRuns(ctx, &runstore.RunFilter{
		Statuses:       []types.RunStatus{types.RunStatusCreated, types.RunStatusRunning},
		InactiveBefore: cutoff,
		Limit:          s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	abandoned := 0
	for _, run := range runs {
		if ctx.Err() != nil {
			return abandoned, ctx.Err()
		}
		if _, err := s.tracker.Abandon(ctx, run, cutoff); err != nil {
			if errors.Is(err, types.ErrInvalidState) {
				// Finalized or active again since it was listed.
				s.logger.Debug("run no longer idle", slog.String("run_id", run.ID), "error", err)
				continue
			}
			s.logger.Warn("abandon run failed", slog.String("run_id", run.ID), "error", err)
			continue
		}
		abandoned++
		metrics.RunsAbandoned.Inc()
		s.logger.Info("run abandoned",
			slog.String("run_id", run.ID),
			slog.Time("last_activity_at", run.LastActivityAt),
		)
	}
	return abandoned, nil
}
