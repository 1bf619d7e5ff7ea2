// Package scheduler triggers ingestion cycles on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/enrich"
	"github.com/JakeFAU/procurement-crawler/internal/orchestrator"
)

// TriggerSchedule labels cycles started by the scheduler.
const TriggerSchedule = "schedule"

// Runner runs one cycle.
type Runner interface {
	RunCycle(ctx context.Context, trigger string) (orchestrator.CycleReport, error)
}

// Backfiller re-enriches records missing the current enrichment version.
type Backfiller interface {
	Backfill(ctx context.Context, limit int) (enrich.BackfillReport, error)
}

// Config controls the schedule.
type Config struct {
	Interval      time.Duration
	RunOnStart    bool
	BackfillAfter bool
	BackfillLimit int
}

// Scheduler ticks a Runner.
type Scheduler struct {
	runner     Runner
	backfiller Backfiller
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Scheduler. backfiller may be nil.
func New(runner Runner, backfiller Backfiller, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, backfiller: backfiller, cfg: cfg, logger: logger.Named("scheduler")}
}

// Run blocks until ctx is done. A tick that lands while a cycle is still
// running is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return errors.New("schedule interval must be > 0")
	}
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval), zap.Bool("run_on_start", s.cfg.RunOnStart))
	if s.cfg.RunOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.runner.RunCycle(ctx, TriggerSchedule)
	switch {
	case errors.Is(err, orchestrator.ErrCycleInProgress):
		s.logger.Info("skipping scheduled cycle; previous cycle still running")
		return
	case err != nil:
		s.logger.Error("scheduled cycle failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled cycle finished",
		zap.String("cycle_id", report.ID),
		zap.String("status", string(report.Status)),
		zap.Int64("closed", report.Closed),
	)

	if !s.cfg.BackfillAfter || s.backfiller == nil || ctx.Err() != nil {
		return
	}
	bf, err := s.backfiller.Backfill(ctx, s.cfg.BackfillLimit)
	if err != nil {
		s.logger.Warn("post-cycle backfill failed", zap.Error(err))
		return
	}
	s.logger.Info("post-cycle backfill finished",
		zap.Int("scanned", bf.Scanned),
		zap.Int("enriched", bf.Enriched),
		zap.Int("failed", bf.Failed),
	)
}
