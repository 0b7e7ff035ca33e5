package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the reconciliation loop.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Scheduler executes reconciliation passes on a fixed cadence, backing off
// while passes fail and resuming the normal interval once one succeeds.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < interval {
		maxBackoff = 10 * interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
}

// Start runs the loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	delay := s.interval
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		result, err := s.reconciler.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay *= 2
			if delay > s.maxBackoff {
				delay = s.maxBackoff
			}
			s.logger.Warn("reconciliation pass failed", "error", err, "retryIn", delay.String())
		} else {
			delay = s.interval
			if result.Created > 0 || result.Synced > 0 || result.Skipped > 0 {
				s.logger.Info("reconciliation pass applied corrections",
					"created", result.Created,
					"synced", result.Synced,
					"skipped", result.Skipped,
					"cursor", result.Cursor)
			}
		}
		timer.Reset(delay)
	}
}
