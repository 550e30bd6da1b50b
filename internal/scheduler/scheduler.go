// Package scheduler runs the strategy optimizer on a fixed interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/xaenox/mailmate/internal/optimizer"
	"go.uber.org/zap"
)

// Optimizer is the operation the scheduler triggers.
type Optimizer interface {
	Optimize(ctx context.Context, userEmail string, trigger optimizer.Trigger) (*optimizer.Report, error)
}

type Scheduler struct {
	opt      Optimizer
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	runCount int
}

func New(opt Optimizer, interval, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Scheduler{opt: opt, interval: interval, timeout: timeout, logger: logger}
}

// Start blocks, running a scheduled optimization every interval until ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one scheduled optimization.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.opt.Optimize(ctx, "", optimizer.TriggerScheduled)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.runCount++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled optimization failed", zap.Error(err))
		return
	}
	s.logger.Info("Scheduled optimization complete",
		zap.Int("users_below_threshold", len(report.UsersBelowThreshold)),
		zap.Int("changes", len(report.Changes)),
		zap.Int("failures", len(report.Failures)))
}

func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]any{
		"interval":  s.interval.String(),
		"run_count": s.runCount,
		"last_run":  s.lastRun,
	}
	if s.lastErr != nil {
		stats["last_error"] = s.lastErr.Error()
	}
	return stats
}
