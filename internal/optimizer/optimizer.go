package optimizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/mailmate/internal/keylock"
	"github.com/xaenox/mailmate/internal/models"
	"github.com/xaenox/mailmate/internal/monitor"
	"github.com/xaenox/mailmate/internal/notify"
	"github.com/xaenox/mailmate/internal/storage"
	"go.uber.org/zap"
)

// Trigger says who started an optimization run.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerScheduled
)

const (
	ReasonBelowThreshold = "performance below threshold"
	ReasonScheduled      = "scheduled optimization"
)

func (t Trigger) Reason() string {
	if t == TriggerScheduled {
		return ReasonScheduled
	}
	return ReasonBelowThreshold
}

func (t Trigger) String() string {
	if t == TriggerScheduled {
		return "scheduled"
	}
	return "manual"
}

type Change struct {
	models.StrategyChange
	Score float64 `json:"score"`
}

type Failure struct {
	UserEmail string      `json:"user_email"`
	Task      models.Task `json:"task"`
	Error     string      `json:"error"`
}

type Report struct {
	Trigger             string          `json:"trigger"`
	UsersBelowThreshold []string        `json:"users_below_threshold"`
	Changes             []Change        `json:"changes"`
	Failures            []Failure       `json:"failures,omitempty"`
	Metrics             *monitor.Report `json:"metrics"`
	Timestamp           time.Time       `json:"timestamp"`
}

// Optimizer promotes under-performing (user, task) pairs to the alternate
// strategy.
type Optimizer struct {
	monitor  *monitor.Monitor
	store    storage.StrategyStore
	locks    *keylock.Map
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func New(m *monitor.Monitor, store storage.StrategyStore, locks *keylock.Map, notifier notify.Notifier, logger *zap.Logger) *Optimizer {
	if locks == nil {
		locks = keylock.New()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Optimizer{
		monitor:  m,
		store:    store,
		locks:    locks,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Optimize evaluates performance and applies transitions. Each pair commits
// on its own; a failed pair is reported and the rest still run. The error
// return covers only failing to evaluate performance at all.
func (o *Optimizer) Optimize(ctx context.Context, userEmail string, trigger Trigger) (*Report, error) {
	metrics, err := o.monitor.Check(ctx, userEmail)
	if err != nil {
		o.notifier.Notify(ctx, notify.Event{
			Type:    notify.EventOptimizerFailure,
			Message: fmt.Sprintf("performance check failed: %v", err),
		})
		return nil, fmt.Errorf("check performance: %w", err)
	}

	report := &Report{
		Trigger:             trigger.String(),
		UsersBelowThreshold: metrics.UsersBelowThreshold,
		Changes:             []Change{},
		Metrics:             metrics,
		Timestamp:           o.now().UTC(),
	}

	minFeedback := o.monitor.Config().MinFeedback
	for _, pair := range metrics.BelowThreshold() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if pair.Metric.Total < minFeedback || pair.Metric.Score == nil {
			continue
		}

		change, err := o.promote(ctx, pair.UserEmail, pair.Task, trigger.Reason())
		if err != nil {
			o.logger.Error("Failed to update strategy",
				zap.String("user_email", pair.UserEmail),
				zap.String("task", string(pair.Task)),
				zap.Error(err))
			report.Failures = append(report.Failures, Failure{UserEmail: pair.UserEmail, Task: pair.Task, Error: err.Error()})
			continue
		}
		if change == nil {
			continue
		}

		o.logger.Info("Strategy changed",
			zap.String("user_email", pair.UserEmail),
			zap.String("task", string(pair.Task)),
			zap.String("old_strategy", string(change.OldStrategy)),
			zap.String("new_strategy", string(change.NewStrategy)),
			zap.String("reason", change.Reason),
			zap.Float64("score", *pair.Metric.Score))
		report.Changes = append(report.Changes, Change{StrategyChange: *change, Score: *pair.Metric.Score})
	}

	if len(report.UsersBelowThreshold) > 0 {
		o.notifier.Notify(ctx, notify.Event{
			Type: notify.EventThresholdBreach,
			Message: fmt.Sprintf("%d user(s) below threshold %.2f: %s; %d strategy change(s) applied",
				len(report.UsersBelowThreshold), metrics.Threshold,
				strings.Join(report.UsersBelowThreshold, ", "), len(report.Changes)),
		})
	}
	if len(report.Failures) > 0 {
		o.notifier.Notify(ctx, notify.Event{
			Type:    notify.EventOptimizerFailure,
			Message: fmt.Sprintf("%d strategy update(s) failed", len(report.Failures)),
		})
	}

	return report, nil
}

func (o *Optimizer) promote(ctx context.Context, userEmail string, task models.Task, reason string) (*models.StrategyChange, error) {
	unlock := o.locks.Lock(userEmail + "|" + string(task))
	defer unlock()

	return o.store.PromoteToAlternate(ctx, userEmail, task, reason, o.now().UTC())
}
