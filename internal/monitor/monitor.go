package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xaenox/mailmate/internal/models"
	"github.com/xaenox/mailmate/internal/storage"
	"go.uber.org/zap"
)

type Config struct {
	Threshold   float64
	MinFeedback int
	Lookback    time.Duration
	// Trend compares the latest TrendWindow against the one before it.
	TrendWindow      time.Duration
	TrendMinFeedback int
	TrendDelta       float64
}

func DefaultConfig() Config {
	return Config{
		Threshold:        0.7,
		MinFeedback:      5,
		Lookback:         30 * 24 * time.Hour,
		TrendWindow:      7 * 24 * time.Hour,
		TrendMinFeedback: 3,
		TrendDelta:       0.05,
	}
}

// Report is one evaluation of feedback, per user and across all users.
type Report struct {
	UserMetrics         map[string]map[models.Task]models.PerformanceMetric `json:"user_metrics"`
	GlobalMetrics       map[models.Task]models.PerformanceMetric            `json:"global_metrics"`
	UsersBelowThreshold []string                                            `json:"users_below_threshold"`
	Threshold           float64                                             `json:"threshold"`
	Timestamp           time.Time                                           `json:"timestamp"`
}

// BelowThreshold lists (user, task) pairs eligible for a strategy change,
// sorted by user then task order.
func (r *Report) BelowThreshold() []Pair {
	var out []Pair
	for user, byTask := range r.UserMetrics {
		for _, task := range models.Tasks {
			if m, ok := byTask[task]; ok && m.BelowThreshold {
				out = append(out, Pair{UserEmail: user, Task: task, Metric: m})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UserEmail < out[j].UserEmail })
	return out
}

type Pair struct {
	UserEmail string
	Task      models.Task
	Metric    models.PerformanceMetric
}

type Monitor struct {
	store  storage.FeedbackStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store storage.FeedbackStore, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{store: store, cfg: cfg, logger: logger, now: time.Now}
}

func (m *Monitor) Config() Config { return m.cfg }

// Check computes metrics from the store. userEmail restricts the per-user
// section; global metrics always cover every user.
func (m *Monitor) Check(ctx context.Context, userEmail string) (*Report, error) {
	now := m.now().UTC()

	span := m.cfg.Lookback
	if w := 2 * m.cfg.TrendWindow; w > span {
		span = w
	}

	samples, err := m.store.FeedbackSince(ctx, now.Add(-span), "")
	if err != nil {
		return nil, fmt.Errorf("load feedback: %w", err)
	}

	perUser := make(map[string]map[models.Task]*counts)
	global := newTaskCounts()
	if userEmail != "" {
		perUser[userEmail] = newTaskCounts()
	}

	for _, s := range samples {
		c := global[s.Task]
		if c == nil {
			continue
		}
		m.add(c, s, now)

		if userEmail != "" && s.UserEmail != userEmail {
			continue
		}
		byTask, ok := perUser[s.UserEmail]
		if !ok {
			byTask = newTaskCounts()
			perUser[s.UserEmail] = byTask
		}
		m.add(byTask[s.Task], s, now)
	}

	report := &Report{
		UserMetrics:   make(map[string]map[models.Task]models.PerformanceMetric, len(perUser)),
		GlobalMetrics: m.metrics(global),
		Threshold:     m.cfg.Threshold,
		Timestamp:     now,
	}
	for user, byTask := range perUser {
		metrics := m.metrics(byTask)
		report.UserMetrics[user] = metrics
		for _, metric := range metrics {
			if metric.BelowThreshold {
				report.UsersBelowThreshold = append(report.UsersBelowThreshold, user)
				break
			}
		}
	}
	sort.Strings(report.UsersBelowThreshold)

	m.logger.Info("Performance check complete",
		zap.String("user_email", userEmail),
		zap.Int("samples", len(samples)),
		zap.Int("users", len(perUser)),
		zap.Strings("users_below_threshold", report.UsersBelowThreshold))

	return report, nil
}

type counts struct {
	total, positive, negative   int
	recentTotal, recentPositive int
	priorTotal, priorPositive   int
}

func newTaskCounts() map[models.Task]*counts {
	out := make(map[models.Task]*counts, len(models.Tasks))
	for _, t := range models.Tasks {
		out[t] = &counts{}
	}
	return out
}

func (m *Monitor) add(c *counts, s models.FeedbackSample, now time.Time) {
	positive := s.Rating == models.RatingPositive
	age := now.Sub(s.CreatedAt)

	if age <= m.cfg.Lookback {
		c.total++
		if positive {
			c.positive++
		} else {
			c.negative++
		}
	}

	switch {
	case age <= m.cfg.TrendWindow:
		c.recentTotal++
		if positive {
			c.recentPositive++
		}
	case age <= 2*m.cfg.TrendWindow:
		c.priorTotal++
		if positive {
			c.priorPositive++
		}
	}
}

func (m *Monitor) metrics(byTask map[models.Task]*counts) map[models.Task]models.PerformanceMetric {
	out := make(map[models.Task]models.PerformanceMetric, len(byTask))
	for task, c := range byTask {
		metric := models.PerformanceMetric{
			Task:           task,
			Total:          c.total,
			Positive:       c.positive,
			Negative:       c.negative,
			TrendDirection: models.TrendUnknown,
		}

		if c.total > 0 && c.total >= m.cfg.MinFeedback {
			score := float64(c.positive) / float64(c.total)
			metric.Score = &score
			metric.BelowThreshold = score < m.cfg.Threshold
		}

		minTrend := m.cfg.TrendMinFeedback
		if minTrend < 1 {
			minTrend = 1
		}
		if c.recentTotal >= minTrend && c.priorTotal >= minTrend {
			trend := float64(c.recentPositive)/float64(c.recentTotal) - float64(c.priorPositive)/float64(c.priorTotal)
			metric.Trend = &trend
			switch {
			case trend > m.cfg.TrendDelta:
				metric.TrendDirection = models.TrendImproving
			case trend < -m.cfg.TrendDelta:
				metric.TrendDirection = models.TrendDeclining
			default:
				metric.TrendDirection = models.TrendStable
			}
		}

		out[task] = metric
	}
	return out
}
