package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/mailmate/internal/models"
	"github.com/xaenox/mailmate/internal/notify"
	"go.uber.org/zap"
)

// ErrGenerationFailure means no attempt produced a candidate set.
var ErrGenerationFailure = errors.New("generation failed")

// State is a step of one controller run, used for logging.
type State string

const (
	StateGenerating       State = "generating"
	StateRanking          State = "ranking"
	StateVerifying        State = "verifying"
	StateRegenerating     State = "regenerating"
	StateAccepted         State = "accepted"
	StateFallbackAccepted State = "fallback_accepted"
)

const DefaultMaxAttempts = 2

type ControllerConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
}

// Result is the output chosen for one task.
type Result struct {
	Text     string
	Outcome  models.Outcome
	Attempts int
}

// Controller runs generate, rank and verify rounds until a candidate
// passes or attempts run out.
type Controller struct {
	generator *Generator
	ranker    *Ranker
	verifier  *Verifier
	notifier  notify.Notifier
	cfg       ControllerConfig
	logger    *zap.Logger
}

func NewController(gen *Generator, ranker *Ranker, verifier *Verifier, notifier notify.Notifier, cfg ControllerConfig, logger *zap.Logger) *Controller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Controller{
		generator: gen,
		ranker:    ranker,
		verifier:  verifier,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run returns the best output for task. When no candidate verifies, the
// top-ranked candidate of the last successful round is returned with
// OutcomeFallbackAccepted.
func (c *Controller) Run(ctx context.Context, task models.Task, prompt, emailThread string) (Result, error) {
	log := c.logger.With(zap.String("task", string(task)))

	var (
		last    []Candidate
		lastTop int
		lastErr error
	)
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if attempt > 1 {
			log.Info("Regenerating", zap.String("state", string(StateRegenerating)), zap.Int("attempt", attempt))
		}

		candidates, order, err := c.round(ctx, task, prompt, emailThread)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			lastErr = err
			log.Warn("Generation attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			c.notifier.Notify(ctx, notify.Event{
				Type:    notify.EventCapabilityFailure,
				Message: fmt.Sprintf("task %s attempt %d: %v", task, attempt, err),
			})
			continue
		}

		log.Debug("Verifying candidates", zap.String("state", string(StateVerifying)), zap.Ints("order", order))
		for _, i := range order {
			cand := candidates[i]
			if cand.Malformed || !c.verifier.Verify(task, cand.Text) {
				continue
			}
			log.Info("Candidate accepted",
				zap.String("state", string(StateAccepted)),
				zap.Int("attempt", attempt),
				zap.Int("index", i))
			return Result{Text: cand.Text, Outcome: models.OutcomeAccepted, Attempts: attempt}, nil
		}

		last, lastTop = candidates, order[0]
	}

	if last == nil {
		return Result{}, fmt.Errorf("%w for task %s after %d attempts: %w", ErrGenerationFailure, task, c.cfg.MaxAttempts, lastErr)
	}

	log.Warn("No candidate passed verification, using top-ranked",
		zap.String("state", string(StateFallbackAccepted)),
		zap.Int("attempts", c.cfg.MaxAttempts))
	return Result{
		Text:     last[lastTop].Text,
		Outcome:  models.OutcomeFallbackAccepted,
		Attempts: c.cfg.MaxAttempts,
	}, nil
}

func (c *Controller) round(ctx context.Context, task models.Task, prompt, emailThread string) ([]Candidate, []int, error) {
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}

	candidates, err := c.generator.Generate(ctx, task, prompt)
	if err != nil {
		return nil, nil, err
	}

	c.logger.Debug("Ranking candidates", zap.String("task", string(task)), zap.String("state", string(StateRanking)))
	order := c.ranker.Rank(ctx, task, candidates, emailThread)
	return candidates, order, nil
}
