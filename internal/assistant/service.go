package assistant

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/xaenox/mailmate/internal/keylock"
	"github.com/xaenox/mailmate/internal/models"
	"github.com/xaenox/mailmate/internal/monitor"
	"github.com/xaenox/mailmate/internal/notify"
	"github.com/xaenox/mailmate/internal/optimizer"
	"github.com/xaenox/mailmate/internal/pipeline"
	"github.com/xaenox/mailmate/internal/prompts"
	"github.com/xaenox/mailmate/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// RecentWindow is how many rated outputs are inspected per task.
	RecentWindow int
	// NegativeQuorum negative ratings within the window switch the request
	// to the alternate strategy.
	NegativeQuorum int
}

func DefaultConfig() Config {
	return Config{RecentWindow: 3, NegativeQuorum: 2}
}

type Service struct {
	store      storage.Storage
	prompts    *prompts.Set
	controller *pipeline.Controller
	monitor    *monitor.Monitor
	optimizer  *optimizer.Optimizer
	locks      *keylock.Map
	notifier   notify.Notifier
	cfg        Config
	logger     *zap.Logger
}

func New(
	store storage.Storage,
	set *prompts.Set,
	controller *pipeline.Controller,
	mon *monitor.Monitor,
	opt *optimizer.Optimizer,
	notifier notify.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	def := DefaultConfig()
	if cfg.RecentWindow < 1 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.NegativeQuorum < 1 {
		cfg.NegativeQuorum = def.NegativeQuorum
	}
	if cfg.NegativeQuorum > cfg.RecentWindow {
		cfg.NegativeQuorum = cfg.RecentWindow
	}
	return &Service{
		store:      store,
		prompts:    set,
		controller: controller,
		monitor:    mon,
		optimizer:  opt,
		locks:      keylock.New(),
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
	}
}

type taskOutput struct {
	task     models.Task
	text     string
	strategy models.Strategy
	source   StrategySource
	outcome  models.Outcome
}

// ProcessThread returns an output for every requested task, reusing stored
// outputs where possible and generating the rest concurrently.
func (s *Service) ProcessThread(ctx context.Context, req ThreadRequest) (*ThreadResponse, error) {
	tasks, err := req.validate()
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	log := s.logger.With(
		zap.String("request_id", requestID),
		zap.String("user_email", req.UserEmail),
		zap.String("thread_id", req.ThreadID),
		zap.Int("messages_count", req.MessagesCount))

	unlock := s.locks.Lock(req.UserEmail + "|" + req.ThreadID + "|" + strconv.Itoa(req.MessagesCount))
	defer unlock()

	latest, err := s.store.LatestRecord(ctx, req.UserEmail, req.ThreadID, req.MessagesCount)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, s.persistenceFailure(ctx, requestID, "load latest record", err)
	}

	resp := &ThreadResponse{
		ThreadID:       req.ThreadID,
		UserEmail:      req.UserEmail,
		RequestID:      requestID,
		Result:         make(map[models.Task]string, len(tasks)),
		PromptStrategy: make(map[models.Task]models.Strategy, len(tasks)),
		StrategySource: make(map[models.Task]StrategySource, len(tasks)),
		Outcome:        make(map[models.Task]models.Outcome, len(tasks)),
	}
	results := make(map[models.Task]models.TaskResult, len(tasks))

	var pending []models.Task
	for _, task := range tasks {
		if !latest.Reusable(task) {
			pending = append(pending, task)
			continue
		}
		prev := latest.Results[task]
		results[task] = models.TaskResult{Output: prev.Output, Strategy: prev.Strategy, Outcome: models.OutcomeReused}
		resp.add(taskOutput{
			task:     task,
			text:     *prev.Output,
			strategy: prev.Strategy,
			source:   SourceReused,
			outcome:  models.OutcomeReused,
		})
	}

	if len(pending) == 0 {
		resp.DocID = latest.ID
		log.Info("Reused stored outputs", zap.Int64("doc_id", latest.ID))
		return resp, nil
	}

	policy, err := s.store.GetPolicy(ctx, req.UserEmail)
	if err != nil {
		return nil, s.persistenceFailure(ctx, requestID, "load strategy policy", err)
	}

	outputs := make([]taskOutput, len(pending))
	eg, gctx := errgroup.WithContext(ctx)
	for i, task := range pending {
		eg.Go(func() error {
			out, err := s.runTask(gctx, log, req, task, policy)
			if err != nil {
				return fmt.Errorf("task %s: %w", task, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		var pe *PersistenceError
		switch {
		case errors.As(err, &pe):
			s.notifier.Notify(ctx, notify.Event{Type: notify.EventPersistenceFailure, RequestID: requestID, Message: err.Error()})
		case errors.Is(err, pipeline.ErrGenerationFailure):
			s.notifier.Notify(ctx, notify.Event{Type: notify.EventGenerationFailure, RequestID: requestID, Message: err.Error()})
		}
		log.Error("Failed to process thread", zap.Error(err))
		return nil, err
	}

	for _, out := range outputs {
		text := out.text
		results[out.task] = models.TaskResult{Output: &text, Strategy: out.strategy, Outcome: out.outcome}
		resp.add(out)
	}

	id, err := s.store.SaveRecord(ctx, &models.FeedbackRecord{
		UserEmail:     req.UserEmail,
		MessageID:     req.MessageID,
		ThreadID:      req.ThreadID,
		Date:          req.Date,
		FromEmail:     req.From,
		ToEmail:       req.To,
		Subject:       req.Subject,
		Body:          req.Body,
		MessagesCount: req.MessagesCount,
		Results:       results,
	})
	if err != nil {
		return nil, s.persistenceFailure(ctx, requestID, "save record", err)
	}
	resp.DocID = id

	log.Info("Processed thread",
		zap.Int64("doc_id", id),
		zap.Int("generated", len(pending)),
		zap.Int("reused", len(tasks)-len(pending)))
	return resp, nil
}

func (s *Service) runTask(ctx context.Context, log *zap.Logger, req ThreadRequest, task models.Task, policy models.StrategyPolicy) (taskOutput, error) {
	strategy, source, examples, err := s.selectStrategy(ctx, req.UserEmail, task, policy)
	if err != nil {
		return taskOutput{}, err
	}

	prompt, err := s.prompts.Render(task, strategy, prompts.Input{
		EmailThread: req.Body,
		UserEmail:   req.UserEmail,
		Examples:    examples,
	})
	if err != nil {
		return taskOutput{}, err
	}

	res, err := s.controller.Run(ctx, task, prompt, req.Body)
	if err != nil {
		return taskOutput{}, err
	}

	log.Info("Task generated",
		zap.String("task", string(task)),
		zap.String("strategy", string(strategy)),
		zap.String("strategy_source", string(source)),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts))

	return taskOutput{
		task:     task,
		text:     res.Text,
		strategy: strategy,
		source:   source,
		outcome:  res.Outcome,
	}, nil
}

// selectStrategy layers a short-term override on the persisted policy:
// enough recent negative ratings switch this request to the alternate
// strategy with those outputs as contrastive examples.
func (s *Service) selectStrategy(ctx context.Context, userEmail string, task models.Task, policy models.StrategyPolicy) (models.Strategy, StrategySource, []prompts.Example, error) {
	recent, err := s.store.RecentRated(ctx, userEmail, task, s.cfg.RecentWindow)
	if err != nil {
		return "", "", nil, &PersistenceError{Op: "load recent feedback", Err: err}
	}

	var examples []prompts.Example
	for _, r := range recent {
		if r.Feedback == models.RatingNegative {
			examples = append(examples, prompts.Example{Body: r.Body, Output: r.Output})
		}
	}
	if len(examples) >= s.cfg.NegativeQuorum {
		return models.StrategyAlternate, SourceRecentFeedback, examples, nil
	}
	return policy.For(task), SourcePolicy, nil, nil
}

// SubmitFeedback stores a rating for one task of a processed request.
func (s *Service) SubmitFeedback(ctx context.Context, req FeedbackRequest) error {
	task, rating, err := req.validate()
	if err != nil {
		return err
	}

	if err := s.store.SetFeedback(ctx, req.DocID, task, rating); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return err
		case errors.Is(err, storage.ErrNoOutput):
			return &ValidationError{Field: "task", Message: fmt.Sprintf("request %d has no %s output to rate", req.DocID, task)}
		}
		return s.persistenceFailure(ctx, "", "store feedback", err)
	}

	s.logger.Info("Feedback stored",
		zap.Int64("doc_id", req.DocID),
		zap.String("task", string(task)),
		zap.String("rating", string(rating)))
	return nil
}

type PerformanceReport struct {
	*monitor.Report
	UserStrategies map[string]map[models.Task]models.Strategy `json:"user_strategies"`
}

func (s *Service) Performance(ctx context.Context, userEmail string) (*PerformanceReport, error) {
	report, err := s.monitor.Check(ctx, userEmail)
	if err != nil {
		return nil, &PersistenceError{Op: "check performance", Err: err}
	}

	var policies []models.StrategyPolicy
	if userEmail != "" {
		p, err := s.store.GetPolicy(ctx, userEmail)
		if err != nil {
			return nil, &PersistenceError{Op: "load strategy policy", Err: err}
		}
		policies = append(policies, p)
	} else if policies, err = s.store.ListPolicies(ctx); err != nil {
		return nil, &PersistenceError{Op: "list strategy policies", Err: err}
	}

	out := &PerformanceReport{
		Report:         report,
		UserStrategies: make(map[string]map[models.Task]models.Strategy, len(policies)),
	}
	for _, p := range policies {
		out.UserStrategies[p.UserEmail] = p.Strategies
	}
	return out, nil
}

func (s *Service) Optimize(ctx context.Context, userEmail string, trigger optimizer.Trigger) (*optimizer.Report, error) {
	report, err := s.optimizer.Optimize(ctx, userEmail, trigger)
	if err != nil {
		return nil, &PersistenceError{Op: "optimize", Err: err}
	}
	return report, nil
}

func (s *Service) History(ctx context.Context, userEmail string) ([]models.StrategyChange, error) {
	changes, err := s.store.ListStrategyChanges(ctx, userEmail)
	if err != nil {
		return nil, &PersistenceError{Op: "list strategy changes", Err: err}
	}
	if changes == nil {
		changes = []models.StrategyChange{}
	}
	return changes, nil
}

func (s *Service) UserStrategies(ctx context.Context, userEmail string) (models.StrategyPolicy, error) {
	if userEmail == "" {
		return models.StrategyPolicy{}, &ValidationError{Field: "userEmail", Message: "is required"}
	}
	p, err := s.store.GetPolicy(ctx, userEmail)
	if err != nil {
		return models.StrategyPolicy{}, &PersistenceError{Op: "load strategy policy", Err: err}
	}
	return p, nil
}

func (s *Service) persistenceFailure(ctx context.Context, requestID, op string, err error) error {
	pe := &PersistenceError{Op: op, Err: err}
	s.logger.Error("Persistence failure", zap.String("request_id", requestID), zap.String("op", op), zap.Error(err))
	s.notifier.Notify(ctx, notify.Event{Type: notify.EventPersistenceFailure, RequestID: requestID, Message: pe.Error()})
	return pe
}

func (r *ThreadResponse) add(out taskOutput) {
	r.Result[out.task] = out.text
	r.PromptStrategy[out.task] = out.strategy
	r.StrategySource[out.task] = out.source
	r.Outcome[out.task] = out.outcome
}
