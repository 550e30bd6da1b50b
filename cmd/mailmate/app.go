package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/mailmate/internal/assistant"
	"github.com/xaenox/mailmate/internal/keylock"
	"github.com/xaenox/mailmate/internal/llm"
	"github.com/xaenox/mailmate/internal/monitor"
	"github.com/xaenox/mailmate/internal/notify"
	"github.com/xaenox/mailmate/internal/optimizer"
	"github.com/xaenox/mailmate/internal/pipeline"
	"github.com/xaenox/mailmate/internal/prompts"
	"github.com/xaenox/mailmate/internal/storage"
	"github.com/xaenox/mailmate/pkg/config"
	"go.uber.org/zap"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   storage.Storage
	svc     *assistant.Service
	tg      *tgbotapi.BotAPI
	alerts  *notify.TelegramNotifier
	closers []io.Closer
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}

	logger.Info("Using PostgreSQL storage")
	store, err := storage.NewPostgresStorage(ctx, storage.DatabaseConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func providerConfig(cfg config.LLMConfig) llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider: cfg.Provider,
		OpenAI: llm.OpenAIConfig{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: cfg.OpenAI.Temperature,
		},
		Gemini: llm.GeminiConfig{
			APIKey:          cfg.Gemini.APIKey,
			Model:           cfg.Gemini.Model,
			Temperature:     cfg.Gemini.Temperature,
			MaxOutputTokens: cfg.Gemini.MaxOutputTokens,
		},
		Limits: llm.LimitConfig{
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			MaxConcurrent:     cfg.MaxConcurrent,
		},
	}
}

// rankingConfig is the generation provider with the ranking model swapped in.
func rankingConfig(cfg config.LLMConfig) llm.ProviderConfig {
	pc := providerConfig(cfg)
	pc.OpenAI.Model = cfg.RankingModel
	pc.Gemini.Model = cfg.RankingModel
	pc.OpenAI.Temperature = 0
	pc.Gemini.Temperature = 0
	return pc
}

// newApp wires storage and services. With withLLM false the text
// generation providers are not created, which is enough for read-only and
// optimizer commands.
func newApp(ctx context.Context, withLLM, withTelegram bool) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	a.store, err = openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.closers = append(a.closers, a.store)

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if withTelegram && cfg.Telegram.Token != "" {
		a.tg, err = tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to telegram: %w", err)
		}
		if cfg.Telegram.ChatID != 0 {
			a.alerts = notify.NewTelegramNotifier(a.tg, cfg.Telegram.ChatID, 0, logger)
			notifier = a.alerts
		}
	}

	set, err := prompts.Load(cfg.Prompts.TemplatesFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}

	var controller *pipeline.Controller
	if withLLM {
		controller, err = a.newController(ctx, set, notifier)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	mon := monitor.New(a.store, monitor.Config{
		Threshold:        cfg.Monitor.Threshold,
		MinFeedback:      cfg.Monitor.MinFeedback,
		Lookback:         cfg.Monitor.Lookback,
		TrendWindow:      cfg.Monitor.TrendWindow,
		TrendMinFeedback: cfg.Monitor.TrendMinFeedback,
		TrendDelta:       cfg.Monitor.TrendDelta,
	}, logger)
	opt := optimizer.New(mon, a.store, keylock.New(), notifier, logger)

	a.svc = assistant.New(a.store, set, controller, mon, opt, notifier, assistant.Config{
		RecentWindow:   cfg.Generation.RecentWindow,
		NegativeQuorum: cfg.Generation.NegativeQuorum,
	}, logger)
	return a, nil
}

func (a *app) newController(ctx context.Context, set *prompts.Set, notifier notify.Notifier) (*pipeline.Controller, error) {
	verifier, err := pipeline.LoadRules(a.cfg.Prompts.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load verifier rules: %w", err)
	}

	gen, closer, err := llm.NewProvider(ctx, providerConfig(a.cfg.LLM), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm provider: %w", err)
	}
	a.closers = append(a.closers, closer)

	rankGen := gen
	if a.cfg.LLM.RankingModel != "" {
		rankGen, closer, err = llm.NewProvider(ctx, rankingConfig(a.cfg.LLM), a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ranking provider: %w", err)
		}
		a.closers = append(a.closers, closer)
	}

	return pipeline.NewController(
		pipeline.NewGenerator(gen, verifier, a.logger),
		pipeline.NewRanker(rankGen, set, a.logger),
		verifier,
		notifier,
		pipeline.ControllerConfig{
			MaxAttempts:    a.cfg.Generation.MaxAttempts,
			AttemptTimeout: a.cfg.Generation.AttemptTimeout,
		},
		a.logger,
	), nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
