package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/mailmate/internal/assistant"
	"github.com/xaenox/mailmate/internal/models"
	"github.com/xaenox/mailmate/internal/monitor"
	"github.com/xaenox/mailmate/internal/optimizer"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1].Text
}

type fakeService struct {
	optimizeUser string
	err          error
}

func (f *fakeService) Performance(_ context.Context, userEmail string) (*assistant.PerformanceReport, error) {
	score := 0.4
	return &assistant.PerformanceReport{
		Report: &monitor.Report{
			Threshold: 0.7,
			UserMetrics: map[string]map[models.Task]models.PerformanceMetric{
				"ann@example.com": {models.TaskSummary: {Task: models.TaskSummary, Total: 5, Positive: 2, Score: &score, BelowThreshold: true, TrendDirection: models.TrendDeclining}},
			},
			GlobalMetrics:       map[models.Task]models.PerformanceMetric{models.TaskSummary: {Total: 5}},
			UsersBelowThreshold: []string{"ann@example.com"},
		},
		UserStrategies: map[string]map[models.Task]models.Strategy{"ann@example.com": {models.TaskSummary: models.StrategyDefault}},
	}, f.err
}

func (f *fakeService) Optimize(_ context.Context, userEmail string, _ optimizer.Trigger) (*optimizer.Report, error) {
	f.optimizeUser = userEmail
	if f.err != nil {
		return nil, f.err
	}
	return &optimizer.Report{
		UsersBelowThreshold: []string{"ann@example.com"},
		Changes: []optimizer.Change{{
			StrategyChange: models.StrategyChange{UserEmail: "ann@example.com", Task: models.TaskSummary, NewStrategy: models.StrategyAlternate},
			Score:          0.4,
		}},
	}, nil
}

func (f *fakeService) History(context.Context, string) ([]models.StrategyChange, error) {
	ts := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	return []models.StrategyChange{
		{UserEmail: "ann@example.com", Task: models.TaskDraftReply, OldStrategy: models.StrategyDefault, NewStrategy: models.StrategyAlternate, Reason: optimizer.ReasonScheduled, Timestamp: ts},
	}, f.err
}

func (f *fakeService) UserStrategies(_ context.Context, userEmail string) (models.StrategyPolicy, error) {
	p := models.DefaultPolicy(userEmail)
	p.Strategies[models.TaskActionItems] = models.StrategyAlternate
	return p, f.err
}

func command(chatID int64, text string) *tgbotapi.Message {
	length := len(text)
	for i, r := range text {
		if r == ' ' {
			length = i
			break
		}
	}
	return &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
	}
}

func newTestBot(svc Service, allowed int64) (*Bot, *fakeSender) {
	sender := &fakeSender{}
	return &Bot{sender: sender, svc: svc, allowedChat: allowed, timeout: time.Second, logger: zap.NewNop()}, sender
}

func TestCommands(t *testing.T) {
	svc := &fakeService{}
	b, sender := newTestBot(svc, 0)
	ctx := context.Background()

	b.handleCommand(ctx, command(1, "/performance"))
	assert.Contains(t, sender.last(), "summary: 0.40 (2/5), declining below threshold [default]")
	assert.Contains(t, sender.last(), "Below threshold: ann@example.com")

	b.handleCommand(ctx, command(1, "/strategies ann@example.com"))
	assert.Contains(t, sender.last(), "action_items: alternate")

	b.handleCommand(ctx, command(1, "/strategies"))
	assert.Equal(t, "Usage: /strategies <email>", sender.last())

	b.handleCommand(ctx, command(1, "/history"))
	assert.Contains(t, sender.last(), "2026-01-02 03:04 ann@example.com draft_reply: default -> alternate (scheduled optimization)")

	b.handleCommand(ctx, command(1, "/optimize ann@example.com"))
	assert.Equal(t, "ann@example.com", svc.optimizeUser)
	assert.Contains(t, sender.last(), "ann@example.com summary -> alternate (score 0.40)")

	b.handleCommand(ctx, command(1, "/bogus"))
	assert.Contains(t, sender.last(), "Unknown command")
}

func TestCommandsRestrictedToChat(t *testing.T) {
	b, sender := newTestBot(&fakeService{}, 42)

	b.handleCommand(context.Background(), command(7, "/performance"))
	assert.Contains(t, sender.last(), "not allowed")

	b.handleCommand(context.Background(), command(42, "/help"))
	assert.Contains(t, sender.last(), "/optimize")
}

func TestCommandErrors(t *testing.T) {
	b, sender := newTestBot(&fakeService{err: errors.New("db down")}, 0)

	b.handleCommand(context.Background(), command(1, "/optimize"))
	require.NotEmpty(t, sender.sent)
	assert.Contains(t, sender.last(), "optimizer failed")
}

func TestFormatHistoryLimit(t *testing.T) {
	changes := make([]models.StrategyChange, 12)
	out := formatHistory(changes, 10)
	assert.Contains(t, out, "...and 2 more")
	assert.Equal(t, "No strategy changes yet.", formatHistory(nil, 10))
}
