package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/mailmate/internal/assistant"
	"github.com/xaenox/mailmate/internal/models"
	"github.com/xaenox/mailmate/internal/notify"
	"github.com/xaenox/mailmate/internal/optimizer"
	"go.uber.org/zap"
)

// Service is the part of the assistant the operator bot exposes.
type Service interface {
	Performance(ctx context.Context, userEmail string) (*assistant.PerformanceReport, error)
	Optimize(ctx context.Context, userEmail string, trigger optimizer.Trigger) (*optimizer.Report, error)
	History(ctx context.Context, userEmail string) ([]models.StrategyChange, error)
	UserStrategies(ctx context.Context, userEmail string) (models.StrategyPolicy, error)
}

const historyLimit = 10

// Bot answers operator commands in Telegram.
type Bot struct {
	api         *tgbotapi.BotAPI
	sender      notify.Sender
	svc         Service
	allowedChat int64
	timeout     time.Duration
	logger      *zap.Logger
}

// New wraps an authenticated bot API. Commands from chats other than
// allowedChat are refused; zero allows every chat.
func New(api *tgbotapi.BotAPI, svc Service, allowedChat int64, logger *zap.Logger) *Bot {
	return &Bot{
		api:         api,
		sender:      api,
		svc:         svc,
		allowedChat: allowedChat,
		timeout:     30 * time.Second,
		logger:      logger,
	}
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Operator bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	if b.allowedChat != 0 && message.Chat.ID != b.allowedChat {
		b.sendMessage(message.Chat.ID, "This chat is not allowed to run commands.")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	arg := strings.TrimSpace(message.CommandArguments())

	switch message.Command() {
	case "start", "help":
		b.handleHelp(message)
	case "performance":
		b.handlePerformance(ctx, message, arg)
	case "strategies":
		b.handleStrategies(ctx, message, arg)
	case "history":
		b.handleHistory(ctx, message, arg)
	case "optimize":
		b.handleOptimize(ctx, message, arg)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/performance [email] - Feedback scores per task
/strategies <email> - Current prompt strategies for a user
/history [email] - Recent strategy changes
/optimize [email] - Run the strategy optimizer now
/help - Show this help message`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handlePerformance(ctx context.Context, message *tgbotapi.Message, userEmail string) {
	report, err := b.svc.Performance(ctx, userEmail)
	if err != nil {
		b.logger.Error("Failed to check performance", zap.Error(err), zap.String("user_email", userEmail))
		b.sendMessage(message.Chat.ID, "Sorry, failed to check performance. Please try again later.")
		return
	}
	b.sendMessage(message.Chat.ID, formatPerformance(report))
}

func (b *Bot) handleStrategies(ctx context.Context, message *tgbotapi.Message, userEmail string) {
	if userEmail == "" {
		b.sendMessage(message.Chat.ID, "Usage: /strategies <email>")
		return
	}
	policy, err := b.svc.UserStrategies(ctx, userEmail)
	if err != nil {
		b.logger.Error("Failed to load strategies", zap.Error(err), zap.String("user_email", userEmail))
		b.sendMessage(message.Chat.ID, "Sorry, failed to load strategies. Please try again later.")
		return
	}
	b.sendMessage(message.Chat.ID, formatStrategies(policy))
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message, userEmail string) {
	changes, err := b.svc.History(ctx, userEmail)
	if err != nil {
		b.logger.Error("Failed to load history", zap.Error(err), zap.String("user_email", userEmail))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't retrieve the optimization history.")
		return
	}
	b.sendMessage(message.Chat.ID, formatHistory(changes, historyLimit))
}

func (b *Bot) handleOptimize(ctx context.Context, message *tgbotapi.Message, userEmail string) {
	report, err := b.svc.Optimize(ctx, userEmail, optimizer.TriggerManual)
	if err != nil {
		b.logger.Error("Failed to optimize", zap.Error(err), zap.String("user_email", userEmail))
		b.sendMessage(message.Chat.ID, "Sorry, the optimizer failed. Please try again later.")
		return
	}
	b.sendMessage(message.Chat.ID, formatOptimization(report))
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func formatScore(m models.PerformanceMetric) string {
	if m.Score == nil {
		return fmt.Sprintf("n/a (%d ratings)", m.Total)
	}
	s := fmt.Sprintf("%.2f (%d/%d)", *m.Score, m.Positive, m.Total)
	if m.TrendDirection != models.TrendUnknown && m.TrendDirection != "" {
		s += ", " + string(m.TrendDirection)
	}
	if m.BelowThreshold {
		s += " below threshold"
	}
	return s
}

func formatPerformance(r *assistant.PerformanceReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Performance (threshold %.2f)\n", r.Threshold)

	sb.WriteString("\nAll users:\n")
	for _, task := range models.Tasks {
		fmt.Fprintf(&sb, "  %s: %s\n", task, formatScore(r.GlobalMetrics[task]))
	}

	users := make([]string, 0, len(r.UserMetrics))
	for u := range r.UserMetrics {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		fmt.Fprintf(&sb, "\n%s:\n", u)
		for _, task := range models.Tasks {
			fmt.Fprintf(&sb, "  %s: %s", task, formatScore(r.UserMetrics[u][task]))
			if s, ok := r.UserStrategies[u][task]; ok {
				fmt.Fprintf(&sb, " [%s]", s)
			}
			sb.WriteString("\n")
		}
	}

	if len(r.UsersBelowThreshold) > 0 {
		fmt.Fprintf(&sb, "\nBelow threshold: %s\n", strings.Join(r.UsersBelowThreshold, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatStrategies(p models.StrategyPolicy) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Strategies for %s:\n", p.UserEmail)
	for _, task := range models.Tasks {
		fmt.Fprintf(&sb, "  %s: %s\n", task, p.For(task))
	}
	if !p.LastUpdated.IsZero() {
		fmt.Fprintf(&sb, "Last updated %s", p.LastUpdated.Format(time.RFC3339))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatHistory(changes []models.StrategyChange, limit int) string {
	if len(changes) == 0 {
		return "No strategy changes yet."
	}

	var sb strings.Builder
	sb.WriteString("Recent strategy changes:\n")
	for i, c := range changes {
		if i == limit {
			fmt.Fprintf(&sb, "...and %d more\n", len(changes)-limit)
			break
		}
		fmt.Fprintf(&sb, "%s %s %s: %s -> %s (%s)\n",
			c.Timestamp.Format("2006-01-02 15:04"), c.UserEmail, c.Task, c.OldStrategy, c.NewStrategy, c.Reason)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatOptimization(r *optimizer.Report) string {
	if len(r.UsersBelowThreshold) == 0 {
		return "All users are above the performance threshold."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Users below threshold: %s\n", strings.Join(r.UsersBelowThreshold, ", "))
	if len(r.Changes) == 0 {
		sb.WriteString("No new strategy changes.\n")
	}
	for _, c := range r.Changes {
		fmt.Fprintf(&sb, "%s %s -> %s (score %.2f)\n", c.UserEmail, c.Task, c.NewStrategy, c.Score)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&sb, "failed: %s %s: %s\n", f.UserEmail, f.Task, f.Error)
	}
	return strings.TrimRight(sb.String(), "\n")
}
