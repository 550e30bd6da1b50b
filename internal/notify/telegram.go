package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender is the subset of the bot API used for alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts alerts to a chat from a background worker.
type TelegramNotifier struct {
	api    Sender
	chatID int64
	queue  chan Event
	logger *zap.Logger
}

func NewTelegramNotifier(api Sender, chatID int64, buffer int, logger *zap.Logger) *TelegramNotifier {
	if buffer < 1 {
		buffer = 32
	}
	return &TelegramNotifier{
		api:    api,
		chatID: chatID,
		queue:  make(chan Event, buffer),
		logger: logger,
	}
}

// Notify enqueues ev, dropping it when the queue is full.
func (n *TelegramNotifier) Notify(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("Alert queue full, dropping alert", zap.String("error_type", ev.Type))
	}
}

// Run delivers queued alerts until ctx is done.
func (n *TelegramNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			n.send(ev)
		}
	}
}

func (n *TelegramNotifier) send(ev Event) {
	msg := tgbotapi.NewMessage(n.chatID, FormatEvent(ev))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Error("Failed to send alert",
			zap.Error(err),
			zap.Int64("chat_id", n.chatID))
	}
}

// FormatEvent renders ev as a MarkdownV2 message.
func FormatEvent(ev Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*\n", EscapeMarkdown(strings.ToUpper(ev.Type)))
	if ev.RequestID != "" {
		fmt.Fprintf(&sb, "request: `%s`\n", EscapeMarkdown(ev.RequestID))
	}
	sb.WriteString(EscapeMarkdown(ev.Message))
	sb.WriteString("\n")
	sb.WriteString(EscapeMarkdown(ev.Timestamp.Format(time.RFC3339)))
	return sb.String()
}

func EscapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}
