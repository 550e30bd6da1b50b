package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\.c\!`, EscapeMarkdown("a_b.c!"))
	assert.Equal(t, `\\`, EscapeMarkdown(`\`))
}

func TestTelegramNotifierDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &fakeSender{}
	n := NewTelegramNotifier(sender, 42, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	n.Notify(ctx, Event{Type: EventThresholdBreach, Message: "users below threshold: a@b.c"})

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	msg := sender.sent[0]
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdownV2, msg.ParseMode)
	assert.Contains(t, msg.Text, "THRESHOLD\\_BREACH")
	assert.Contains(t, msg.Text, "a@b\\.c")
}

func TestTelegramNotifierDropsWhenFull(t *testing.T) {
	sender := &fakeSender{err: errors.New("offline")}
	n := NewTelegramNotifier(sender, 1, 1, zap.NewNop())

	n.Notify(context.Background(), Event{Type: "a"})
	n.Notify(context.Background(), Event{Type: "b"})

	assert.Len(t, n.queue, 1)
}

func TestLogNotifierWritesFields(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	NewLogNotifier(zap.New(core)).Notify(context.Background(), Event{
		Type:      EventGenerationFailure,
		RequestID: "req-1",
		Message:   "summary failed",
	})

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, EventGenerationFailure, fields["error_type"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.NotZero(t, fields["timestamp"])
}
