package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	EventCapabilityFailure  = "capability_failure"
	EventGenerationFailure  = "generation_failure"
	EventPersistenceFailure = "persistence_failure"
	EventThresholdBreach    = "threshold_breach"
	EventOptimizerFailure   = "optimizer_failure"
)

// Event is an operational alert.
type Event struct {
	Type      string    `json:"error_type"`
	RequestID string    `json:"request_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers alerts. Delivery is best effort and never blocks the
// caller on the remote channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	n.logger.Warn("Alert",
		zap.String("error_type", ev.Type),
		zap.String("request_id", ev.RequestID),
		zap.String("message", ev.Message),
		zap.Time("timestamp", ev.Timestamp))
}
