// Package notify abstracts out-of-band notification delivery (push,
// SMS, pager) behind a single interface. The default implementation
// only logs; real transports plug in behind it.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier delivers an event to an external channel. Delivery is
// best-effort; callers must not treat a failure as fatal.
type Notifier interface {
	Notify(ctx context.Context, event string, payload any) error
}

// LogNotifier writes notifications to the service log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event at info level.
func (n *LogNotifier) Notify(_ context.Context, event string, payload any) error {
	n.logger.Info("notification", zap.String("event", event), zap.Any("payload", payload))
	return nil
}
