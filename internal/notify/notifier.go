// Package notify fans billing lifecycle events out to whatever channel
// is configured. The default sink is the structured log; richer
// transports implement the same interface.
package notify

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Event string

const (
	EventPaymentSucceeded      Event = "payment_succeeded"
	EventPaymentFailed         Event = "payment_failed"
	EventTrialExpired          Event = "trial_expired"
	EventSubscriptionRenewed   Event = "subscription_renewed"
	EventSubscriptionSuspended Event = "subscription_suspended"
)

type Notifier interface {
	Notify(ctx context.Context, event Event, fields ...zap.Field)
}

type logNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) Notifier {
	return &logNotifier{log: log.Named("notify")}
}

func (n *logNotifier) Notify(_ context.Context, event Event, fields ...zap.Field) {
	n.log.Info("billing event", append([]zap.Field{zap.String("event", string(event))}, fields...)...)
}

var Module = fx.Module("notify", fx.Provide(NewLogNotifier))
