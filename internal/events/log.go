package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("events")}
}

func (p *LogPublisher) Publish(ctx context.Context, events ...Event) error {
	for _, ev := range events {
		p.log.Info("domain event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.String("key", ev.Key),
			zap.Time("occurred_at", ev.OccurredAt),
			zap.Any("data", ev.Data),
		)
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
