package reminder

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/internal/events"
	"go.uber.org/zap"
)

// Reminder is what a Notifier is asked to deliver.
type Reminder struct {
	ObligationID snowflake.ID
	OwnerID      snowflake.ID
	Description  string
	Amount       decimal.Decimal
	Currency     string
	DueDate      time.Time
	DaysUntilDue int
	Sequence     int
	At           time.Time
}

// Notifier delivers one reminder. Returning nil counts it as sent.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// LogNotifier writes reminders to the log. Useful where no channel is wired.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("reminder.notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, r Reminder) error {
	n.log.Info("obligation reminder",
		zap.String("obligation_id", r.ObligationID.String()),
		zap.String("owner_id", r.OwnerID.String()),
		zap.String("amount", r.Amount.StringFixed(2)),
		zap.String("currency", r.Currency),
		zap.Int("days_until_due", r.DaysUntilDue),
		zap.Int("sequence", r.Sequence),
	)
	return nil
}

// EventNotifier hands reminders to whatever consumes the domain event
// stream.
type EventNotifier struct {
	pub events.Publisher
}

func NewEventNotifier(pub events.Publisher) *EventNotifier {
	return &EventNotifier{pub: pub}
}

func (n *EventNotifier) Notify(ctx context.Context, r Reminder) error {
	return n.pub.Publish(ctx, events.New(events.TypeReminderDue, "obligation:"+r.ObligationID.String(), r.At, map[string]any{
		"owner_id":       r.OwnerID.String(),
		"description":    r.Description,
		"amount":         r.Amount.StringFixed(2),
		"currency":       r.Currency,
		"due_date":       r.DueDate.UTC().Format(time.DateOnly),
		"days_until_due": r.DaysUntilDue,
		"sequence":       r.Sequence,
	}))
}
