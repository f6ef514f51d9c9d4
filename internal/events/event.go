// Package events publishes domain events after their transaction commits.
package events

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	TypeObligationCreated   = "obligation.created"
	TypeObligationCancelled = "obligation.cancelled"
	TypeObligationPaid      = "obligation.paid"
	TypeObligationReopened  = "obligation.reopened"
	TypeObligationOverdue   = "obligation.overdue"
	TypeAttemptCreated      = "attempt.created"
	TypeAttemptStatus       = "attempt.status_changed"
	TypeReminderDue         = "obligation.reminder_due"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Key        string         `json:"key"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// New builds an event with a fresh ulid. key groups events of one aggregate
// onto one partition.
func New(eventType, key string, at time.Time, data map[string]any) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		Key:        key,
		OccurredAt: at.UTC(),
		Data:       data,
	}
}

// Publisher delivers events best-effort. Callers log failures and move on;
// the database stays the source of truth.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}
