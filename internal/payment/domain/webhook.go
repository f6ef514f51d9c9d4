package domain

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type InboxStatus string

const (
	InboxReceived   InboxStatus = "received"
	InboxProcessing InboxStatus = "processing"
	InboxProcessed  InboxStatus = "processed"
	InboxIgnored    InboxStatus = "ignored"
	InboxUnresolved InboxStatus = "unresolved"
	InboxDuplicate  InboxStatus = "duplicate"
	InboxDiscarded  InboxStatus = "discarded"
	InboxFailed     InboxStatus = "failed"
	InboxDead       InboxStatus = "dead"
)

var InboxStatuses = []InboxStatus{
	InboxReceived, InboxProcessing, InboxProcessed, InboxIgnored, InboxUnresolved,
	InboxDuplicate, InboxDiscarded, InboxFailed, InboxDead,
}

func ValidInboxStatus(s InboxStatus) bool {
	for _, known := range InboxStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Replayable reports whether an operator may push the delivery through the
// pipeline again.
func (s InboxStatus) Replayable() bool {
	return s == InboxFailed || s == InboxDead || s == InboxUnresolved
}

// InboxItem is one inbound delivery as received, kept until reconciled.
type InboxItem struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider       string         `json:"provider"`
	Method         string         `json:"method"`
	Query          datatypes.JSON `json:"query"`
	Headers        datatypes.JSON `json:"headers"`
	Body           string         `json:"body"`
	Status         InboxStatus    `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	NotificationID string         `json:"notification_id,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (InboxItem) TableName() string { return "webhook_inbox" }

// InboundRequest is the transport-free view of one webhook call.
type InboundRequest struct {
	Provider string
	Method   string
	Query    url.Values
	Headers  http.Header
	Body     []byte

	// Deferred rows skip the in-process queue and wait for redelivery.
	Deferred bool
}

const NotificationTypePayment = "payment"

// Notification is what the processor told us, reduced to routing data.
// ID is the processor's notification id when the payload carries one.
type Notification struct {
	ID          string
	Type        string
	ExternalID  string
	Action      string
	DateCreated *time.Time
}

// WebhookAdapter verifies and parses one provider's notifications.
type WebhookAdapter interface {
	Verify(ctx context.Context, req InboundRequest) error
	Parse(ctx context.Context, req InboundRequest) (*Notification, error)
}

// Provider bundles everything the core needs from one processor.
type Provider interface {
	GatewayClient
	WebhookAdapter
	StatusTable() *StatusTable
}
