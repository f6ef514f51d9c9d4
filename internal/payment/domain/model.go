package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusInMediation Status = "in_mediation"
	StatusChargedBack Status = "charged_back"
)

// Statuses lists every local attempt status.
var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusApproved,
	StatusRejected,
	StatusCancelled,
	StatusRefunded,
	StatusInMediation,
	StatusChargedBack,
}

func ValidStatus(s Status) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsActive reports whether s holds the obligation's single live checkout.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// Retryable reports whether an attempt in s may start a fresh session.
func (s Status) Retryable() bool {
	return s == StatusRejected || s == StatusCancelled
}

type Attempt struct {
	ID               snowflake.ID    `json:"id" gorm:"primaryKey"`
	ObligationID     snowflake.ID    `json:"obligation_id"`
	OwnerID          snowflake.ID    `json:"owner_id"`
	Provider         string          `json:"provider"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           Status          `json:"status"`
	SessionID        string          `json:"session_id"`
	RedirectURL      string          `json:"redirect_url,omitempty"`
	PaymentID        *string         `json:"payment_id,omitempty"`
	ExternalRef      string          `json:"external_ref"`
	StatusDetail     string          `json:"status_detail,omitempty"`
	AttemptsCount    int             `json:"attempts_count"`
	Payer            datatypes.JSON  `json:"payer,omitempty"`
	SessionCreatedAt time.Time       `json:"session_created_at"`
	RefundedAmount   decimal.Decimal `json:"refunded_amount"`
	RefundID         string          `json:"refund_id,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (Attempt) TableName() string { return "payment_attempts" }

// RefundableAmount is what is left to refund on an approved attempt.
func (a *Attempt) RefundableAmount() decimal.Decimal {
	return a.Amount.Sub(a.RefundedAmount)
}

type HistoryEntry struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	AttemptID  snowflake.ID   `json:"attempt_id"`
	FromStatus Status         `json:"from_status"`
	ToStatus   Status         `json:"to_status"`
	Actor      string         `json:"actor"`
	Reason     string         `json:"reason,omitempty"`
	Detail     datatypes.JSON `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (HistoryEntry) TableName() string { return "payment_attempt_status_history" }

// WebhookRecord is one raw notification kept against the attempt it
// resolved to. (attempt_id, notification_id) is unique.
type WebhookRecord struct {
	ID               snowflake.ID   `json:"id" gorm:"primaryKey"`
	AttemptID        snowflake.ID   `json:"attempt_id"`
	NotificationID   string         `json:"notification_id"`
	Provider         string         `json:"provider"`
	NotificationType string         `json:"notification_type"`
	ProcessorStatus  string         `json:"processor_status"`
	Applied          bool           `json:"applied"`
	Payload          datatypes.JSON `json:"payload"`
	ReceivedAt       time.Time      `json:"received_at"`
}

func (WebhookRecord) TableName() string { return "payment_attempt_webhooks" }

type StatusStat struct {
	Status Status          `json:"status"`
	Count  int64           `json:"count"`
	Total  decimal.Decimal `json:"total"`
}

type Payer struct {
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty" validate:"omitempty,email"`
	Identification string `json:"identification,omitempty"`
}

// NewExternalRef builds the idempotency key sent to the processor with a
// checkout session: OBL-<obligation id>-<ulid>.
func NewExternalRef(obligationID snowflake.ID) string {
	return "OBL-" + obligationID.String() + "-" + ulid.Make().String()
}
