package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusOverdue    Status = "overdue"
	StatusPaid       Status = "paid"
	StatusCancelled  Status = "cancelled"
)

type Category string

const (
	CategoryService      Category = "service"
	CategoryProduct      Category = "product"
	CategorySubscription Category = "subscription"
	CategoryFine         Category = "fine"
	CategoryOther        Category = "other"
)

const (
	CurrencyARS = "ARS"
	CurrencyUSD = "USD"
)

// RevertCause names why a processing (or refunded paid) obligation becomes
// payable again.
type RevertCause string

const (
	CauseAttemptFailed    RevertCause = "attempt_failed"
	CauseAttemptCancelled RevertCause = "attempt_cancelled"
	CauseAttemptExpired   RevertCause = "attempt_expired"
	CauseRefunded         RevertCause = "refunded"
)

const (
	MaxDescriptionLength = 500
	MaxNotesLength       = 1000
)

type Obligation struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	OwnerID         snowflake.ID    `json:"owner_id" gorm:"column:owner_id"`
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	DueDate         time.Time       `json:"due_date"`
	Status          Status          `json:"status"`
	Category        Category        `json:"category"`
	Notes           string          `json:"notes,omitempty"`
	RemindersSent   int             `json:"reminders_sent"`
	LastReminderAt  *time.Time      `json:"last_reminder_at,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	PaidByAttemptID *snowflake.ID   `json:"paid_by_attempt_id,omitempty" gorm:"column:paid_by_attempt_id"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	ArchivedAt      *time.Time      `json:"archived_at,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Obligation) TableName() string { return "obligations" }

func (o *Obligation) IsTerminal() bool {
	return o.Status == StatusPaid || o.Status == StatusCancelled
}

// CanBeSettled reports whether a payment may still settle o.
func (o *Obligation) CanBeSettled() bool {
	return CanBeSettled(o.Status)
}

// PastDue reports whether the due date is strictly before now.
func (o *Obligation) PastDue(now time.Time) bool {
	return o.DueDate.Before(now)
}

// EffectiveStatus applies the lazy overdue rule: a pending obligation whose
// due date has elapsed reads as overdue.
func (o *Obligation) EffectiveStatus(now time.Time) Status {
	if o.Status == StatusPending && o.PastDue(now) {
		return StatusOverdue
	}
	return o.Status
}

// PayableStatus is the status an obligation lands on when it becomes payable
// again at now.
func (o *Obligation) PayableStatus(now time.Time) Status {
	if o.PastDue(now) {
		return StatusOverdue
	}
	return StatusPending
}

func CanBeSettled(status Status) bool {
	switch status {
	case StatusPending, StatusOverdue, StatusProcessing:
		return true
	default:
		return false
	}
}

func ValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusOverdue, StatusPaid, StatusCancelled:
		return true
	default:
		return false
	}
}

func ValidCategory(category Category) bool {
	switch category {
	case CategoryService, CategoryProduct, CategorySubscription, CategoryFine, CategoryOther:
		return true
	default:
		return false
	}
}

func ValidCurrency(currency string) bool {
	return currency == CurrencyARS || currency == CurrencyUSD
}

// HistoryEntry is one append-only status change.
type HistoryEntry struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	ObligationID snowflake.ID `json:"obligation_id"`
	FromStatus   Status       `json:"from_status"`
	ToStatus     Status       `json:"to_status"`
	Actor        string       `json:"actor"`
	Reason       string       `json:"reason,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (HistoryEntry) TableName() string { return "obligation_status_history" }

// Settlement records the single payment that settled an obligation.
type Settlement struct {
	ID           snowflake.ID    `json:"id" gorm:"primaryKey"`
	ObligationID snowflake.ID    `json:"obligation_id"`
	AttemptID    snowflake.ID    `json:"attempt_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	SettledAt    time.Time       `json:"settled_at"`
}

func (Settlement) TableName() string { return "obligation_settlements" }

type CurrencyTotal struct {
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
	Count    int64           `json:"count"`
}
