package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	OwnerID        snowflake.ID
	ObligationID   snowflake.ID
	Status         Status
	AfterCreatedAt *time.Time
	AfterID        snowflake.ID
	Limit          int
}

type Repository interface {
	// InsertAttempt surfaces a unique violation when the obligation already
	// has an active attempt.
	InsertAttempt(ctx context.Context, db *gorm.DB, a *Attempt) error
	FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Attempt, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, provider, paymentID string) (*Attempt, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*Attempt, error)
	FindActiveByObligation(ctx context.Context, db *gorm.DB, obligationID snowflake.ID) (*Attempt, error)
	ListAttempts(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Attempt, error)
	ListStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*Attempt, error)
	// UpdateAttempt is a compare-and-set on version.
	UpdateAttempt(ctx context.Context, db *gorm.DB, a *Attempt, expectedVersion int64) (bool, error)
	Stats(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]StatusStat, error)

	InsertHistory(ctx context.Context, db *gorm.DB, entry *HistoryEntry) error
	ListHistory(ctx context.Context, db *gorm.DB, attemptID snowflake.ID) ([]HistoryEntry, error)

	// InsertWebhook reports false when the notification id was already
	// recorded for the attempt.
	InsertWebhook(ctx context.Context, db *gorm.DB, rec *WebhookRecord) (bool, error)
	MarkWebhookApplied(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	ListWebhooks(ctx context.Context, db *gorm.DB, attemptID snowflake.ID) ([]WebhookRecord, error)
}

type InboxFilter struct {
	Status  InboxStatus
	AfterID snowflake.ID
	Limit   int
}

type InboxRepository interface {
	Insert(ctx context.Context, db *gorm.DB, item *InboxItem) error
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*InboxItem, error)
	// Claim moves a row to processing and counts the delivery attempt.
	// Received and failed rows are claimable, as is a processing row whose
	// claim is older than staleBefore.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now, staleBefore time.Time) (bool, error)
	Finish(ctx context.Context, db *gorm.DB, item *InboxItem) error
	List(ctx context.Context, db *gorm.DB, filter InboxFilter) ([]*InboxItem, error)
	ListRedeliverable(ctx context.Context, db *gorm.DB, idleBefore, staleBefore time.Time, limit int) ([]*InboxItem, error)
	// Reset puts a failed, dead or unresolved row back to received.
	Reset(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	CountByStatus(ctx context.Context, db *gorm.DB) (map[InboxStatus]int64, error)
}
