package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the obligation ledger. Transition methods taking a *gorm.DB
// run on that handle so payment workflows can join them to their own
// transaction; a nil handle uses the service's connection.
type Service interface {
	Create(ctx context.Context, req CreateObligationRequest) (*Obligation, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Obligation, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	History(ctx context.Context, id snowflake.ID) ([]HistoryEntry, error)
	OutstandingTotal(ctx context.Context, ownerID snowflake.ID) ([]CurrencyTotal, error)
	Settlement(ctx context.Context, id snowflake.ID) (*Settlement, error)

	MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, actor string) (*Obligation, error)
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, attemptID snowflake.ID, actor string) (bool, error)
	MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, actor string) (*Obligation, error)
	RevertToPending(ctx context.Context, db *gorm.DB, id snowflake.ID, cause RevertCause, actor string) (*Obligation, error)
	Archive(ctx context.Context, id snowflake.ID, actor string) (*Obligation, error)

	// RecordReminderSent bumps the reminder counter and stamps the time.
	// It never changes status.
	RecordReminderSent(ctx context.Context, id snowflake.ID, at time.Time) (*Obligation, error)
	ListReminderCandidates(ctx context.Context, before time.Time, afterID snowflake.ID, limit int) ([]*Obligation, error)

	SweepOverdue(ctx context.Context, now time.Time, batch int) (int, error)
}
