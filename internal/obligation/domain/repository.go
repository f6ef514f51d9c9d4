package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is stateless; every method takes the handle to run on so
// callers can pass a transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, o *Obligation) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Obligation, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Obligation, error)
	// UpdateState writes every mutable column when the stored version still
	// equals expectedVersion, bumping it by one. It reports false when
	// another writer got there first.
	UpdateState(ctx context.Context, db *gorm.DB, o *Obligation, expectedVersion int64) (bool, error)

	InsertHistory(ctx context.Context, db *gorm.DB, entry *HistoryEntry) error
	ListHistory(ctx context.Context, db *gorm.DB, obligationID snowflake.ID) ([]HistoryEntry, error)

	// InsertSettlement reports false when the attempt already settled it.
	InsertSettlement(ctx context.Context, db *gorm.DB, s *Settlement) (bool, error)
	// FindSettlement returns the latest settlement.
	FindSettlement(ctx context.Context, db *gorm.DB, obligationID snowflake.ID) (*Settlement, error)

	ListPendingPastDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Obligation, error)
	ListSettleableDueBefore(ctx context.Context, db *gorm.DB, before time.Time, afterID snowflake.ID, limit int) ([]*Obligation, error)
	OutstandingTotals(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]CurrencyTotal, error)
}
