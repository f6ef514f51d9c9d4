package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duesync/internal/obligation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const obligationColumns = `id, owner_id, description, amount, currency, due_date, status, category, notes,
	reminders_sent, last_reminder_at, paid_at, paid_by_attempt_id, cancelled_at, cancel_reason,
	archived_at, version, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, o *domain.Obligation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO obligations (`+obligationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID,
		o.OwnerID,
		o.Description,
		o.Amount,
		o.Currency,
		o.DueDate,
		o.Status,
		o.Category,
		o.Notes,
		o.RemindersSent,
		o.LastReminderAt,
		o.PaidAt,
		o.PaidByAttemptID,
		o.CancelledAt,
		o.CancelReason,
		o.ArchivedAt,
		o.Version,
		o.CreatedAt,
		o.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Obligation, error) {
	var item domain.Obligation
	err := db.WithContext(ctx).Raw(
		`SELECT `+obligationColumns+`
		 FROM obligations
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Obligation, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != 0 {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	switch filter.Status {
	case "":
	case domain.StatusOverdue:
		where = append(where, "(status = ? OR (status = ? AND due_date < ?))")
		args = append(args, domain.StatusOverdue, domain.StatusPending, filter.Now)
	case domain.StatusPending:
		where = append(where, "status = ? AND due_date >= ?")
		args = append(args, domain.StatusPending, filter.Now)
	default:
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	if filter.AfterCreatedAt != nil {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, *filter.AfterCreatedAt, *filter.AfterCreatedAt, filter.AfterID)
	}

	query := `SELECT ` + obligationColumns + ` FROM obligations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.Limit)

	var items []*domain.Obligation
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, o *domain.Obligation, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE obligations
		 SET status = ?, reminders_sent = ?, last_reminder_at = ?, paid_at = ?,
			paid_by_attempt_id = ?, cancelled_at = ?, cancel_reason = ?, archived_at = ?,
			version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		o.Status,
		o.RemindersSent,
		o.LastReminderAt,
		o.PaidAt,
		o.PaidByAttemptID,
		o.CancelledAt,
		o.CancelReason,
		o.ArchivedAt,
		expectedVersion+1,
		o.UpdatedAt,
		o.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	o.Version = expectedVersion + 1
	return true, nil
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, entry *domain.HistoryEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO obligation_status_history (
			id, obligation_id, from_status, to_status, actor, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.ObligationID,
		entry.FromStatus,
		entry.ToStatus,
		entry.Actor,
		entry.Reason,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, obligationID snowflake.ID) ([]domain.HistoryEntry, error) {
	var items []domain.HistoryEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, obligation_id, from_status, to_status, actor, reason, created_at
		 FROM obligation_status_history
		 WHERE obligation_id = ?
		 ORDER BY created_at ASC, id ASC`,
		obligationID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertSettlement(ctx context.Context, db *gorm.DB, s *domain.Settlement) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO obligation_settlements (
			id, obligation_id, attempt_id, amount, currency, settled_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (obligation_id, attempt_id) DO NOTHING`,
		s.ID,
		s.ObligationID,
		s.AttemptID,
		s.Amount,
		s.Currency,
		s.SettledAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindSettlement(ctx context.Context, db *gorm.DB, obligationID snowflake.ID) (*domain.Settlement, error) {
	var item domain.Settlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, obligation_id, attempt_id, amount, currency, settled_at
		 FROM obligation_settlements
		 WHERE obligation_id = ?
		 ORDER BY settled_at DESC, id DESC
		 LIMIT 1`,
		obligationID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListPendingPastDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.Obligation, error) {
	var items []*domain.Obligation
	err := db.WithContext(ctx).Raw(
		`SELECT `+obligationColumns+`
		 FROM obligations
		 WHERE status = ? AND due_date < ?
		 ORDER BY due_date ASC, id ASC
		 LIMIT ?`,
		domain.StatusPending,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListSettleableDueBefore(ctx context.Context, db *gorm.DB, before time.Time, afterID snowflake.ID, limit int) ([]*domain.Obligation, error) {
	var items []*domain.Obligation
	err := db.WithContext(ctx).Raw(
		`SELECT `+obligationColumns+`
		 FROM obligations
		 WHERE status IN ? AND due_date < ? AND id > ? AND archived_at IS NULL
		 ORDER BY id ASC
		 LIMIT ?`,
		[]domain.Status{domain.StatusPending, domain.StatusOverdue, domain.StatusProcessing},
		before,
		afterID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) OutstandingTotals(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]domain.CurrencyTotal, error) {
	var rows []domain.CurrencyTotal
	err := db.WithContext(ctx).Raw(
		`SELECT currency, SUM(amount) AS total, COUNT(1) AS count
		 FROM obligations
		 WHERE owner_id = ? AND status IN ?
		 GROUP BY currency
		 ORDER BY currency ASC`,
		ownerID,
		[]domain.Status{domain.StatusPending, domain.StatusOverdue, domain.StatusProcessing},
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
