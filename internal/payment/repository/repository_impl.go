package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duesync/internal/payment/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const attemptColumns = `id, obligation_id, owner_id, provider, amount, currency, status, session_id,
	redirect_url, payment_id, external_ref, status_detail, attempts_count, payer,
	session_created_at, refunded_amount, refund_id, version, created_at, updated_at`

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, a *domain.Attempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (`+attemptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.ObligationID,
		a.OwnerID,
		a.Provider,
		a.Amount,
		a.Currency,
		a.Status,
		a.SessionID,
		a.RedirectURL,
		a.PaymentID,
		a.ExternalRef,
		a.StatusDetail,
		a.AttemptsCount,
		payerOrEmpty(a),
		a.SessionCreatedAt,
		a.RefundedAmount,
		a.RefundID,
		a.Version,
		a.CreatedAt,
		a.UpdatedAt,
	).Error
}

func (r *repo) FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Attempt, error) {
	return r.findOne(ctx, db, "id = ?", id)
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, provider, paymentID string) (*domain.Attempt, error) {
	return r.findOne(ctx, db, "provider = ? AND payment_id = ?", provider, paymentID)
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*domain.Attempt, error) {
	return r.findOne(ctx, db, "external_ref = ?", externalRef)
}

func (r *repo) FindActiveByObligation(ctx context.Context, db *gorm.DB, obligationID snowflake.ID) (*domain.Attempt, error) {
	return r.findOne(ctx, db, "obligation_id = ? AND status IN ?", obligationID,
		[]domain.Status{domain.StatusPending, domain.StatusProcessing})
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Attempt, error) {
	var item domain.Attempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE `+where+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListAttempts(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Attempt, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != 0 {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.ObligationID != 0 {
		where = append(where, "obligation_id = ?")
		args = append(args, filter.ObligationID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AfterCreatedAt != nil {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, *filter.AfterCreatedAt, *filter.AfterCreatedAt, filter.AfterID)
	}

	query := `SELECT ` + attemptColumns + ` FROM payment_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.Limit)

	var items []*domain.Attempt
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*domain.Attempt, error) {
	var items []*domain.Attempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE status = ? AND session_created_at < ?
		 ORDER BY session_created_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusPending,
		before,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateAttempt(ctx context.Context, db *gorm.DB, a *domain.Attempt, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?, session_id = ?, redirect_url = ?, payment_id = ?, external_ref = ?,
			status_detail = ?, attempts_count = ?, session_created_at = ?, refunded_amount = ?,
			refund_id = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		a.Status,
		a.SessionID,
		a.RedirectURL,
		a.PaymentID,
		a.ExternalRef,
		a.StatusDetail,
		a.AttemptsCount,
		a.SessionCreatedAt,
		a.RefundedAmount,
		a.RefundID,
		expectedVersion+1,
		a.UpdatedAt,
		a.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	a.Version = expectedVersion + 1
	return true, nil
}

func (r *repo) Stats(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]domain.StatusStat, error) {
	query := `SELECT status, COUNT(1) AS count, COALESCE(SUM(amount), 0) AS total FROM payment_attempts`
	var args []any
	if ownerID != 0 {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " GROUP BY status ORDER BY status ASC"

	var rows []domain.StatusStat
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, entry *domain.HistoryEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempt_status_history (
			id, attempt_id, from_status, to_status, actor, reason, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AttemptID,
		entry.FromStatus,
		entry.ToStatus,
		entry.Actor,
		entry.Reason,
		entry.Detail,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, attemptID snowflake.ID) ([]domain.HistoryEntry, error) {
	var items []domain.HistoryEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, attempt_id, from_status, to_status, actor, reason, detail, created_at
		 FROM payment_attempt_status_history
		 WHERE attempt_id = ?
		 ORDER BY created_at ASC, id ASC`,
		attemptID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertWebhook(ctx context.Context, db *gorm.DB, rec *domain.WebhookRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempt_webhooks (
			id, attempt_id, notification_id, provider, notification_type,
			processor_status, applied, payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (attempt_id, notification_id) DO NOTHING`,
		rec.ID,
		rec.AttemptID,
		rec.NotificationID,
		rec.Provider,
		rec.NotificationType,
		rec.ProcessorStatus,
		rec.Applied,
		rec.Payload,
		rec.ReceivedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkWebhookApplied(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_attempt_webhooks
		 SET applied = ?
		 WHERE id = ?`,
		true,
		id,
	).Error
}

func (r *repo) ListWebhooks(ctx context.Context, db *gorm.DB, attemptID snowflake.ID) ([]domain.WebhookRecord, error) {
	var items []domain.WebhookRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, attempt_id, notification_id, provider, notification_type,
			processor_status, applied, payload, received_at
		 FROM payment_attempt_webhooks
		 WHERE attempt_id = ?
		 ORDER BY received_at ASC, id ASC`,
		attemptID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func payerOrEmpty(a *domain.Attempt) datatypes.JSON {
	if len(a.Payer) == 0 {
		return datatypes.JSON("{}")
	}
	return a.Payer
}
