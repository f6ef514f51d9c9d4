package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duesync/internal/payment/domain"
	"gorm.io/gorm"
)

type inboxRepo struct{}

func ProvideInbox() domain.InboxRepository {
	return &inboxRepo{}
}

const inboxColumns = `id, provider, method, query, headers, body, status, attempts, last_error,
	notification_id, received_at, claimed_at, processed_at, updated_at`

func (r *inboxRepo) Insert(ctx context.Context, db *gorm.DB, item *domain.InboxItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_inbox (`+inboxColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.Provider,
		item.Method,
		item.Query,
		item.Headers,
		item.Body,
		item.Status,
		item.Attempts,
		item.LastError,
		item.NotificationID,
		item.ReceivedAt,
		item.ClaimedAt,
		item.ProcessedAt,
		item.UpdatedAt,
	).Error
}

func (r *inboxRepo) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.InboxItem, error) {
	var item domain.InboxItem
	err := db.WithContext(ctx).Raw(
		`SELECT `+inboxColumns+`
		 FROM webhook_inbox
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

func (r *inboxRepo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now, staleBefore time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_inbox
		 SET status = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND (status IN ? OR (status = ? AND claimed_at < ?))`,
		domain.InboxProcessing,
		now,
		now,
		id,
		[]domain.InboxStatus{domain.InboxReceived, domain.InboxFailed},
		domain.InboxProcessing,
		staleBefore,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *inboxRepo) Finish(ctx context.Context, db *gorm.DB, item *domain.InboxItem) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_inbox
		 SET status = ?, last_error = ?, notification_id = ?, processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		item.Status,
		item.LastError,
		item.NotificationID,
		item.ProcessedAt,
		item.UpdatedAt,
		item.ID,
	).Error
}

func (r *inboxRepo) List(ctx context.Context, db *gorm.DB, filter domain.InboxFilter) ([]*domain.InboxItem, error) {
	query := `SELECT ` + inboxColumns + ` FROM webhook_inbox WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.AfterID != 0 {
		query += " AND id < ?"
		args = append(args, filter.AfterID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, filter.Limit)

	var items []*domain.InboxItem
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *inboxRepo) ListRedeliverable(ctx context.Context, db *gorm.DB, idleBefore, staleBefore time.Time, limit int) ([]*domain.InboxItem, error) {
	var items []*domain.InboxItem
	err := db.WithContext(ctx).Raw(
		`SELECT `+inboxColumns+`
		 FROM webhook_inbox
		 WHERE (status IN ? AND updated_at < ?)
			OR (status = ? AND claimed_at < ?)
		 ORDER BY received_at ASC, id ASC
		 LIMIT ?`,
		[]domain.InboxStatus{domain.InboxReceived, domain.InboxFailed},
		idleBefore,
		domain.InboxProcessing,
		staleBefore,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *inboxRepo) Reset(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_inbox
		 SET status = ?, attempts = 0, last_error = '', claimed_at = NULL, processed_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		domain.InboxReceived,
		now,
		id,
		[]domain.InboxStatus{domain.InboxFailed, domain.InboxDead, domain.InboxUnresolved},
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *inboxRepo) CountByStatus(ctx context.Context, db *gorm.DB) (map[domain.InboxStatus]int64, error) {
	var rows []struct {
		Status domain.InboxStatus
		Count  int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(1) AS count
		 FROM webhook_inbox
		 GROUP BY status`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.InboxStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
