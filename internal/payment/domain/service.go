package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/pkg/db/pagination"
)

type CreateAttemptRequest struct {
	ObligationID snowflake.ID `json:"obligation_id" validate:"required"`
	Payer        Payer        `json:"payer"`
}

type ListRequest struct {
	OwnerID      snowflake.ID
	ObligationID snowflake.ID
	Status       Status
	pagination.Pagination
}

type ListResponse struct {
	Attempts []*Attempt          `json:"attempts"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type Refund struct {
	AttemptID          snowflake.ID    `json:"attempt_id"`
	RefundID           string          `json:"refund_id"`
	Amount             decimal.Decimal `json:"amount"`
	Status             string          `json:"status"`
	ObligationReopened bool            `json:"obligation_reopened"`
}

// Orchestrator drives attempts on behalf of synchronous callers.
type Orchestrator interface {
	CreateAttempt(ctx context.Context, req CreateAttemptRequest) (*Attempt, error)
	Retry(ctx context.Context, attemptID snowflake.ID) (*Attempt, error)
	Cancel(ctx context.Context, attemptID snowflake.ID, reason string) (*Attempt, error)
	RequestRefund(ctx context.Context, attemptID snowflake.ID, amount *decimal.Decimal) (*Refund, error)
	CancelObligation(ctx context.Context, obligationID snowflake.ID, reason string) error
	SweepStaleAttempts(ctx context.Context, maxAge time.Duration, batch int) (int, error)

	GetAttempt(ctx context.Context, id snowflake.ID) (*Attempt, error)
	ListAttempts(ctx context.Context, req ListRequest) (ListResponse, error)
	AttemptHistory(ctx context.Context, id snowflake.ID) ([]HistoryEntry, error)
	WebhookLog(ctx context.Context, id snowflake.ID) ([]WebhookRecord, error)
	Stats(ctx context.Context, ownerID snowflake.ID) ([]StatusStat, error)
}

type InboxListRequest struct {
	Status  InboxStatus
	AfterID snowflake.ID
	Limit   int
}

type SimulateRequest struct {
	AttemptID       snowflake.ID `json:"attempt_id"`
	ProcessorStatus string       `json:"status"`
	StatusDetail    string       `json:"status_detail"`
}

// Reconciler turns inbound notifications into attempt and obligation
// transitions.
type Reconciler interface {
	Ingest(ctx context.Context, req InboundRequest) (snowflake.ID, error)
	Process(ctx context.Context, inboxID snowflake.ID) (InboxStatus, error)
	Redeliver(ctx context.Context, now time.Time, batch int) (int, error)
	ListInbox(ctx context.Context, req InboxListRequest) ([]*InboxItem, error)
	Replay(ctx context.Context, inboxID snowflake.ID) error
	SimulateNotification(ctx context.Context, req SimulateRequest) (InboxStatus, error)
}
