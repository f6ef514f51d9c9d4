package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/pkg/db/pagination"
)

type CreateObligationRequest struct {
	OwnerID     snowflake.ID    `json:"owner_id" validate:"required"`
	Description string          `json:"description" validate:"required,max=500"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"omitempty,oneof=ARS USD"`
	DueDate     time.Time       `json:"due_date" validate:"required"`
	Category    Category        `json:"category" validate:"omitempty,oneof=service product subscription fine other"`
	Notes       string          `json:"notes" validate:"max=1000"`
}

type ListRequest struct {
	OwnerID         snowflake.ID
	Status          Status
	IncludeArchived bool
	pagination.Pagination
}

type ListResponse struct {
	Obligations []*Obligation        `json:"obligations"`
	PageInfo    *pagination.PageInfo `json:"page_info"`
}

// ListFilter is the repository side of ListRequest.
// Status is matched through the lazy overdue rule at Now.
type ListFilter struct {
	OwnerID         snowflake.ID
	Status          Status
	Now             time.Time
	IncludeArchived bool
	AfterCreatedAt  *time.Time
	AfterID         snowflake.ID
	Limit           int
}
