package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	"github.com/smallbiznis/duesync/internal/reminder"
	"github.com/smallbiznis/duesync/pkg/db/pagination"
)

type createObligationRequest struct {
	OwnerID     string          `json:"owner_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	DueDate     string          `json:"due_date"`
	Category    string          `json:"category"`
	Notes       string          `json:"notes"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreateObligation(c *gin.Context) {
	var req createObligationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ownerID, err := parseOptionalSnowflakeID(req.OwnerID)
	if err != nil || ownerID == nil {
		AbortWithError(c, obligationdomain.ErrInvalidOwner)
		return
	}
	dueDate, err := parseDueDate(req.DueDate)
	if err != nil {
		AbortWithError(c, newValidationError("due_date", "invalid_due_date", "due_date must be YYYY-MM-DD or RFC3339"))
		return
	}

	ctx := obscontext.WithOwnerID(c.Request.Context(), ownerID.String())
	resp, err := s.obligations.Create(ctx, obligationdomain.CreateObligationRequest{
		OwnerID:     *ownerID,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    req.Currency,
		DueDate:     dueDate,
		Category:    obligationdomain.Category(req.Category),
		Notes:       req.Notes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListObligations(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status          string `form:"status"`
		IncludeArchived string `form:"include_archived"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	ownerID, ok := queryID(c, "owner_id")
	if !ok {
		return
	}
	includeArchived, err := parseOptionalBool(query.IncludeArchived)
	if err != nil {
		AbortWithError(c, newValidationError("include_archived", "invalid_include_archived", "invalid include_archived"))
		return
	}

	req := obligationdomain.ListRequest{
		OwnerID:    ownerID,
		Status:     obligationdomain.Status(strings.ToLower(strings.TrimSpace(query.Status))),
		Pagination: query.Pagination,
	}
	if includeArchived != nil {
		req.IncludeArchived = *includeArchived
	}

	resp, err := s.obligations.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetObligation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	resp, err := s.obligations.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ObligationHistory(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	resp, err := s.obligations.History(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ObligationSettlement(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	resp, err := s.obligations.Settlement(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type reminderStatus struct {
	CanSend        bool       `json:"can_send"`
	DaysUntilDue   int        `json:"days_until_due"`
	RemindersSent  int        `json:"reminders_sent"`
	LastReminderAt *time.Time `json:"last_reminder_at,omitempty"`
}

func (s *Server) ObligationReminderStatus(c *gin.Context) {
	if s.reminders == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ob, err := s.obligations.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": reminderStatus{
		CanSend:        s.reminders.CanSendReminder(ob),
		DaysUntilDue:   reminder.DaysUntilDue(ob, s.clock.Now()),
		RemindersSent:  ob.RemindersSent,
		LastReminderAt: ob.LastReminderAt,
	}})
}

func (s *Server) CancelObligation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	ctx := c.Request.Context()
	if err := s.payments.CancelObligation(ctx, id, req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.obligations.GetByID(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ArchiveObligation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	resp, err := s.obligations.Archive(ctx, id, obscontext.ActorLabel(ctx))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) OwnerOutstanding(c *gin.Context) {
	ownerID, ok := pathID(c, "owner_id")
	if !ok {
		return
	}
	resp, err := s.obligations.OutstandingTotal(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func parseDueDate(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if parsed, err := time.Parse(time.DateOnly, trimmed); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
