package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	paymentdomain "github.com/smallbiznis/duesync/internal/payment/domain"
)

const defaultSweepBatch = 100

func (s *Server) ListWebhookInbox(c *gin.Context) {
	var query struct {
		Status string `form:"status"`
		Limit  int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	afterID, ok := queryID(c, "after_id")
	if !ok {
		return
	}

	resp, err := s.webhooks.ListInbox(c.Request.Context(), paymentdomain.InboxListRequest{
		Status:  paymentdomain.InboxStatus(strings.ToLower(strings.TrimSpace(query.Status))),
		AfterID: afterID,
		Limit:   query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ReplayWebhook(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.webhooks.Replay(operatorContext(c), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type simulateWebhookRequest struct {
	AttemptID    string `json:"attempt_id"`
	Status       string `json:"status"`
	StatusDetail string `json:"status_detail"`
}

func (s *Server) SimulateWebhook(c *gin.Context) {
	var req simulateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	attemptID, err := parseOptionalSnowflakeID(req.AttemptID)
	if err != nil || attemptID == nil {
		AbortWithError(c, newValidationError("attempt_id", "invalid_attempt_id", "attempt_id is required"))
		return
	}

	status, err := s.webhooks.SimulateNotification(operatorContext(c), paymentdomain.SimulateRequest{
		AttemptID:       *attemptID,
		ProcessorStatus: strings.TrimSpace(req.Status),
		StatusDetail:    strings.TrimSpace(req.StatusDetail),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"inbox_status": status}})
}

func (s *Server) SweepOverdue(c *gin.Context) {
	batch, ok := sweepBatch(c)
	if !ok {
		return
	}
	count, err := s.obligations.SweepOverdue(operatorContext(c), s.clock.Now(), batch)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"processed": count}})
}

func (s *Server) SweepStaleAttempts(c *gin.Context) {
	batch, ok := sweepBatch(c)
	if !ok {
		return
	}
	var maxAge time.Duration
	if raw := strings.TrimSpace(c.Query("max_age")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("max_age", "invalid_max_age", "max_age must be a positive duration"))
			return
		}
		maxAge = parsed
	}

	count, err := s.payments.SweepStaleAttempts(operatorContext(c), maxAge, batch)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"processed": count}})
}

func (s *Server) SendReminders(c *gin.Context) {
	if s.reminders == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	batch, ok := sweepBatch(c)
	if !ok {
		return
	}
	count, err := s.reminders.SendDue(operatorContext(c), s.clock.Now(), batch)
	if err != nil && count == 0 {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"processed": count}})
}

func (s *Server) Ready(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func sweepBatch(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("batch"))
	if raw == "" {
		return defaultSweepBatch, true
	}
	batch, err := strconv.Atoi(raw)
	if err != nil || batch <= 0 {
		AbortWithError(c, newValidationError("batch", "invalid_batch", "batch must be a positive integer"))
		return 0, false
	}
	return batch, true
}

// operatorContext keeps an actor set by the request log middleware and
// falls back to a generic operator label.
func operatorContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if kind, _ := obscontext.ActorFromContext(ctx); kind != obscontext.ActorOperator {
		ctx = obscontext.WithActor(ctx, obscontext.ActorOperator, "ops")
	}
	return ctx
}
