package server

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	paymentdomain "github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/internal/ratelimit"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type intakeLimiter interface {
	Allow(ctx context.Context, provider string) (*ratelimit.RateLimitResult, error)
}

// HandlePaymentWebhook stores the delivery and acknowledges it. The outcome
// of reconciliation is never reported back to the sender; only a failure to
// persist the delivery yields a non-2xx so the processor retries.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := obscontext.WithActor(c.Request.Context(), obscontext.ActorProcessor, provider)
	deferred := !s.admitWebhook(ctx, provider)
	id, err := s.webhooks.Ingest(ctx, paymentdomain.InboundRequest{
		Provider: provider,
		Method:   c.Request.Method,
		Query:    c.Request.URL.Query(),
		Headers:  c.Request.Header.Clone(),
		Body:     payload,
		Deferred: deferred,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Debug("webhook accepted",
		zap.String("provider", provider),
		zap.String("inbox_id", id.String()),
		zap.Bool("deferred", deferred),
	)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// admitWebhook applies the per-provider intake limit. A delivery over the
// limit is still stored and acknowledged, but left to the redelivery sweep
// instead of the workers. A limiter failure admits the delivery.
func (s *Server) admitWebhook(ctx context.Context, provider string) bool {
	if s.intake == nil {
		return true
	}
	res, err := s.intake.Allow(ctx, provider)
	if err != nil {
		s.log.Warn("webhook intake limiter unavailable", zap.String("provider", provider), zap.Error(err))
		return true
	}
	return res == nil || res.Allowed
}
