// Package gateway bounds every outbound processor call with a rate
// limiter, a per-try timeout and a retry budget.
package gateway

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/internal/observability/metrics"
	"github.com/smallbiznis/duesync/internal/observability/tracing"
	"github.com/smallbiznis/duesync/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tracerName = "duesync/payment/gateway"

type Config struct {
	Timeout        time.Duration
	MaxTries       int
	InitialBackoff time.Duration
	RateLimit      float64
	RateBurst      int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxTries <= 0 {
		c.MaxTries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Resilient decorates a provider. Webhook methods pass straight through.
type Resilient struct {
	next    domain.Provider
	cfg     Config
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *zap.Logger
}

func Wrap(next domain.Provider, cfg Config, m *metrics.Metrics, log *zap.Logger) *Resilient {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resilient{
		next:    next,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		metrics: m,
		log:     log.Named("payment.gateway").With(zap.String("provider", next.Provider())),
	}
}

func (g *Resilient) Provider() string {
	return g.next.Provider()
}

func (g *Resilient) StatusTable() *domain.StatusTable {
	return g.next.StatusTable()
}

func (g *Resilient) Verify(ctx context.Context, req domain.InboundRequest) error {
	return g.next.Verify(ctx, req)
}

func (g *Resilient) Parse(ctx context.Context, req domain.InboundRequest) (*domain.Notification, error) {
	return g.next.Parse(ctx, req)
}

func (g *Resilient) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	return call(ctx, g, "create_checkout_session", func(ctx context.Context) (domain.CheckoutSession, error) {
		return g.next.CreateCheckoutSession(ctx, req)
	})
}

func (g *Resilient) FetchPayment(ctx context.Context, paymentID string) (domain.PaymentInfo, error) {
	return call(ctx, g, "fetch_payment", func(ctx context.Context) (domain.PaymentInfo, error) {
		return g.next.FetchPayment(ctx, paymentID)
	})
}

// Refund pins one idempotency key across its retries so a try that landed
// before timing out is not refunded twice.
func (g *Resilient) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (domain.RefundInfo, error) {
	if domain.IdempotencyKey(ctx) == "" {
		ctx = domain.WithIdempotencyKey(ctx, uuid.NewString())
	}
	return call(ctx, g, "refund", func(ctx context.Context) (domain.RefundInfo, error) {
		return g.next.Refund(ctx, paymentID, amount)
	})
}

func (g *Resilient) CancelSession(ctx context.Context, sessionID string) error {
	_, err := call(ctx, g, "cancel_session", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.CancelSession(ctx, sessionID)
	})
	return err
}

func call[T any](ctx context.Context, g *Resilient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	provider := g.Provider()
	ctx, span := tracing.Start(ctx, tracerName, "gateway."+op,
		attribute.String("provider", provider),
		attribute.String("operation", op),
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialBackoff
	b.MaxInterval = 8 * g.cfg.InitialBackoff

	tries := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		var zero T
		tries++
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		res, err := fn(callCtx)
		if err == nil {
			return res, nil
		}
		err = Classify(provider, op, err)
		if !domain.IsRetryableGatewayError(err) {
			return zero, backoff.Permanent(err)
		}
		g.log.Debug("gateway call failed, retrying", zap.String("op", op), zap.Int("try", tries), zap.Error(err))
		return zero, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(g.cfg.MaxTries)))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
		if domain.IsRetryableGatewayError(err) {
			outcome = "exhausted"
		}
		g.log.Warn("gateway call failed", zap.String("op", op), zap.Int("tries", tries), zap.Error(err))
	}
	g.metrics.RecordGatewayCall(ctx, provider, op, outcome, time.Since(start))
	span.SetAttributes(attribute.Int("tries", tries))
	tracing.End(span, err)
	return out, err
}

// Classify turns a raw client error into a GatewayError. Timeouts, network
// failures, 429 and 5xx are retryable.
func Classify(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		if !gwErr.Retryable {
			gwErr.Retryable = (gwErr.StatusCode != 0 && RetryableStatus(gwErr.StatusCode)) ||
				(gwErr.Err != nil && retryableErr(gwErr.Err))
		}
		return gwErr
	}
	return &domain.GatewayError{
		Provider:  provider,
		Op:        op,
		Retryable: retryableErr(err),
		Err:       err,
	}
}

func RetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

func retryableErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
