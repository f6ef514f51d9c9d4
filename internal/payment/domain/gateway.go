package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/pkg/apperr"
)

// GatewayClient is the external processor. CancelSession is best-effort:
// callers log its failure and carry on.
type GatewayClient interface {
	Provider() string
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	FetchPayment(ctx context.Context, paymentID string) (PaymentInfo, error)
	Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (RefundInfo, error)
	CancelSession(ctx context.Context, sessionID string) error
}

type CheckoutRequest struct {
	ObligationID snowflake.ID
	Amount       decimal.Decimal
	Currency     string
	ExternalRef  string
	Description  string
	Category     string
	Payer        Payer
	ExpiresAt    time.Time
}

type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}

// PaymentInfo is the processor's authoritative view of one payment.
// Status is in the processor's vocabulary.
type PaymentInfo struct {
	PaymentID       string
	Status          string
	StatusDetail    string
	Amount          decimal.Decimal
	Currency        string
	ExternalRef     string
	Payer           Payer
	DateLastUpdated *time.Time
	Raw             json.RawMessage
}

type RefundInfo struct {
	ID     string
	Amount decimal.Decimal
	Status string
}

// GatewayError is any failed processor call. Retryable separates timeouts,
// network failures, 429 and 5xx from rejections by the processor.
type GatewayError struct {
	Provider   string
	Op         string
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway_error: %s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{apperr.ErrGateway}
	}
	return []error{apperr.ErrGateway, e.Err}
}

// IsRetryableGatewayError reports whether err is a GatewayError worth
// another try.
func IsRetryableGatewayError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Retryable
}

// AdapterConfig carries one provider's credentials. Config keys are
// provider specific.
type AdapterConfig struct {
	Provider   string
	Config     map[string]any
	HTTPClient *http.Client
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Provider, error)
}

type idempotencyKey struct{}

// WithIdempotencyKey pins the key adapters send with mutating calls.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}
