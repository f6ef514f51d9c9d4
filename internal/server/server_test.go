package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/config"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	paymentdomain "github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/internal/ratelimit"
	"github.com/smallbiznis/duesync/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var serverNow = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

type fakeObligations struct {
	obligationdomain.Service

	created   obligationdomain.CreateObligationRequest
	listed    obligationdomain.ListRequest
	getErr    error
	item      *obligationdomain.Obligation
	swept     int
	sweptWith time.Time
}

func (f *fakeObligations) Create(ctx context.Context, req obligationdomain.CreateObligationRequest) (*obligationdomain.Obligation, error) {
	f.created = req
	return &obligationdomain.Obligation{
		ID:          snowflake.ID(10),
		OwnerID:     req.OwnerID,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    "ARS",
		DueDate:     req.DueDate,
		Status:      obligationdomain.StatusPending,
	}, nil
}

func (f *fakeObligations) GetByID(ctx context.Context, id snowflake.ID) (*obligationdomain.Obligation, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.item != nil {
		return f.item, nil
	}
	return &obligationdomain.Obligation{ID: id, Status: obligationdomain.StatusPending}, nil
}

func (f *fakeObligations) List(ctx context.Context, req obligationdomain.ListRequest) (obligationdomain.ListResponse, error) {
	f.listed = req
	return obligationdomain.ListResponse{Obligations: []*obligationdomain.Obligation{}}, nil
}

func (f *fakeObligations) SweepOverdue(ctx context.Context, now time.Time, batch int) (int, error) {
	f.sweptWith = now
	return f.swept, nil
}

type fakePayments struct {
	paymentdomain.Orchestrator

	err          error
	refundAmount *decimal.Decimal
	cancelActor  string
	created      paymentdomain.CreateAttemptRequest
}

func (f *fakePayments) CreateAttempt(ctx context.Context, req paymentdomain.CreateAttemptRequest) (*paymentdomain.Attempt, error) {
	f.created = req
	if f.err != nil {
		return nil, f.err
	}
	return &paymentdomain.Attempt{ID: snowflake.ID(20), ObligationID: req.ObligationID, Status: paymentdomain.StatusPending}, nil
}

func (f *fakePayments) Retry(ctx context.Context, attemptID snowflake.ID) (*paymentdomain.Attempt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &paymentdomain.Attempt{ID: snowflake.ID(21), Status: paymentdomain.StatusPending}, nil
}

func (f *fakePayments) RequestRefund(ctx context.Context, attemptID snowflake.ID, amount *decimal.Decimal) (*paymentdomain.Refund, error) {
	f.refundAmount = amount
	if f.err != nil {
		return nil, f.err
	}
	return &paymentdomain.Refund{AttemptID: attemptID, Status: "approved"}, nil
}

func (f *fakePayments) CancelObligation(ctx context.Context, obligationID snowflake.ID, reason string) error {
	f.cancelActor = obscontext.ActorLabel(ctx)
	return f.err
}

func (f *fakePayments) SweepStaleAttempts(ctx context.Context, maxAge time.Duration, batch int) (int, error) {
	f.cancelActor = obscontext.ActorLabel(ctx)
	return 0, f.err
}

type fakeWebhooks struct {
	paymentdomain.Reconciler

	ingested  paymentdomain.InboundRequest
	ingestErr error
	simulated bool
}

func (f *fakeWebhooks) Ingest(ctx context.Context, req paymentdomain.InboundRequest) (snowflake.ID, error) {
	f.ingested = req
	if f.ingestErr != nil {
		return 0, f.ingestErr
	}
	return snowflake.ID(30), nil
}

func (f *fakeWebhooks) SimulateNotification(ctx context.Context, req paymentdomain.SimulateRequest) (paymentdomain.InboxStatus, error) {
	f.simulated = true
	return paymentdomain.InboxProcessed, nil
}

type fakeIntake struct {
	allowed bool
	err     error
	calls   []string
}

func (f *fakeIntake) Allow(ctx context.Context, provider string) (*ratelimit.RateLimitResult, error) {
	f.calls = append(f.calls, provider)
	if f.err != nil {
		return nil, f.err
	}
	return &ratelimit.RateLimitResult{Allowed: f.allowed, Limit: 10, RetryAfter: time.Second}, nil
}

type serverFixture struct {
	server      *Server
	engine      *gin.Engine
	obligations *fakeObligations
	payments    *fakePayments
	webhooks    *fakeWebhooks
}

func newServerFixture(t *testing.T, env string) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &serverFixture{
		engine:      gin.New(),
		obligations: &fakeObligations{},
		payments:    &fakePayments{},
		webhooks:    &fakeWebhooks{},
	}
	f.engine.Use(ErrorHandlingMiddleware())
	f.server = NewServer(ServerParams{
		Gin:         f.engine,
		Cfg:         config.Config{Environment: env},
		Log:         zap.NewNop(),
		Clock:       clock.NewFakeClock(serverNow),
		Obligations: f.obligations,
		Payments:    f.payments,
		Webhooks:    f.webhooks,
	})
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestWebhookIsAcknowledgedAfterIngest(t *testing.T) {
	f := newServerFixture(t, "test")

	rec := f.do(t, http.MethodPost, "/webhooks/mercadopago?type=payment&data.id=123", `{"type":"payment","data":{"id":"123"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mercadopago", f.webhooks.ingested.Provider)
	assert.Equal(t, http.MethodPost, f.webhooks.ingested.Method)
	assert.Equal(t, "123", f.webhooks.ingested.Query.Get("data.id"))
	assert.JSONEq(t, `{"type":"payment","data":{"id":"123"}}`, string(f.webhooks.ingested.Body))
}

func TestWebhookOverIntakeLimitIsDeferredNotRejected(t *testing.T) {
	f := newServerFixture(t, "test")
	intake := &fakeIntake{allowed: false}
	f.server.intake = intake

	rec := f.do(t, http.MethodPost, "/webhooks/mercadopago?type=payment&data.id=123", `{"type":"payment","data":{"id":"123"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"mercadopago"}, intake.calls)
	assert.True(t, f.webhooks.ingested.Deferred)
	assert.Equal(t, "123", f.webhooks.ingested.Query.Get("data.id"))
}

func TestWebhookIntakeLimiterOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		intake   *fakeIntake
		deferred bool
	}{
		{name: "within limit", intake: &fakeIntake{allowed: true}},
		{name: "limiter unavailable", intake: &fakeIntake{err: errors.New("redis down")}},
		{name: "over limit", intake: &fakeIntake{allowed: false}, deferred: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t, "test")
			f.server.intake = tt.intake

			rec := f.do(t, http.MethodPost, "/webhooks/mercadopago", `{"type":"payment","data":{"id":"9"}}`)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.deferred, f.webhooks.ingested.Deferred)
		})
	}
}

func TestWebhookForUnknownProvider(t *testing.T) {
	f := newServerFixture(t, "test")
	f.webhooks.ingestErr = paymentdomain.ErrProviderNotFound

	rec := f.do(t, http.MethodGet, "/webhooks/paypal?id=1", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "provider_not_found", decodeError(t, rec).Code)
}

func TestCreateObligation(t *testing.T) {
	f := newServerFixture(t, "test")

	rec := f.do(t, http.MethodPost, "/api/obligations", map[string]any{
		"owner_id":    "42",
		"description": "Monthly rent",
		"amount":      "1500.50",
		"due_date":    "2025-03-20",
		"category":    "service",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, snowflake.ID(42), f.obligations.created.OwnerID)
	assert.True(t, decimal.RequireFromString("1500.50").Equal(f.obligations.created.Amount))
	assert.Equal(t, time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC), f.obligations.created.DueDate)
	assert.Equal(t, obligationdomain.CategoryService, f.obligations.created.Category)
}

func TestCreateObligationRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{
			name: "missing owner",
			body: map[string]any{"description": "x", "amount": "1", "due_date": "2025-03-20"},
			code: "invalid_owner",
		},
		{
			name: "malformed due date",
			body: map[string]any{"owner_id": "42", "description": "x", "amount": "1", "due_date": "20/03/2025"},
			code: "invalid_due_date",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newServerFixture(t, "test")
			rec := f.do(t, http.MethodPost, "/api/obligations", tc.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			payload := decodeError(t, rec)
			require.Len(t, payload.Errors, 1)
			assert.Equal(t, tc.code, payload.Errors[0].Code)
		})
	}
}

func TestListObligationsPassesFilters(t *testing.T) {
	f := newServerFixture(t, "test")

	rec := f.do(t, http.MethodGet, "/api/obligations?owner_id=42&status=OVERDUE&include_archived=true&page_size=5", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snowflake.ID(42), f.obligations.listed.OwnerID)
	assert.Equal(t, obligationdomain.StatusOverdue, f.obligations.listed.Status)
	assert.True(t, f.obligations.listed.IncludeArchived)
	assert.Equal(t, 5, f.obligations.listed.PageSize)
}

func TestMalformedPathID(t *testing.T) {
	f := newServerFixture(t, "test")

	rec := f.do(t, http.MethodGet, "/api/obligations/abc", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_id", decodeError(t, rec).Errors[0].Code)
}

func TestGetObligationNotFound(t *testing.T) {
	f := newServerFixture(t, "test")
	f.obligations.getErr = obligationdomain.ErrNotFound

	rec := f.do(t, http.MethodGet, "/api/obligations/99", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "obligation_not_found", payload.Code)
	assert.Equal(t, "obligation not found", payload.Message)
}

func TestCancelObligationStampsOperator(t *testing.T) {
	f := newServerFixture(t, "test")

	rec := f.do(t, http.MethodPost, "/api/obligations/10/cancel", map[string]any{"reason": "duplicate"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "system", f.payments.cancelActor)
}

func TestAttemptErrorsMapToStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"active attempt", paymentdomain.ErrActiveAttemptExist, http.StatusConflict, "invalid_state_transition"},
		{"retry limit", paymentdomain.ErrRetryLimit, http.StatusConflict, "retry_limit"},
		{"not settleable", obligationdomain.ErrNotSettleable, http.StatusConflict, "invalid_state_transition"},
		{"gateway down", &paymentdomain.GatewayError{Provider: "mercadopago", Op: "create_checkout", StatusCode: 503, Retryable: true}, http.StatusBadGateway, "gateway_error"},
		{"gateway rejected", &paymentdomain.GatewayError{Provider: "mercadopago", Op: "create_checkout", StatusCode: 400}, http.StatusUnprocessableEntity, "gateway_rejected"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newServerFixture(t, "test")
			f.payments.err = tc.err

			rec := f.do(t, http.MethodPost, "/api/obligations/10/attempts", nil)

			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.typ, decodeError(t, rec).Type)
		})
	}
}

func TestCreateAttemptPassesPayer(t *testing.T) {
	f := newServerFixture(t, "test")

	rec := f.do(t, http.MethodPost, "/api/obligations/10/attempts", map[string]any{
		"payer": map[string]any{"email": "ana@example.com"},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, snowflake.ID(10), f.payments.created.ObligationID)
	assert.Equal(t, "ana@example.com", f.payments.created.Payer.Email)
}

func TestRefundAmount(t *testing.T) {
	t.Run("full refund", func(t *testing.T) {
		f := newServerFixture(t, "test")
		rec := f.do(t, http.MethodPost, "/api/attempts/20/refund", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, f.payments.refundAmount)
	})

	t.Run("partial refund", func(t *testing.T) {
		f := newServerFixture(t, "test")
		rec := f.do(t, http.MethodPost, "/api/attempts/20/refund", map[string]any{"amount": "25.50"})

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, f.payments.refundAmount)
		assert.True(t, decimal.RequireFromString("25.50").Equal(*f.payments.refundAmount))
	})

	t.Run("malformed amount", func(t *testing.T) {
		f := newServerFixture(t, "test")
		rec := f.do(t, http.MethodPost, "/api/attempts/20/refund", map[string]any{"amount": "ten"})

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_refund_amount", decodeError(t, rec).Errors[0].Code)
	})
}

func TestSimulateWebhookHiddenInProduction(t *testing.T) {
	f := newServerFixture(t, "production")

	rec := f.do(t, http.MethodPost, "/ops/webhooks/test", map[string]any{"attempt_id": "20", "status": "approved"})

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, f.webhooks.simulated)
}

func TestSimulateWebhook(t *testing.T) {
	f := newServerFixture(t, "development")

	rec := f.do(t, http.MethodPost, "/ops/webhooks/test", map[string]any{"attempt_id": "20", "status": "approved"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.webhooks.simulated)
}

func TestSweepOverdueUsesClock(t *testing.T) {
	f := newServerFixture(t, "test")
	f.obligations.swept = 4

	rec := f.do(t, http.MethodPost, "/ops/sweeps/overdue?batch=10", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, serverNow, f.obligations.sweptWith)
	assert.JSONEq(t, `{"data":{"processed":4}}`, rec.Body.String())
}

func TestSweepStaleAttemptsRunsAsOperator(t *testing.T) {
	f := newServerFixture(t, "test")

	rec := f.do(t, http.MethodPost, "/ops/sweeps/stale-attempts", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator:ops", f.payments.cancelActor)
}

func TestSweepRejectsBadBatch(t *testing.T) {
	f := newServerFixture(t, "test")

	rec := f.do(t, http.MethodPost, "/ops/sweeps/overdue?batch=-1", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	typ, code := classifyErrorForLog(obligationdomain.ErrInvalidAmount)
	assert.Equal(t, "validation_error", typ)
	assert.Equal(t, "invalid_amount", code)

	typ, code = classifyErrorForLog(apperr.ErrVersionConflict)
	assert.Equal(t, "conflict", typ)
	assert.Empty(t, code)
}
