package mercadopago

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	provider, err := NewFactory().NewAdapter(domain.AdapterConfig{
		Config: map[string]any{
			"access_token":     "TEST-token",
			"base_url":         srv.URL,
			"webhook_secret":   "secret",
			"notification_url": "https://duesync.example/webhooks/mercadopago",
			"success_url":      "https://app.example/pay/success",
		},
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	adapter := provider.(*Adapter)
	adapter.now = func() time.Time { return time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC) }
	return adapter
}

func TestFactoryRequiresAccessToken(t *testing.T) {
	_, err := NewFactory().NewAdapter(domain.AdapterConfig{Config: map[string]any{}})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestCreateCheckoutSession(t *testing.T) {
	var got preferenceRequest
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer TEST-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"https://mp.example/checkout/pref-1"}`))
	})

	session, err := adapter.CreateCheckoutSession(context.Background(), domain.CheckoutRequest{
		ObligationID: 77,
		Amount:       decimal.RequireFromString("1500.50"),
		Currency:     "ARS",
		ExternalRef:  "OBL-77-01J",
		Description:  "Internet March",
		Category:     "fine",
		Payer:        domain.Payer{Email: "payer@example.com", Identification: "20123456"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pref-1", session.SessionID)
	assert.Equal(t, "https://mp.example/checkout/pref-1", session.RedirectURL)

	require.Len(t, got.Items, 1)
	assert.Equal(t, "tickets", got.Items[0].CategoryID)
	assert.Equal(t, 1500.5, got.Items[0].UnitPrice)
	assert.Equal(t, "OBL-77-01J", got.ExternalReference)
	assert.Equal(t, "2025-03-11T15:00:00.000Z", got.ExpirationDateTo)
	assert.Equal(t, "approved", got.AutoReturn)
	assert.Equal(t, "https://app.example/pay/success?external_reference=OBL-77-01J", got.BackURLs["success"])
	require.NotNil(t, got.Payer.Identification)
	assert.Equal(t, "20123456", got.Payer.Identification.Number)
}

func TestFetchPayment(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/123", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": 123,
			"status": "approved",
			"status_detail": "accredited",
			"transaction_amount": 1500.5,
			"currency_id": "ARS",
			"external_reference": "OBL-77-01J",
			"date_last_updated": "2025-03-10T11:00:00.000-04:00",
			"payer": {"email": "payer@example.com"}
		}`))
	})

	info, err := adapter.FetchPayment(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "123", info.PaymentID)
	assert.Equal(t, "approved", info.Status)
	assert.True(t, info.Amount.Equal(decimal.RequireFromString("1500.5")))
	assert.Equal(t, "OBL-77-01J", info.ExternalRef)
	require.NotNil(t, info.DateLastUpdated)
	assert.True(t, info.DateLastUpdated.Equal(time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)))
	assert.NotEmpty(t, info.Raw)
}

func TestErrorsCarryStatusAndRetryability(t *testing.T) {
	codes := []int{http.StatusNotFound, http.StatusTooManyRequests, http.StatusBadGateway}
	for _, code := range codes {
		code := code
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		})
		_, err := adapter.FetchPayment(context.Background(), "1")
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrGateway)

		var gwErr *domain.GatewayError
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, code, gwErr.StatusCode)
		assert.Equal(t, "nope", gwErr.Message)
		assert.Equal(t, code != http.StatusNotFound, gwErr.Retryable)
	}
}

func TestRefundSendsAmountAndIdempotencyKey(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/123/refunds", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-Idempotency-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 100.0, body["amount"])
		_, _ = w.Write([]byte(`{"id": 9, "amount": 100, "status": "approved"}`))
	})

	amount := decimal.RequireFromString("100")
	ctx := domain.WithIdempotencyKey(context.Background(), "key-1")
	refund, err := adapter.Refund(ctx, "123", &amount)
	require.NoError(t, err)
	assert.Equal(t, "9", refund.ID)
	assert.True(t, refund.Amount.Equal(amount))
}

func TestCancelSessionExpiresPreference(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/checkout/preferences/pref-1", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["expires"])
		assert.Equal(t, "2025-03-10T15:00:00.000Z", body["expiration_date_to"])
		_, _ = w.Write([]byte(`{"id":"pref-1"}`))
	})
	require.NoError(t, adapter.CancelSession(context.Background(), "pref-1"))
}

func TestVerifySignature(t *testing.T) {
	adapter := &Adapter{webhookSecret: "secret"}
	query := url.Values{"data.id": {"123"}, "type": {"payment"}}
	headers := http.Header{}
	headers.Set("x-request-id", "req-1")
	headers.Set("x-signature", "ts=1700000000,v1="+Sign("secret", "123", "req-1", "1700000000"))

	req := domain.InboundRequest{Query: query, Headers: headers}
	require.NoError(t, adapter.Verify(context.Background(), req))

	headers.Set("x-signature", "ts=1700000000,v1="+Sign("other", "123", "req-1", "1700000000"))
	assert.ErrorIs(t, adapter.Verify(context.Background(), req), domain.ErrInvalidSignature)

	headers.Del("x-signature")
	assert.ErrorIs(t, adapter.Verify(context.Background(), req), domain.ErrInvalidSignature)

	noSecret := &Adapter{}
	assert.ErrorIs(t, noSecret.Verify(context.Background(), req), domain.ErrInvalidSignature)
}

func TestVerifyReadsDataIDFromBody(t *testing.T) {
	adapter := &Adapter{webhookSecret: "secret"}
	headers := http.Header{}
	headers.Set("x-signature", "ts=1,v1="+Sign("secret", "abc", "", "1"))
	req := domain.InboundRequest{
		Query:   url.Values{},
		Headers: headers,
		Body:    []byte(`{"type":"payment","data":{"id":"ABC"}}`),
	}
	require.NoError(t, adapter.Verify(context.Background(), req))
}

func TestParseShapes(t *testing.T) {
	adapter := &Adapter{}
	tests := []struct {
		name     string
		query    url.Values
		body     string
		wantType string
		wantExt  string
		wantID   string
	}{
		{
			name:     "query type and data.id",
			query:    url.Values{"type": {"payment"}, "data.id": {"123"}},
			wantType: "payment",
			wantExt:  "123",
		},
		{
			name:     "body type and data.id",
			body:     `{"id": 9001, "type": "payment", "action": "payment.updated", "data": {"id": "123"}}`,
			wantType: "payment",
			wantExt:  "123",
			wantID:   "9001",
		},
		{
			name:     "legacy topic in query",
			query:    url.Values{"topic": {"payment"}, "id": {"456"}},
			wantType: "payment",
			wantExt:  "456",
		},
		{
			name:     "legacy topic and resource in body",
			body:     `{"topic": "payment", "resource": "https://api.mercadolibre.com/collections/notifications/789"}`,
			wantType: "payment",
			wantExt:  "789",
		},
		{
			name:     "merchant order passes through",
			body:     `{"type": "merchant_order", "data": {"id": 55}}`,
			wantType: "merchant_order",
			wantExt:  "55",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := tt.query
			if query == nil {
				query = url.Values{}
			}
			n, err := adapter.Parse(context.Background(), domain.InboundRequest{Query: query, Body: []byte(tt.body)})
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, n.Type)
			assert.Equal(t, tt.wantExt, n.ExternalID)
			assert.Equal(t, tt.wantID, n.ID)
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	adapter := &Adapter{}
	for _, body := range []string{`not json`, `{}`, `{"type":"payment"}`} {
		_, err := adapter.Parse(context.Background(), domain.InboundRequest{Query: url.Values{}, Body: []byte(body)})
		assert.ErrorIs(t, err, domain.ErrInvalidPayload, body)
	}
}

func TestStatusTableCoversVocabulary(t *testing.T) {
	table := (&Adapter{}).StatusTable()
	for _, status := range Vocabulary {
		_, err := table.Lookup(status)
		assert.NoError(t, err, status)
	}
	local, err := table.Lookup("in_process")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, local)

	_, err = table.Lookup("mystery")
	assert.ErrorIs(t, err, domain.ErrUnmappedStatus)
}
