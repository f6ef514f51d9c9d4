package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/internal/observability/tracing"
	"github.com/smallbiznis/duesync/internal/payment/domain"
)

const (
	ProviderName   = "mercadopago"
	defaultBaseURL = "https://api.mercadopago.com"
	maxErrorBody   = 4 << 10
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Provider, error) {
	token, _ := readString(cfg.Config, "access_token")
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrInvalidConfig.WithReason("mercadopago access_token is required")
	}

	baseURL, _ := readString(cfg.Config, "base_url")
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	secret, _ := readString(cfg.Config, "webhook_secret")
	notificationURL, _ := readString(cfg.Config, "notification_url")
	successURL, _ := readString(cfg.Config, "success_url")
	failureURL, _ := readString(cfg.Config, "failure_url")
	pendingURL, _ := readString(cfg.Config, "pending_url")

	return &Adapter{
		baseURL:         baseURL,
		accessToken:     token,
		webhookSecret:   strings.TrimSpace(secret),
		notificationURL: strings.TrimSpace(notificationURL),
		successURL:      strings.TrimSpace(successURL),
		failureURL:      strings.TrimSpace(failureURL),
		pendingURL:      strings.TrimSpace(pendingURL),
		client:          tracing.WrapHTTPClient(cfg.HTTPClient),
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

type Adapter struct {
	baseURL         string
	accessToken     string
	webhookSecret   string
	notificationURL string
	successURL      string
	failureURL      string
	pendingURL      string
	client          *http.Client
	now             func() time.Time
}

func (a *Adapter) Provider() string {
	return ProviderName
}

func (a *Adapter) StatusTable() *domain.StatusTable {
	return statusTable
}

type preferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	CategoryID string  `json:"category_id"`
	Quantity   int     `json:"quantity"`
	CurrencyID string  `json:"currency_id"`
	UnitPrice  float64 `json:"unit_price"`
}

type preferencePayer struct {
	Name           string                    `json:"name,omitempty"`
	Email          string                    `json:"email,omitempty"`
	Identification *preferenceIdentification `json:"identification,omitempty"`
}

type preferenceIdentification struct {
	Number string `json:"number"`
}

type preferenceRequest struct {
	Items              []preferenceItem  `json:"items"`
	Payer              preferencePayer   `json:"payer"`
	BackURLs           map[string]string `json:"back_urls,omitempty"`
	AutoReturn         string            `json:"auto_return,omitempty"`
	NotificationURL    string            `json:"notification_url,omitempty"`
	ExternalReference  string            `json:"external_reference"`
	Expires            bool              `json:"expires"`
	ExpirationDateFrom string            `json:"expiration_date_from"`
	ExpirationDateTo   string            `json:"expiration_date_to"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	BinaryMode         bool              `json:"binary_mode"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

const expiryLayout = "2006-01-02T15:04:05.000Z07:00"

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	now := a.now()
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(24 * time.Hour)
	}

	body := preferenceRequest{
		Items: []preferenceItem{{
			ID:         req.ObligationID.String(),
			Title:      req.Description,
			CategoryID: mapCategory(req.Category),
			Quantity:   1,
			CurrencyID: req.Currency,
			UnitPrice:  req.Amount.Round(2).InexactFloat64(),
		}},
		Payer: preferencePayer{
			Name:  req.Payer.Name,
			Email: req.Payer.Email,
		},
		NotificationURL:    a.notificationURL,
		ExternalReference:  req.ExternalRef,
		Expires:            true,
		ExpirationDateFrom: now.Format(expiryLayout),
		ExpirationDateTo:   expiresAt.UTC().Format(expiryLayout),
		Metadata:           map[string]string{"obligation_id": req.ObligationID.String()},
	}
	if req.Payer.Identification != "" {
		body.Payer.Identification = &preferenceIdentification{Number: req.Payer.Identification}
	}
	if backURLs := a.backURLs(req.ExternalRef); len(backURLs) > 0 {
		body.BackURLs = backURLs
		if backURLs["success"] != "" {
			body.AutoReturn = "approved"
		}
	}

	var out preferenceResponse
	if err := a.do(ctx, "create_checkout_session", http.MethodPost, "/checkout/preferences", body, &out); err != nil {
		return domain.CheckoutSession{}, err
	}
	if out.ID == "" {
		return domain.CheckoutSession{}, &domain.GatewayError{Provider: ProviderName, Op: "create_checkout_session", Message: "preference id missing in response"}
	}
	redirect := out.InitPoint
	if redirect == "" {
		redirect = out.SandboxInitPoint
	}
	return domain.CheckoutSession{SessionID: out.ID, RedirectURL: redirect}, nil
}

func (a *Adapter) backURLs(externalRef string) map[string]string {
	out := map[string]string{}
	for key, base := range map[string]string{"success": a.successURL, "failure": a.failureURL, "pending": a.pendingURL} {
		if base == "" {
			continue
		}
		out[key] = withQuery(base, "external_reference", externalRef)
	}
	return out
}

type paymentResponse struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	ExternalReference string          `json:"external_reference"`
	DateLastUpdated   *time.Time      `json:"date_last_updated"`
	Payer             struct {
		FirstName      string `json:"first_name"`
		LastName       string `json:"last_name"`
		Email          string `json:"email"`
		Identification struct {
			Number string `json:"number"`
		} `json:"identification"`
	} `json:"payer"`
}

func (a *Adapter) FetchPayment(ctx context.Context, paymentID string) (domain.PaymentInfo, error) {
	var raw json.RawMessage
	if err := a.do(ctx, "fetch_payment", http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &raw); err != nil {
		return domain.PaymentInfo{}, err
	}
	var out paymentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.PaymentInfo{}, &domain.GatewayError{Provider: ProviderName, Op: "fetch_payment", Message: "malformed payment", Err: err}
	}

	name := strings.TrimSpace(out.Payer.FirstName + " " + out.Payer.LastName)
	return domain.PaymentInfo{
		PaymentID:       out.ID.String(),
		Status:          strings.ToLower(strings.TrimSpace(out.Status)),
		StatusDetail:    out.StatusDetail,
		Amount:          out.TransactionAmount,
		Currency:        out.CurrencyID,
		ExternalRef:     out.ExternalReference,
		DateLastUpdated: out.DateLastUpdated,
		Payer: domain.Payer{
			Name:           name,
			Email:          out.Payer.Email,
			Identification: out.Payer.Identification.Number,
		},
		Raw: raw,
	}, nil
}

type refundResponse struct {
	ID     json.Number     `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

func (a *Adapter) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (domain.RefundInfo, error) {
	body := map[string]any{}
	if amount != nil {
		body["amount"] = amount.Round(2).InexactFloat64()
	}
	var out refundResponse
	if err := a.do(ctx, "refund", http.MethodPost, "/v1/payments/"+url.PathEscape(paymentID)+"/refunds", body, &out); err != nil {
		return domain.RefundInfo{}, err
	}
	return domain.RefundInfo{ID: out.ID.String(), Amount: out.Amount, Status: out.Status}, nil
}

// CancelSession expires the preference immediately. The processor has no
// delete for preferences.
func (a *Adapter) CancelSession(ctx context.Context, sessionID string) error {
	body := map[string]any{
		"expires":            true,
		"expiration_date_to": a.now().Format(expiryLayout),
	}
	return a.do(ctx, "cancel_session", http.MethodPut, "/checkout/preferences/"+url.PathEscape(sessionID), body, nil)
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (a *Adapter) do(ctx context.Context, op, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := domain.IdempotencyKey(ctx); key != "" && method != http.MethodGet {
		req.Header.Set("X-Idempotency-Key", key)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &domain.GatewayError{Provider: ProviderName, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &domain.GatewayError{
			Provider:   ProviderName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Message:    msg,
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.GatewayError{Provider: ProviderName, Op: op, Message: "malformed response", Err: err}
	}
	return nil
}

func withQuery(base, key, value string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s=%s", base, sep, key, url.QueryEscape(value))
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	switch cast := value.(type) {
	case string:
		return cast, true
	default:
		return "", false
	}
}
