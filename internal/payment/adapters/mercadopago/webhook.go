package mercadopago

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/duesync/internal/payment/domain"
)

// Verify checks the x-signature header: an HMAC-SHA256 over the manifest
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;" keyed by the webhook
// secret. Parts missing from the request are left out of the manifest.
func (a *Adapter) Verify(ctx context.Context, req domain.InboundRequest) error {
	if a.webhookSecret == "" {
		return domain.ErrInvalidSignature.WithReason("webhook secret not configured")
	}
	header := strings.TrimSpace(req.Headers.Get("x-signature"))
	if header == "" {
		return domain.ErrInvalidSignature.WithReason("x-signature header missing")
	}
	ts, v1 := parseSignature(header)
	if ts == "" || v1 == "" {
		return domain.ErrInvalidSignature.WithReason("x-signature header malformed")
	}

	dataID := req.Query.Get("data.id")
	if dataID == "" {
		dataID = bodyDataID(req.Body)
	}
	expected := Sign(a.webhookSecret, dataID, req.Headers.Get("x-request-id"), ts)
	if !hmac.Equal([]byte(strings.ToLower(v1)), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex v1 signature for the given manifest parts.
func Sign(secret, dataID, requestID, ts string) string {
	var manifest strings.Builder
	if dataID != "" {
		manifest.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		manifest.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		manifest.WriteString("ts:" + ts + ";")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(manifest.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignature(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1
}

// flexID accepts ids sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	*f = flexID(data)
	return nil
}

type notificationBody struct {
	ID          flexID `json:"id"`
	Type        string `json:"type"`
	Topic       string `json:"topic"`
	Action      string `json:"action"`
	Resource    string `json:"resource"`
	DateCreated string `json:"date_created"`
	Data        struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

func bodyDataID(body []byte) string {
	var payload notificationBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return string(payload.Data.ID)
}

// Parse accepts the three delivery shapes the processor uses: query
// type+data.id, body {type, data.id} and the legacy {topic, id|resource}
// in either query or body.
func (a *Adapter) Parse(ctx context.Context, req domain.InboundRequest) (*domain.Notification, error) {
	n := &domain.Notification{}
	if t := req.Query.Get("type"); t != "" {
		n.Type = t
		n.ExternalID = req.Query.Get("data.id")
	} else if t := req.Query.Get("topic"); t != "" {
		n.Type = t
		n.ExternalID = req.Query.Get("id")
	}

	if len(bytes.TrimSpace(req.Body)) > 0 {
		var body notificationBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			if n.Type == "" {
				return nil, domain.ErrInvalidPayload
			}
		} else {
			legacy := body.Type == "" && body.Topic != ""
			if n.Type == "" {
				n.Type = body.Type
				if legacy {
					n.Type = body.Topic
				}
			}
			if n.ExternalID == "" {
				n.ExternalID = string(body.Data.ID)
			}
			if legacy {
				if n.ExternalID == "" {
					n.ExternalID = string(body.ID)
				}
				if n.ExternalID == "" {
					n.ExternalID = lastSegment(body.Resource)
				}
			} else {
				n.ID = string(body.ID)
			}
			n.Action = body.Action
			if created, err := time.Parse(time.RFC3339, body.DateCreated); err == nil {
				created = created.UTC()
				n.DateCreated = &created
			}
		}
	}

	n.Type = strings.ToLower(strings.TrimSpace(n.Type))
	n.ExternalID = strings.TrimSpace(n.ExternalID)
	if n.Type == "" || n.ExternalID == "" {
		return nil, domain.ErrInvalidPayload
	}
	return n, nil
}

func lastSegment(resource string) string {
	resource = strings.TrimRight(strings.TrimSpace(resource), "/")
	if idx := strings.LastIndex(resource, "/"); idx >= 0 {
		return resource[idx+1:]
	}
	return resource
}
