package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedEngine(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := obscontext.WithRequestID(c.Request.Context(), "req-42")
		ctx = obscontext.WithActor(ctx, obscontext.ActorOperator, "7")
		c.Request = c.Request.WithContext(ctx)
	})
	r.Use(ginMiddleware(provider.Tracer("test")))
	return r, recorder
}

func spanAttributes(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestGinMiddlewareTagsAttemptRoute(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.POST("/api/v1/attempts/:id/refund", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/attempts/31/refund", nil))
	require.Equal(t, http.StatusOK, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP POST /api/v1/attempts/:id/refund", spans[0].Name())
	attrs := spanAttributes(spans[0])
	assert.Equal(t, "31", attrs["duesync.attempt_id"])
	assert.Equal(t, "operator", attrs["duesync.actor.type"])
	assert.Equal(t, "7", attrs["duesync.actor.id"])
	assert.Equal(t, "req-42", attrs["request_id"])
	assert.NotContains(t, attrs, attribute.Key("duesync.obligation_id"))
}

func TestGinMiddlewareMarksServerErrors(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.POST("/webhooks/:provider", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "mercadopago", spanAttributes(spans[0])["duesync.webhook.provider"])
}

func TestRouteAttributes(t *testing.T) {
	params := func(values map[string]string) func(string) string {
		return func(key string) string { return values[key] }
	}

	attrs := routeAttributes("/api/v1/obligations/:id/attempts", params(map[string]string{"id": "5"}))
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.String("duesync.obligation_id", "5"), attrs[0])

	attrs = routeAttributes("/ops/webhooks/:id/replay", params(map[string]string{"id": "9"}))
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.String("duesync.inbox_id", "9"), attrs[0])

	assert.Empty(t, routeAttributes("/health", params(nil)))
}
