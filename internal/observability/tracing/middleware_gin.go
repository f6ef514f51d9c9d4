package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Spans are tagged with the
// calling actor and with the obligation, attempt, provider or inbox row the
// route addresses, so a webhook can be followed to the attempt it settled.
func GinMiddleware() gin.HandlerFunc {
	return ginMiddleware(otel.Tracer("duesync/http"))
}

func ginMiddleware(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		actorType, actorID := obscontext.ActorFromContext(ctx)
		span.SetAttributes(attribute.String("duesync.actor.type", actorType))
		if actorID != "" {
			span.SetAttributes(attribute.String("duesync.actor.id", actorID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		span.SetName("HTTP " + c.Request.Method + " " + route)
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		attrs = append(attrs, routeAttributes(route, c.Param)...)
		span.SetAttributes(SafeAttributes(attrs...)...)

		if c.Writer.Status() >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}

// routeAttributes maps the route's path parameters to the resource they name.
func routeAttributes(route string, param func(string) string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if provider := param("provider"); provider != "" {
		attrs = append(attrs, attribute.String("duesync.webhook.provider", provider))
	}
	id := param("id")
	if id == "" {
		return attrs
	}
	switch {
	case strings.Contains(route, "/obligations/"):
		attrs = append(attrs, attribute.String("duesync.obligation_id", id))
	case strings.Contains(route, "/attempts/"):
		attrs = append(attrs, attribute.String("duesync.attempt_id", id))
	case strings.Contains(route, "/webhooks/"):
		attrs = append(attrs, attribute.String("duesync.inbox_id", id))
	}
	return attrs
}
