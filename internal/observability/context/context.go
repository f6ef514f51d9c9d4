// Package context carries correlation values (request id, owner, actor)
// through request and worker contexts for logging and tracing.
package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	ownerIDKey
	actorKey
	notificationIDKey
)

type actor struct {
	kind string
	id   string
}

const (
	ActorSystem    = "system"
	ActorOperator  = "operator"
	ActorProcessor = "processor"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, strings.TrimSpace(ownerID))
}

func OwnerIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ownerIDKey).(string)
	return v
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actor{
		kind: strings.TrimSpace(actorType),
		id:   strings.TrimSpace(actorID),
	})
}

// ActorFromContext returns the actor type and id, defaulting to system.
func ActorFromContext(ctx context.Context) (string, string) {
	v, ok := ctx.Value(actorKey).(actor)
	if !ok || v.kind == "" {
		return ActorSystem, ""
	}
	return v.kind, v.id
}

// ActorLabel renders the actor as "type" or "type:id" for history rows.
func ActorLabel(ctx context.Context) string {
	kind, id := ActorFromContext(ctx)
	if id == "" {
		return kind
	}
	return kind + ":" + id
}

func WithNotificationID(ctx context.Context, notificationID string) context.Context {
	return context.WithValue(ctx, notificationIDKey, strings.TrimSpace(notificationID))
}

func NotificationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(notificationIDKey).(string)
	return v
}
