package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/duesync/internal/config"
	"go.uber.org/zap"
)

const keyWebhookIntake = "duesync:ratelimit:webhook:%s"

// IntakeLimiter bounds inbound webhook deliveries per provider. A nil
// limiter admits everything.
type IntakeLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewIntakeLimiter returns nil when redis or the limit is not configured.
func NewIntakeLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *IntakeLimiter {
	rate, burst := cfg.Webhook.IntakeRate, cfg.Webhook.IntakeBurst
	if rate <= 0 || burst <= 0 {
		return nil
	}
	if client == nil {
		log.Named("ratelimit").Warn("webhook intake limit configured without redis, limit disabled")
		return nil
	}
	return &IntakeLimiter{
		bucket: NewTokenBucket(client),
		rate:   rate,
		burst:  burst,
	}
}

func (l *IntakeLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *IntakeLimiter) Allow(ctx context.Context, provider string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhookIntake, strings.ToLower(strings.TrimSpace(provider)))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
