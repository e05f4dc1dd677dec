package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/dunning/internal/config"
	"go.uber.org/fx"
)

const keyWebhookIngest = "dunning:webhook:ingest:%s"

type Params struct {
	fx.In

	Cfg   config.Config
	Redis redis.UniversalClient `optional:"true"`
}

// WebhookLimiter bounds how fast one gateway may deliver webhooks.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewWebhookLimiter returns nil when rate limiting is disabled or no Redis is configured.
func NewWebhookLimiter(p Params) (*WebhookLimiter, error) {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled || p.Redis == nil {
		return nil, nil
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil, fmt.Errorf("webhook rate limit must be positive: %w", ErrInvalidLimit)
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(p.Redis),
		rate:   limitCfg.WebhookRate,
		burst:  limitCfg.WebhookBurst,
	}, nil
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *WebhookLimiter) AllowProvider(ctx context.Context, provider string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookIngest, provider), l.rate, l.burst)
}
