package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// WebhookGuard remembers processed gateway event ids for ttl.
type WebhookGuard struct {
	cache *Cache
	ttl   time.Duration
	scope string
}

func NewWebhookGuard(cache *Cache, ttl time.Duration, scope string) (*WebhookGuard, error) {
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &WebhookGuard{cache: cache, ttl: ttl, scope: scope}, nil
}

// CheckAndMark reports true when eventID was already marked.
func (g *WebhookGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.cache.SetNX(ctx, Key(g.scope, eventID), "1", g.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (g *WebhookGuard) Delete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.cache.Del(ctx, Key(g.scope, eventID))
}
