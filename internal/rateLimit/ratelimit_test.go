package rateLimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

type countingStore struct {
	counts map[string]int64
	err    error
}

func (s *countingStore) IncrWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.counts[key]++
	return s.counts[key], nil
}

func TestAllow(t *testing.T) {
	store := &countingStore{counts: map[string]int64{}}
	rl := NewRateLimiter(store, observability.NewNopLogger())
	ctx := context.Background()

	assert.True(t, rl.Allow(ctx, "user:1", 2, time.Minute))
	assert.True(t, rl.Allow(ctx, "user:1", 2, time.Minute))
	assert.False(t, rl.Allow(ctx, "user:1", 2, time.Minute))
	assert.True(t, rl.Allow(ctx, "user:2", 2, time.Minute))
	assert.Equal(t, int64(3), store.counts["resale:rl:user:1"])
}

func TestAllow_FailsOpen(t *testing.T) {
	rl := NewRateLimiter(&countingStore{err: errors.New("redis down")}, observability.NewNopLogger())
	assert.True(t, rl.Allow(context.Background(), "user:1", 1, time.Minute))
}

func TestAllow_Disabled(t *testing.T) {
	rl := NewRateLimiter(&countingStore{err: errors.New("unused")}, observability.NewNopLogger())
	assert.True(t, rl.Allow(context.Background(), "ip:1", 0, time.Minute))
}
