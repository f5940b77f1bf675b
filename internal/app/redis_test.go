package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/banking-engine/internal/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisIdempotencyCache_GetSet(t *testing.T) {
	mr, client := newTestRedis(t)
	cache := NewRedisIdempotencyCache(client, "engine:", time.Hour)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	id := uuid.New()
	require.NoError(t, cache.Set(ctx, "K1", id))

	got, ok, err := cache.Get(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)
	assert.True(t, mr.Exists("engine:idempotency:K1"))
	assert.Equal(t, time.Hour, mr.TTL("engine:idempotency:K1"))

	mr.FastForward(2 * time.Hour)
	_, ok, err = cache.Get(ctx, "K1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisIdempotencyCache_CorruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	cache := NewRedisIdempotencyCache(client, "", 0)
	require.NoError(t, mr.Set("banking:idempotency:bad", "not-a-uuid"))

	_, _, err := cache.Get(context.Background(), "bad")
	assert.Error(t, err)
}

func TestRedisRateLimiter_WindowsFollowTheClock(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := newFakeClock()
	limiter := NewRedisRateLimiter(client, "engine", PerMinute(2, 0), clock.Now)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	for i := 1; i <= 2; i++ {
		d, err := limiter.Allow(ctx, RateLimitScopeExecute, alice)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Count)
	}
	d, err := limiter.Allow(ctx, RateLimitScopeExecute, alice)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	d, err = limiter.Allow(ctx, RateLimitScopeExecute, bob)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	start := clock.Now().UTC().Truncate(time.Minute)
	key := fmt.Sprintf("engine:rate_limit:execute:%s:%d", alice, start.Unix())
	assert.True(t, mr.Exists(key))

	clock.Advance(time.Minute)
	d, err = limiter.Allow(ctx, RateLimitScopeExecute, alice)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestRedisRateLimiter_DisabledScopes(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "engine", PerMinute(1, 0), nil)
	ctx := context.Background()
	client1 := uuid.New()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, RateLimitScopeServicePayment, client1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Zero(t, d.Count)

		d, err = limiter.Allow(ctx, "unknown", client1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	var nilLimiter *RedisRateLimiter
	d, err := nilLimiter.Allow(ctx, RateLimitScopeExecute, client1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestExecute_RateLimitedButReplaysPass(t *testing.T) {
	_, client := newTestRedis(t)
	f := newFixture(t)
	svc := f.newService(f.store, WithRateLimiter(NewRedisRateLimiter(client, "engine", PerMinute(2, 0), f.clock.Now)))
	src := f.account(100_000)
	dst := f.account(0)

	var first *domain.Transaction
	for i := 0; i < 2; i++ {
		tx, err := svc.Execute(context.Background(), f.transfer(src, dst, 1_000, fmt.Sprintf("limited-%d", i)))
		require.NoError(t, err)
		if first == nil {
			first = tx
		}
	}

	_, err := svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "limited-2"))
	var limited *RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))

	replay, err := svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "limited-0"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	f.clock.Advance(time.Minute)
	_, err = svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "limited-3"))
	require.NoError(t, err)
}

func TestPayService_HasItsOwnRateLimit(t *testing.T) {
	_, client := newTestRedis(t)
	f := newFixture(t)
	svc := f.newService(f.store, WithRateLimiter(NewRedisRateLimiter(client, "engine", PerMinute(1, 5), f.clock.Now)))
	src := f.account(100_000)
	dst := f.account(0)

	_, err := svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "transfer-0"))
	require.NoError(t, err)
	_, err = svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "transfer-1"))
	var limited *RateLimitError
	require.ErrorAs(t, err, &limited)

	d, err := svc.limiter.Allow(context.Background(), RateLimitScopeServicePayment, f.client)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestExecute_RateLimiterOutageFailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	f := newFixture(t)
	svc := f.newService(f.store, WithRateLimiter(NewRedisRateLimiter(client, "engine", PerMinute(1, 1), f.clock.Now)))
	src := f.account(100_000)
	dst := f.account(0)
	mr.Close()

	_, err := svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "redis-down"))
	require.NoError(t, err)
}

func TestLedger_UsesCacheAndFallsBackToStore(t *testing.T) {
	mr, client := newTestRedis(t)
	f := newFixture(t)
	cache := NewRedisIdempotencyCache(client, "engine", time.Hour)
	svc := f.newService(f.store, WithIdempotencyCache(cache))
	src := f.account(100_000)
	dst := f.account(0)

	tx, err := svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "cached"))
	require.NoError(t, err)

	id, ok, err := cache.Get(context.Background(), "cached")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tx.ID, id)

	known, err := svc.Ledger().IsKnown(context.Background(), "cached")
	require.NoError(t, err)
	assert.True(t, known)

	// The store stays authoritative when the cache is gone.
	mr.FlushAll()
	got, err := svc.Ledger().Lookup(context.Background(), "cached")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.ID, got.ID)
	assert.True(t, mr.Exists("engine:idempotency:cached"))

	mr.Close()
	got, err = svc.Ledger().Lookup(context.Background(), "cached")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	unknown, err := svc.Ledger().IsKnown(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, unknown)
}
