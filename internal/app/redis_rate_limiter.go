package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rate limit scopes, one per creating operation.
const (
	RateLimitScopeExecute        = "execute"
	RateLimitScopeServicePayment = "service_payment"
)

// RateLimit is the number of creations a client may make per window. A zero Requests
// disables the scope.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// RateLimits maps a scope to its limit. Scopes without an entry are not limited.
type RateLimits map[string]RateLimit

// PerMinute builds the limits of the execute and service payment scopes.
func PerMinute(execute, servicePayment int) RateLimits {
	return RateLimits{
		RateLimitScopeExecute:        {Requests: execute, Window: time.Minute},
		RateLimitScopeServicePayment: {Requests: servicePayment, Window: time.Minute},
	}
}

// RateDecision is the outcome of one admission.
type RateDecision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RateLimiter admits creations of a client against the limit of a scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope string, clientID uuid.UUID) (RateDecision, error)
}

// The key already names its window, so the expiry only garbage-collects it.
var windowCounterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisRateLimiter counts creations in fixed windows aligned on the engine clock. Every
// window gets its own key, <prefix>:rate_limit:<scope>:<client>:<window start>, so replicas
// sharing a Redis agree on the boundaries.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limits RateLimits
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limits RateLimits, now func() time.Time) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "banking"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix + ":rate_limit",
		limits: limits,
		now:    now,
	}
}

// Allow consumes one slot of the current window. Unknown or disabled scopes are always allowed.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope string, clientID uuid.UUID) (RateDecision, error) {
	if r == nil || r.client == nil {
		return RateDecision{Allowed: true}, nil
	}
	limit, ok := r.limits[scope]
	if !ok || limit.Requests <= 0 {
		return RateDecision{Allowed: true}, nil
	}
	window := limit.Window
	if window < time.Second {
		window = time.Second
	}

	now := r.now().UTC()
	start := now.Truncate(window)
	remaining := start.Add(window).Sub(now)

	key := fmt.Sprintf("%s:%s:%s:%d", r.prefix, scope, clientID, start.Unix())
	count, err := windowCounterScript.Run(ctx, r.client, []string{key}, (remaining + time.Second).Milliseconds()).Int()
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit %s: %w", scope, err)
	}

	d := RateDecision{Allowed: count <= limit.Requests, Count: count}
	if !d.Allowed {
		d.RetryAfter = remaining
	}
	return d, nil
}
