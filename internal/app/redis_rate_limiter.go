package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// loginWindowScript counts one request against every key in KEYS. A key gets
// the window (ARGV[1], milliseconds) as its expiry when first created. The
// reply is {count, pttl} for each key, in order.
var loginWindowScript = redis.NewScript(`
local reply = {}
for _, key in ipairs(KEYS) do
  local count = redis.call("INCR", key)
  if count == 1 then
    redis.call("PEXPIRE", key, ARGV[1])
  end
  local ttl = redis.call("PTTL", key)
  if ttl < 0 then
    redis.call("PEXPIRE", key, ARGV[1])
    ttl = tonumber(ARGV[1])
  end
  reply[#reply + 1] = count
  reply[#reply + 1] = ttl
end
return reply
`)

// LoginRatePolicy bounds login requests per fixed window. ClientLimit caps
// all requests from one client address. IdentityLimit caps requests from one
// client address for one normalized email, so a single client cannot burn
// through another user's lockout budget. A non-positive limit disables its
// bucket.
type LoginRatePolicy struct {
	ClientLimit   int
	IdentityLimit int
	Window        time.Duration
}

// LoginRate is the outcome of counting one login request.
type LoginRate struct {
	Allowed       bool
	ClientCount   int
	IdentityCount int
	RetryAfter    time.Duration
}

// RateLimiter counts login requests before the credentials are checked.
type RateLimiter interface {
	ConsumeLogin(ctx context.Context, client, email string) (LoginRate, error)
}

// windowCount is one bucket's state after a request was counted.
type windowCount struct {
	limit int
	count int
	ttl   time.Duration
}

// judgeWindows allows the request unless a bucket went over its limit. The
// retry hint is the longest remaining window among those buckets, rounded up
// to whole seconds.
func judgeWindows(counts []windowCount) (bool, time.Duration) {
	var retryAfter time.Duration
	allowed := true
	for _, c := range counts {
		if c.count <= c.limit {
			continue
		}
		allowed = false
		if c.ttl > retryAfter {
			retryAfter = c.ttl
		}
	}
	if allowed {
		return true, 0
	}
	retryAfter = ((retryAfter + time.Second - 1) / time.Second) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter
}

// RedisRateLimiter keeps the login windows in Redis next to the failed-login
// counters, under <prefix>:login_rate:client:<addr> and
// <prefix>:login_rate:identity:<email>:<addr>.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	policy LoginRatePolicy
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, policy LoginRatePolicy) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger"
	}
	if policy.Window < time.Second {
		policy.Window = time.Minute
	}
	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix + ":login_rate:",
		policy: policy,
	}
}

func (r *RedisRateLimiter) clientKey(addr string) string {
	return r.prefix + "client:" + addr
}

func (r *RedisRateLimiter) identityKey(identity, addr string) string {
	return r.prefix + "identity:" + identity + ":" + addr
}

// ConsumeLogin counts one login request from addr for email. Both buckets
// are incremented by the same script call.
func (r *RedisRateLimiter) ConsumeLogin(ctx context.Context, addr, email string) (LoginRate, error) {
	addr = strings.TrimSpace(addr)
	if r == nil || r.client == nil || addr == "" {
		return LoginRate{Allowed: true}, nil
	}

	var keys []string
	var limits []int
	clientIdx, identityIdx := -1, -1
	if r.policy.ClientLimit > 0 {
		clientIdx = len(keys)
		keys = append(keys, r.clientKey(addr))
		limits = append(limits, r.policy.ClientLimit)
	}
	if identity := NormalizeEmail(email); identity != "" && r.policy.IdentityLimit > 0 {
		identityIdx = len(keys)
		keys = append(keys, r.identityKey(identity, addr))
		limits = append(limits, r.policy.IdentityLimit)
	}
	if len(keys) == 0 {
		return LoginRate{Allowed: true}, nil
	}

	raw, err := loginWindowScript.Run(ctx, r.client, keys, r.policy.Window.Milliseconds()).Result()
	if err != nil {
		return LoginRate{}, fmt.Errorf("login rate script: %w", err)
	}
	counts, err := parseWindowReply(raw, limits)
	if err != nil {
		return LoginRate{}, err
	}

	rate := LoginRate{}
	rate.Allowed, rate.RetryAfter = judgeWindows(counts)
	if clientIdx >= 0 {
		rate.ClientCount = counts[clientIdx].count
	}
	if identityIdx >= 0 {
		rate.IdentityCount = counts[identityIdx].count
	}
	return rate, nil
}

func parseWindowReply(raw interface{}, limits []int) ([]windowCount, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2*len(limits) {
		return nil, fmt.Errorf("unexpected login rate reply: %T (%v)", raw, raw)
	}
	counts := make([]windowCount, len(limits))
	for i, limit := range limits {
		count, ok := values[2*i].(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected login rate count type: %T", values[2*i])
		}
		ttlMs, ok := values[2*i+1].(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected login rate ttl type: %T", values[2*i+1])
		}
		counts[i] = windowCount{limit: limit, count: int(count), ttl: time.Duration(ttlMs) * time.Millisecond}
	}
	return counts, nil
}
