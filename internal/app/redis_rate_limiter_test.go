package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestJudgeWindows(t *testing.T) {
	tests := []struct {
		name      string
		counts    []windowCount
		allowed   bool
		retryHint time.Duration
	}{
		{"under both limits", []windowCount{{limit: 30, count: 3, ttl: 40 * time.Second}, {limit: 10, count: 3, ttl: 40 * time.Second}}, true, 0},
		{"at the limit", []windowCount{{limit: 10, count: 10, ttl: time.Second}}, true, 0},
		{"identity bucket over", []windowCount{{limit: 30, count: 11, ttl: 50 * time.Second}, {limit: 10, count: 11, ttl: 12500 * time.Millisecond}}, false, 13 * time.Second},
		{"longest exceeded window wins", []windowCount{{limit: 1, count: 2, ttl: 20 * time.Second}, {limit: 1, count: 2, ttl: 45 * time.Second}}, false, 45 * time.Second},
		{"expiring window still waits a second", []windowCount{{limit: 1, count: 2, ttl: 0}}, false, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, retry := judgeWindows(tt.counts)
			if allowed != tt.allowed || retry != tt.retryHint {
				t.Fatalf("got allowed=%t retry=%s, want %t %s", allowed, retry, tt.allowed, tt.retryHint)
			}
		})
	}
}

func TestRedisRateLimiterKeys(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, " ledger: ", LoginRatePolicy{})
	if got := limiter.clientKey("203.0.113.7"); got != "ledger:login_rate:client:203.0.113.7" {
		t.Fatalf("unexpected client key %q", got)
	}
	if got := limiter.identityKey("a@example.com", "203.0.113.7"); got != "ledger:login_rate:identity:a@example.com:203.0.113.7" {
		t.Fatalf("unexpected identity key %q", got)
	}
	if limiter.policy.Window != time.Minute {
		t.Fatalf("expected default window, got %s", limiter.policy.Window)
	}

	rate, err := limiter.ConsumeLogin(context.Background(), "203.0.113.7", "a@example.com")
	if err != nil || !rate.Allowed {
		t.Fatalf("limiter without a client must allow, got %+v (%v)", rate, err)
	}
}

func TestRedisRateLimiterConsumeLogin(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set; skipping redis-backed test")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	prefix := "ledger-test-" + uuid.NewString()
	limiter := NewRedisRateLimiter(client, prefix, LoginRatePolicy{ClientLimit: 4, IdentityLimit: 2, Window: time.Minute})
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	for i := 1; i <= 2; i++ {
		rate, err := limiter.ConsumeLogin(ctx, "203.0.113.7", " Alice@Example.com ")
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !rate.Allowed || rate.IdentityCount != i || rate.ClientCount != i {
			t.Fatalf("request %d: unexpected %+v", i, rate)
		}
	}

	rate, err := limiter.ConsumeLogin(ctx, "203.0.113.7", "alice@example.com")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if rate.Allowed || rate.IdentityCount != 3 {
		t.Fatalf("third request for the same identity must be limited, got %+v", rate)
	}
	if rate.RetryAfter < time.Second || rate.RetryAfter > time.Minute {
		t.Fatalf("retry hint out of range: %s", rate.RetryAfter)
	}

	// Another identity from the same client still has its own budget until
	// the client bucket runs out.
	rate, _ = limiter.ConsumeLogin(ctx, "203.0.113.7", "bob@example.com")
	if !rate.Allowed || rate.ClientCount != 4 || rate.IdentityCount != 1 {
		t.Fatalf("other identity should pass, got %+v", rate)
	}
	rate, _ = limiter.ConsumeLogin(ctx, "203.0.113.7", "carol@example.com")
	if rate.Allowed || rate.ClientCount != 5 {
		t.Fatalf("client bucket must cap all identities, got %+v", rate)
	}

	rate, _ = limiter.ConsumeLogin(ctx, "198.51.100.1", "alice@example.com")
	if !rate.Allowed || rate.ClientCount != 1 || rate.IdentityCount != 1 {
		t.Fatalf("a different client is counted separately, got %+v", rate)
	}

	ttl, err := client.PTTL(ctx, limiter.identityKey("alice@example.com", "203.0.113.7")).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("identity bucket must expire with the window, ttl=%s err=%v", ttl, err)
	}
}
