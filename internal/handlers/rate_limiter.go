package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/cart/internal/platform/auth"
	"github.com/hanko-field/cart/internal/platform/httpx"
	"github.com/hanko-field/cart/internal/platform/observability"
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

// RateDecision reports the outcome of a single Allow call.
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// redisRateLimiter shares counters across replicas using INCR on a per-window key.
type redisRateLimiter struct {
	client goredis.Cmdable
	prefix string
	limit  int
	window time.Duration
	clock  func() time.Time
}

// NewRedisRateLimiter constructs a fixed window limiter backed by Redis.
func NewRedisRateLimiter(client goredis.Cmdable, keyPrefix string, limit int, window time.Duration, clock func() time.Time) RateLimiter {
	if client == nil || limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &redisRateLimiter{
		client: client,
		prefix: keyPrefix + "rate_limit:",
		limit:  limit,
		window: window,
		clock:  clock,
	}
}

func (l *redisRateLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	now := l.clock()
	slot := now.UnixNano() / int64(l.window)
	reset := time.Unix(0, (slot+1)*int64(l.window))
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, normaliseRateKey(key), slot)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return RateDecision{Allowed: true, Limit: l.limit, Remaining: l.limit, Reset: reset}, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return RateDecision{Allowed: true, Limit: l.limit, Reset: reset}, err
		}
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{
		Allowed:   int(count) <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

// memoryRateLimiter keeps per-process counters; used when Redis is not wired.
type memoryRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]rateEntry
}

type rateEntry struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter constructs an in-process fixed window limiter.
func NewMemoryRateLimiter(limit int, window time.Duration, clock func() time.Time) RateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &memoryRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateEntry),
	}
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string) (RateDecision, error) {
	key = normaliseRateKey(key)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || now.After(entry.reset) {
		entry = rateEntry{count: 1, reset: now.Add(l.window)}
		l.store[key] = entry
		l.pruneExpiredLocked(now)
		return RateDecision{Allowed: true, Limit: l.limit, Remaining: l.limit - 1, Reset: entry.reset}, nil
	}

	if entry.count >= l.limit {
		return RateDecision{Allowed: false, Limit: l.limit, Remaining: 0, Reset: entry.reset}, nil
	}
	entry.count++
	l.store[key] = entry
	return RateDecision{Allowed: true, Limit: l.limit, Remaining: l.limit - entry.count, Reset: entry.reset}, nil
}

func (l *memoryRateLimiter) pruneExpiredLocked(now time.Time) {
	for key, entry := range l.store {
		if now.After(entry.reset) {
			delete(l.store, key)
		}
	}
}

func normaliseRateKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "anonymous"
	}
	return key
}

// RateLimitMiddleware rejects requests over the limit with 429. The key is the authenticated
// user, falling back to the remote address. Limiter failures let the request through.
func RateLimitMiddleware(limiter RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := r.RemoteAddr
			if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UserID != "" {
				key = "user:" + identity.UserID
			}

			decision, err := limiter.Allow(ctx, key)
			if err != nil {
				observability.FromContext(ctx).Warn("rate limiter unavailable",
					zap.Error(err),
					zap.String("requestId", middleware.GetReqID(ctx)),
				)
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			header.Set("X-RateLimit-Reset", decision.Reset.UTC().Format(time.RFC3339))
			if !decision.Allowed {
				apiErr := httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests)
				apiErr.RetryAfter = time.Until(decision.Reset)
				if apiErr.RetryAfter < time.Second {
					apiErr.RetryAfter = time.Second
				}
				observability.FromContext(ctx).Warn("rate limit exceeded", zap.String("key", key), zap.Int("limit", decision.Limit))
				httpx.WriteError(ctx, w, apiErr)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
