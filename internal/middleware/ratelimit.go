package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RateLimiter decides whether one more request fits in a key's window
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
}

func window(cfg *config.RateLimitConfig) time.Duration {
	if cfg.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(cfg.WindowSeconds) * time.Second
}

// RedisRateLimiter is a sliding window limiter over a Redis sorted set per key.
// Score and member are the request timestamp.
type RedisRateLimiter struct {
	client *redis.Client
	config *config.RateLimitConfig
}

// NewRedisRateLimiter creates a Redis-backed limiter
func NewRedisRateLimiter(client *redis.Client, cfg *config.RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, config: cfg}
}

// Allow fails open when Redis is unreachable
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	windowDuration := window(r.config)
	limit := r.config.UserLimit
	redisKey := fmt.Sprintf("ratelimit:sliding:%s", key)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-windowDuration).UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to check rate limit")
		return &RateLimitResult{Allowed: true, Remaining: int64(limit), Limit: limit}, nil
	}

	count := countCmd.Val()
	result := &RateLimitResult{Limit: limit, ResetAt: now.Add(windowDuration)}

	if count >= int64(limit) {
		result.RetryAfter = windowDuration
		oldest, err := r.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			result.RetryAfter = time.Unix(0, int64(oldest[0].Score)).Add(windowDuration).Sub(now)
			if result.RetryAfter <= 0 {
				result.RetryAfter = time.Second
			}
		}
		return result, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
	if err := r.client.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to add rate limit entry")
	}
	r.client.Expire(ctx, redisKey, windowDuration*2)

	result.Allowed = true
	result.Remaining = max(int64(limit)-count-1, 0)
	return result, nil
}

// MemoryRateLimiter is a per-process sliding window limiter
type MemoryRateLimiter struct {
	config *config.RateLimitConfig
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryRateLimiter creates an in-memory limiter
func NewMemoryRateLimiter(cfg *config.RateLimitConfig) *MemoryRateLimiter {
	return &MemoryRateLimiter{config: cfg, now: time.Now, hits: make(map[string][]time.Time)}
}

func (m *MemoryRateLimiter) Allow(_ context.Context, key string) (*RateLimitResult, error) {
	now := m.now()
	windowDuration := window(m.config)
	limit := m.config.UserLimit

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-windowDuration)
	hits := m.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	result := &RateLimitResult{Limit: limit, ResetAt: now.Add(windowDuration)}
	if len(hits) >= limit {
		m.hits[key] = hits
		result.RetryAfter = hits[0].Add(windowDuration).Sub(now)
		if result.RetryAfter <= 0 {
			result.RetryAfter = time.Second
		}
		return result, nil
	}

	m.hits[key] = append(hits, now)
	result.Allowed = true
	result.Remaining = int64(limit - len(hits) - 1)
	return result, nil
}

// RateLimit limits requests per authenticated user. It must run after JWTAuth.
func RateLimit(limiter RateLimiter, cfg *config.RateLimitConfig, route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled || limiter == nil {
			c.Next()
			return
		}
		userID := GetUserIDFromContext(c)
		if userID == "" {
			c.Next()
			return
		}

		res, err := limiter.Allow(c.Request.Context(), route+":"+userID)
		if err != nil {
			log.Warn().Err(err).Str("route", route).Msg("Rate limiter failed, allowing request")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			monitoring.RecordRateLimitHit(route)
			retry := int(res.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			RespondWithError(c, apierrors.ErrRateLimitedError)
			c.Abort()
			return
		}
		c.Next()
	}
}
