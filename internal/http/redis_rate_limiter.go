package httpx

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisRateLimiter shares counters across control-plane replicas. Counts ride
// a fixed window per key; INCR and the first-touch EXPIRE go out in one
// pipeline round trip. Redis trouble fails open so telemetry ingestion never
// stalls on the limiter.
type redisRateLimiter struct {
	client  *redis.Client
	log     *slog.Logger
	timeout time.Duration
}

const redisKeyPrefix = "dropme:ratelimit:"

func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisRateLimiter{
		client:  client,
		log:     logger.With("component", "rate_limiter"),
		timeout: 250 * time.Millisecond,
	}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	redisKey := redisKeyPrefix + key
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttlCmd := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.Error("redis rate limiter unavailable", "error", err)
		return rateDecision{allowed: true}
	}

	count := incr.Val()
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		// First hit in this window, or a counter left without an expiry.
		if err := rl.client.Expire(ctx, redisKey, window).Err(); err != nil {
			rl.log.Error("redis expire failed", "key", redisKey, "error", err)
		}
		ttl = window
	}
	return rateDecision{
		allowed:   count <= int64(limit),
		count:     int(count),
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}
