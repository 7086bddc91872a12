package httpapi

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/zephyrr-ci/zephyr/internal/metrics"
)

// redisRateLimiter counts requests in fixed window buckets so limits
// survive orchestrator restarts and hold across replicas sharing one
// Redis. The bucket index is part of the key, which makes INCR+EXPIRE
// safe to pipeline: a key only ever belongs to one window, so the
// expiry never needs to be re-armed or raced against.
type redisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	metrics metrics.Sink
	timeout time.Duration
}

const redisKeyspace = "zephyr:ratelimit"

// NewRedisRateLimiter constructs a Redis backed rate limiter. Redis
// unavailability fails open: jobs keep triggering, and the outage is
// visible on the rate_limit_hits_total{route="redis_error"} counter.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger, sink metrics.Sink) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis rate limiter: %w", err)
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		metrics: sink,
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

	bucket := time.Now().UnixNano() / int64(window)
	bucketKey := fmt.Sprintf("%s:%s:%d", redisKeyspace, key, bucket)
	windowEnd := time.Unix(0, (bucket+1)*int64(window))

	pipe := rl.client.TxPipeline()
	counter := pipe.Incr(ctx, bucketKey)
	// Two windows of retention keeps the key around long enough for
	// Retry-After headers computed at the window edge.
	pipe.Expire(ctx, bucketKey, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.failOpen(err)
		return rateDecision{allowed: true}
	}

	count := int(counter.Val())
	return rateDecision{
		allowed:   count <= limit,
		count:     count,
		windowEnd: windowEnd,
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

// failOpen records the outage and lets the request through; the edge
// must not refuse pipeline triggers because Redis is down.
func (rl *redisRateLimiter) failOpen(err error) {
	rl.metrics.IncCounter(metrics.MetricRateLimitHits, map[string]string{"route": "redis_error"})
	if rl.logger != nil {
		rl.logger.Error("redis rate limiter unavailable, failing open", "error", err)
	}
}
