package mailer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter gates sends against a project's rate_limit_per_minute and
// rate_limit_per_hour columns. The columns are advisory unless a
// limiter is wired in (rate_limit.enabled in config).
type Limiter interface {
	Allow(ctx context.Context, project *Project) (bool, error)
}

// localCounter tracks fixed-window counts for one project.
type localCounter struct {
	minute  int
	hourly  int
	lastMin time.Time
	lastHr  time.Time
}

// LocalLimiter keeps fixed-window counters in process memory. Good
// enough for a single-process deployment; counts reset on restart.
type LocalLimiter struct {
	mu       sync.Mutex
	counters map[int64]*localCounter
}

// NewLocalLimiter creates an in-process limiter
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{counters: make(map[int64]*localCounter)}
}

// Allow checks and consumes one send slot for the project.
func (l *LocalLimiter) Allow(ctx context.Context, project *Project) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[project.ID]
	if !ok {
		now := time.Now()
		c = &localCounter{lastMin: now, lastHr: now}
		l.counters[project.ID] = c
	}

	now := time.Now()
	if now.Sub(c.lastMin) > time.Minute {
		c.minute = 0
		c.lastMin = now
	}
	if now.Sub(c.lastHr) > time.Hour {
		c.hourly = 0
		c.lastHr = now
	}

	if project.RateLimitPerMinute > 0 && c.minute >= project.RateLimitPerMinute {
		return false, nil
	}
	if project.RateLimitPerHour > 0 && c.hourly >= project.RateLimitPerHour {
		return false, nil
	}

	c.minute++
	c.hourly++
	return true, nil
}

// RedisLimiter keeps the fixed-window counters in Redis so multiple
// processes share them. Keys expire with their window.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow checks and consumes one send slot for the project.
func (l *RedisLimiter) Allow(ctx context.Context, project *Project) (bool, error) {
	now := time.Now().UTC()
	minuteKey := fmt.Sprintf("relay:rl:%d:m:%s", project.ID, now.Format("200601021504"))
	hourKey := fmt.Sprintf("relay:rl:%d:h:%s", project.ID, now.Format("2006010215"))

	pipe := l.client.TxPipeline()
	minuteCount := pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, 2*time.Minute)
	hourCount := pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}

	if project.RateLimitPerMinute > 0 && minuteCount.Val() > int64(project.RateLimitPerMinute) {
		return false, nil
	}
	if project.RateLimitPerHour > 0 && hourCount.Val() > int64(project.RateLimitPerHour) {
		return false, nil
	}
	return true, nil
}
