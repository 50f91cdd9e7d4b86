package ensemble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// RateLimiter enforces the hourly free-tier request cap per user using a
// fixed window. With a Redis client the window is shared across processes;
// without one it falls back to an in-memory map. Premium requests are
// never limited.
type RateLimiter struct {
	limit  int
	redis  *core.RedisClient
	logger core.Logger

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	count int
	start time.Time
}

// NewRateLimiter creates an in-memory limiter.
func NewRateLimiter(limit int, logger core.Logger) *RateLimiter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RateLimiter{
		limit:   limit,
		logger:  logger,
		windows: make(map[string]*rateWindow),
	}
}

// SetRedis switches the limiter to a shared Redis-backed window.
func (l *RateLimiter) SetRedis(client *core.RedisClient) {
	l.redis = client
}

// Allow checks and consumes one request for the user in the current hourly
// window. A Redis failure degrades to the in-memory window rather than
// rejecting traffic.
func (l *RateLimiter) Allow(ctx context.Context, userID string, tier core.Tier) bool {
	if tier == core.TierPremium || l.limit <= 0 {
		return true
	}

	if l.redis != nil {
		key := fmt.Sprintf("rl:%s:%d", userID, time.Now().Unix()/3600)
		count, err := l.redis.IncrementWindow(ctx, key, time.Hour)
		if err == nil {
			return count <= int64(l.limit)
		}
		l.logger.Warn("Rate limiter Redis failure, using in-memory window", map[string]interface{}{
			"operation": "rate_limit",
			"error":     err.Error(),
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	w := l.windows[userID]
	if w == nil || now.Sub(w.start) >= time.Hour {
		w = &rateWindow{start: now}
		l.windows[userID] = w
	}
	w.count++
	return w.count <= l.limit
}
