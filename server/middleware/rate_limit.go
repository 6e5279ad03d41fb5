package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter is a per-client-IP token bucket.
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mutex      sync.RWMutex
	cleanup    *time.Ticker
	done       chan struct{}
	once       sync.Once
	logger     *zap.Logger
	defaultRPS int
	burst      int
	now        func() time.Time
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		done:       make(chan struct{}),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		now:        time.Now,
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig limits a route group with its own rate. Buckets are
// keyed by client IP and route group so groups do not share tokens.
func (rl *RateLimiter) RateLimitWithConfig(rps int, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		key := clientIP
		if rps != rl.defaultRPS || burst != rl.burst {
			key = clientIP + "|" + c.FullPath()
		}

		if !rl.allowRequestWithConfig(key, rps, burst) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.Int("rps", rps))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allowRequestWithConfig(key string, rps, burst int) bool {
	now := rl.now()

	rl.mutex.Lock()
	bucket, exists := rl.clients[key]
	if !exists {
		bucket = &ClientBucket{
			tokens:     float64(burst),
			lastUpdate: now,
		}
		rl.clients[key] = bucket
	}
	rl.mutex.Unlock()

	return bucket.allowRequest(now, rps, burst)
}

func (cb *ClientBucket) allowRequest(now time.Time, rps, burst int) bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if elapsed := now.Sub(cb.lastUpdate); elapsed > 0 {
		cb.tokens += elapsed.Seconds() * float64(rps)
		if cb.tokens > float64(burst) {
			cb.tokens = float64(burst)
		}
		cb.lastUpdate = now
	}

	if cb.tokens >= 1 {
		cb.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.removeIdle(10 * time.Minute)
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) removeIdle(idle time.Duration) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	removed := 0
	for key, bucket := range rl.clients {
		bucket.mutex.Lock()
		if now.Sub(bucket.lastUpdate) > idle {
			delete(rl.clients, key)
			removed++
		}
		bucket.mutex.Unlock()
	}
	return removed
}

func (rl *RateLimiter) GetClientStats(key string) (tokens int, lastUpdate time.Time, exists bool) {
	rl.mutex.RLock()
	bucket, exists := rl.clients[key]
	rl.mutex.RUnlock()

	if !exists {
		return 0, time.Time{}, false
	}

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()
	return int(bucket.tokens), bucket.lastUpdate, true
}

func (rl *RateLimiter) GetGlobalStats() map[string]any {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return map[string]any{
		"active_clients": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() {
		rl.cleanup.Stop()
		close(rl.done)
	})
}
