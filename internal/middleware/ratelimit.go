package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 3 * time.Minute
	limiterIdleEviction  = 5 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a token-bucket limit per client. Authenticated
// requests are keyed by user id so a user behind a shared NAT is not starved
// by neighbors; anonymous requests fall back to the client IP.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst per client.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go rl.evictIdle()
	return rl
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// evictIdle drops clients not seen recently so the map stays bounded.
func (rl *RateLimiter) evictIdle() {
	for {
		time.Sleep(limiterSweepInterval)
		rl.mu.Lock()
		for key, entry := range rl.clients {
			if time.Since(entry.lastSeen) > limiterIdleEviction {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Gin middleware that enforces the limit. It must run
// after AuthRequired on authenticated routes to pick up the user key.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserID(c)
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.get(key).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    429,
				"message": "too many requests, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RateLimit creates a RateLimiter and returns its middleware.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	return NewRateLimiter(rps, burst).Middleware()
}
