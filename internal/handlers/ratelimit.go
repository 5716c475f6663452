package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per client IP.
type RateLimiter struct {
	mu        sync.Mutex
	bucket    map[string]*clientLimiter
	rate      rate.Limit
	burstSize int
	idleAfter time.Duration
	lastSweep time.Time
	logger    *zap.Logger
	now       func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows reqRate requests per second with the given burst.
func NewRateLimiter(reqRate float64, burstSize int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		bucket:    make(map[string]*clientLimiter),
		rate:      rate.Limit(reqRate),
		burstSize: burstSize,
		idleAfter: 10 * time.Minute,
		logger:    logger.Named("rate_limiter"),
		now:       time.Now,
	}
}

// LimiterFor returns the bucket of one client, creating it on first use.
// Buckets idle for longer than idleAfter are dropped, at most once per idleAfter.
func (r *RateLimiter) LimiterFor(ip string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) > r.idleAfter {
		r.sweep(now)
	}

	cl, exist := r.bucket[ip]
	if !exist {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.rate, r.burstSize)}
		r.bucket[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (r *RateLimiter) sweep(now time.Time) {
	for key, cl := range r.bucket {
		if now.Sub(cl.lastSeen) > r.idleAfter {
			delete(r.bucket, key)
		}
	}
	r.lastSweep = now
}

// Middleware rejects requests over the client's budget with 429.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !r.LimiterFor(clientIP).Allow() {
			r.logger.Warn("too many requests", zap.String("client_ip", clientIP))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
