package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"paper-trading-core/pkg/logger"
)

const requestIDKey = "RequestID"

// ipRateLimiter keeps one token bucket per client IP. Buckets are dropped
// periodically so idle clients do not accumulate.
type ipRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	done     chan struct{}
	once     sync.Once
}

func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = 50
	}
	l := &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		done:     make(chan struct{}),
	}
	go l.cleanup(5 * time.Minute)
	return l
}

func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[ip]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Check again in case another goroutine created it
	if limiter, exists := l.limiters[ip]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[ip] = limiter
	return limiter
}

func (l *ipRateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.limiters = make(map[string]*rate.Limiter)
			l.mu.Unlock()
		}
	}
}

func (l *ipRateLimiter) Close() {
	l.once.Do(func() { close(l.done) })
}

// Middleware rejects clients that exceed their bucket with 429.
func (l *ipRateLimiter) Middleware() gin.HandlerFunc {
	log := logger.Component("api")
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !l.get(ip).Allow() {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context. Handlers pass the context
// to the engine, so a slow feed call returns DataUnavailable instead of
// hanging the request.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger logs every request with timing and status.
func RequestLogger() gin.HandlerFunc {
	log := logger.Component("api")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		evt := log.Info()
		if status >= http.StatusInternalServerError {
			evt = log.Error()
		} else if status >= http.StatusBadRequest {
			evt = log.Warn()
		}
		evt.Str("request_id", c.GetString(requestIDKey)).
			Str("method", method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
