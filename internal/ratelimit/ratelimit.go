// Package ratelimit throttles inbound requests per client IP with token
// buckets from golang.org/x/time/rate.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/doseal/agentwallet/internal/metrics"
)

// Config sizes the per-client bucket.
type Config struct {
	RequestsPerMinute int
	Burst             int
	// Clients idle longer than IdleTTL are forgotten.
	IdleTTL time.Duration
}

// DefaultConfig allows one request per second with bursts of ten.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, Burst: 10, IdleTTL: 3 * time.Minute}
}

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	cfg     Config
	every   rate.Limit
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// New starts a limiter and its eviction loop. Call Stop to end the loop.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, cfg.RequestsPerMinute/6)
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &Limiter{
		cfg:     cfg,
		every:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		clients: make(map[string]*client),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.every, l.cfg.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

// Stop ends the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			n++
		}
	}
	return n
}

// Middleware refuses over-limit clients with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := max(1, int(time.Minute.Seconds())/l.cfg.RequestsPerMinute)
	return func(c *gin.Context) {
		if l.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RateLimitedTotal.WithLabelValues(path).Inc()
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": retryAfter,
		})
	}
}
