// Package ratelimit provides per-client rate limiting middleware for the
// trustgate API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/trustgate/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per client
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// CleanupInterval is how often idle clients are dropped
	CleanupInterval time.Duration
	// IdleTTL is how long a client may be idle before it is dropped
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		BurstSize:         40,
		CleanupInterval:   time.Minute,
		IdleTTL:           2 * time.Minute,
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks a token bucket per key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*client
	stop    chan struct{}
	once    sync.Once
}

// New creates a new rate limiter and starts its cleanup loop
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) {
	cutoff := now.Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
	l.mu.Unlock()
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key, time.Now()).Allow()
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// Middleware returns a Gin middleware that rate limits by client IP, or by
// bearer credential when one is presented.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(int(math.Ceil(1 / math.Max(l.cfg.RequestsPerSecond, 0.001))))
	return func(c *gin.Context) {
		key := c.ClientIP()
		if auth := c.GetHeader("Authorization"); auth != "" {
			auth = strings.TrimPrefix(auth, "Bearer ")
			key = "auth:" + auth[:min(20, len(auth))]
		}

		if !l.Allow(key) {
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
