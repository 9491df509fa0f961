// Package ratelimit implements per-host token buckets for outbound backend
// requests.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/conversion-progress/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the host of rawURL, respecting
// the context. Waits longer than a millisecond are recorded.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Hosts returns how many hosts currently have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
