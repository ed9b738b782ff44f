// Package ratelimit implements a token bucket rate limiter keyed by
// circuit, so traffic through each relay stays below detection thresholds.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calyptra/tornet-scanner/internal/telemetry"
	"golang.org/x/time/rate"
)

// Limiter manages per-circuit rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
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

// Wait blocks until a token is available for the given circuit,
// respecting the context.
func (l *Limiter) Wait(ctx context.Context, circuit string) error {
	if circuit == "" {
		circuit = "unknown"
	}
	l.mu.Lock()
	limiter, exists := l.limiters[circuit]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[circuit] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if duration := time.Since(start); duration > time.Millisecond {
		telemetry.ObserveRateLimitDelay(circuit, duration)
	}
	return nil
}

// Forget drops the limiter state for a circuit after teardown.
func (l *Limiter) Forget(circuit string) {
	l.mu.Lock()
	delete(l.limiters, circuit)
	l.mu.Unlock()
}
