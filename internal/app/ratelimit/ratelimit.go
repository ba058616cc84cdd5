// Package ratelimit provides token-bucket limiters, global and per key,
// for inbound HTTP traffic (grounded on the teacher's
// infrastructure/ratelimit package). Neither the API Surface nor the Front
// End's poll endpoint wires one in.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a RateLimiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns sensible defaults for the API Surface.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 100, Burst: 200}
}

// RateLimiter wraps golang.org/x/time/rate with a reset hook, matching the
// teacher's RateLimiter shape.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	config  Config
}

// New builds a RateLimiter.
func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow reports whether a request may proceed right now.
func (r *RateLimiter) Allow() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.Allow()
}

// Wait blocks until a request may proceed or ctx is canceled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.RLock()
	l := r.limiter
	r.mu.RUnlock()
	return l.Wait(ctx)
}

// Reset restores the limiter to a fresh bucket, used by tests that need a
// deterministic starting point.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
}

// PerKeyLimiter tracks one RateLimiter per key (client IP, API token, or
// ClientID), evicting idle entries older than ttl on each Allow call.
type PerKeyLimiter struct {
	mu      sync.Mutex
	cfg     Config
	ttl     time.Duration
	entries map[string]*perKeyEntry
}

type perKeyEntry struct {
	limiter *RateLimiter
	lastHit time.Time
}

// NewPerKeyLimiter builds a PerKeyLimiter; ttl bounds the idle-eviction
// window so a fleet of transient keys (e.g. agent ClientIDs) does not leak
// memory.
func NewPerKeyLimiter(cfg Config, ttl time.Duration) *PerKeyLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PerKeyLimiter{cfg: cfg, ttl: ttl, entries: map[string]*perKeyEntry{}}
}

// Allow reports whether the request bearing key may proceed, creating a
// fresh per-key limiter on first use.
func (p *PerKeyLimiter) Allow(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		e = &perKeyEntry{limiter: New(p.cfg)}
		p.entries[key] = e
	}
	e.lastHit = now
	p.evictLocked(now)
	return e.limiter.Allow()
}

func (p *PerKeyLimiter) evictLocked(now time.Time) {
	for k, e := range p.entries {
		if now.Sub(e.lastHit) > p.ttl {
			delete(p.entries, k)
		}
	}
}
