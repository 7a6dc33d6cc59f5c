// Package ratelimiter throttles API callers with one token bucket per key.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 10 * time.Minute

type Config struct {
	RPS   float64
	Burst int
	// IdleTTL is how long an untouched bucket is kept. Zero means ten
	// minutes.
	IdleTTL time.Duration
}

// Buckets holds the token buckets of every caller seen within IdleTTL.
type Buckets struct {
	cfg       Config
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens  *rate.Limiter
	touched time.Time
}

// New returns nil, which admits every call, unless both RPS and Burst are
// positive.
func New(cfg Config) *Buckets {
	if cfg.RPS <= 0 || cfg.Burst <= 0 {
		return nil
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return &Buckets{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Allow takes a token from key's bucket at now. Blank keys are not limited.
func (b *Buckets) Allow(key string, now time.Time) bool {
	key = strings.TrimSpace(key)
	if b == nil || key == "" {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastSweep) >= b.cfg.IdleTTL {
		b.sweep(now)
	}
	bk := b.buckets[key]
	if bk == nil {
		bk = &bucket{tokens: rate.NewLimiter(rate.Limit(b.cfg.RPS), b.cfg.Burst)}
		b.buckets[key] = bk
	}
	bk.touched = now
	return bk.tokens.AllowN(now, 1)
}

// sweep drops buckets idle for longer than IdleTTL. A dropped bucket was
// full again anyway.
func (b *Buckets) sweep(now time.Time) {
	for k, bk := range b.buckets {
		if now.Sub(bk.touched) > b.cfg.IdleTTL {
			delete(b.buckets, k)
		}
	}
	b.lastSweep = now
}

// Len returns the number of tracked keys.
func (b *Buckets) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}
