// Package ratelimit implements the per-connection token bucket that gates
// message sends.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config defines bucket behaviour.
type Config struct {
	Capacity       int           // bucket size
	RefillInterval time.Duration // one refill per completed interval
	RefillAmount   int           // tokens added per completed interval
	IdleTTL        time.Duration // buckets untouched this long are swept
}

// DefaultConfig returns the standard per-connection policy.
func DefaultConfig() Config {
	return Config{
		Capacity:       10,
		RefillInterval: 10 * time.Second,
		RefillAmount:   1,
		IdleTTL:        30 * time.Minute,
	}
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

// Limiter maintains lazily-created token buckets keyed by connection id.
// There is no background refill; tokens are topped up on each Consume from
// the elapsed time since the last refill.
type Limiter struct {
	mu      sync.Mutex
	buckets map[uuid.UUID]*bucket
	cfg     Config
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLimiter creates a limiter with the given config. Zero fields fall back
// to defaults.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = def.RefillInterval
	}
	if cfg.RefillAmount <= 0 {
		cfg.RefillAmount = def.RefillAmount
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}

	return &Limiter{
		buckets: make(map[uuid.UUID]*bucket),
		cfg:     cfg,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Consume takes one token from the connection's bucket, reporting whether
// the action is allowed. The first call for a connection creates the bucket
// with capacity-1 tokens remaining, so the first message always succeeds.
func (l *Limiter) Consume(connID uuid.UUID) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[connID]
	if !ok {
		l.buckets[connID] = &bucket{
			tokens:     l.cfg.Capacity - 1,
			lastRefill: now,
			lastSeen:   now,
		}
		return true
	}

	b.lastSeen = now

	// Lazy refill: each completed interval since the last refill adds
	// RefillAmount tokens, capped at capacity. lastRefill only advances by
	// whole intervals so partial elapsed time is not lost.
	if elapsed := now.Sub(b.lastRefill); elapsed >= l.cfg.RefillInterval {
		intervals := int(elapsed / l.cfg.RefillInterval)
		b.tokens += intervals * l.cfg.RefillAmount
		if b.tokens > l.cfg.Capacity {
			b.tokens = l.cfg.Capacity
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * l.cfg.RefillInterval)
	}

	if b.tokens <= 0 {
		return false
	}

	b.tokens--
	return true
}

// Release removes the connection's bucket. Called on disconnect; safe to
// call for unknown connections and repeatedly.
func (l *Limiter) Release(connID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, connID)
}

// Sweep removes buckets untouched for longer than the idle TTL and returns
// how many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}

	return removed
}

// StartSweeper runs Sweep on the given interval until Stop is called.
func (l *Limiter) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sweeper.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
