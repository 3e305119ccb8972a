// Package ratelimit provides token bucket rate limiters. The HTTP surface uses
// a keyed limiter to bound how fast a single client can hit the mutating
// endpoints and probe verification codes.
package ratelimit

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

// Limiter is a token bucket.
type Limiter struct {
	mu       sync.Mutex
	now      Clock
	rate     float64 // tokens per second
	capacity float64
	tokens   float64
	last     time.Time // last refill
	used     time.Time // last successful take
}

// New creates a full bucket refilling at rate tokens per second up to burst.
func New(rate float64, burst int) *Limiter {
	return newWithClock(rate, burst, time.Now)
}

func newWithClock(rate float64, burst int, now Clock) *Limiter {
	return &Limiter{
		now:      now,
		rate:     rate,
		capacity: float64(burst),
		tokens:   float64(burst),
		last:     now(),
	}
}

// Allow consumes one token.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN consumes n tokens if all of them are available.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens < float64(n) {
		return false
	}
	l.tokens -= float64(n)
	l.used = l.last
	return true
}

// Tokens returns the tokens currently available.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// idle reports whether the bucket is full and untouched for longer than d.
func (l *Limiter) idle(at time.Time, d time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return at.Sub(l.used) >= d && l.tokens >= l.capacity
}

func (l *Limiter) refillLocked() {
	now := l.now()
	if elapsed := now.Sub(l.last).Seconds(); elapsed > 0 {
		l.tokens = min(l.capacity, l.tokens+elapsed*l.rate)
	}
	l.last = now
}

// KeyedLimiter keeps one bucket per key, typically a client address. Idle
// full buckets are evicted every cleanup interval.
type KeyedLimiter struct {
	mu       sync.Mutex
	now      Clock
	limiters map[string]*Limiter
	rate     float64
	burst    int
	cleanup  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewKeyed creates a per-key limiter and starts its eviction loop.
func NewKeyed(rate float64, burst int, cleanup time.Duration) *KeyedLimiter {
	return newKeyedWithClock(rate, burst, cleanup, time.Now)
}

func newKeyedWithClock(rate float64, burst int, cleanup time.Duration, now Clock) *KeyedLimiter {
	kl := &KeyedLimiter{
		now:      now,
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		cleanup:  cleanup,
		stop:     make(chan struct{}),
	}
	go kl.evictLoop()
	return kl
}

// Close stops the eviction loop. It is safe to call more than once.
func (kl *KeyedLimiter) Close() {
	kl.stopOnce.Do(func() { close(kl.stop) })
}

// Allow consumes one token from the bucket of key.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	l, ok := kl.limiters[key]
	if !ok {
		l = newWithClock(kl.rate, kl.burst, kl.now)
		kl.limiters[key] = l
	}
	kl.mu.Unlock()

	return l.Allow()
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// Evict drops buckets that are full and idle for a whole cleanup interval.
func (kl *KeyedLimiter) Evict() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	at := kl.now()
	evicted := 0
	for key, l := range kl.limiters {
		if l.idle(at, kl.cleanup) {
			delete(kl.limiters, key)
			evicted++
		}
	}
	return evicted
}

func (kl *KeyedLimiter) evictLoop() {
	ticker := time.NewTicker(kl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stop:
			return
		case <-ticker.C:
			kl.Evict()
		}
	}
}
