// Package ratelimiter builds token-bucket limiters for chat traffic.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// New returns a limiter that allows bursts of requests and refills at
// requests per window.
func New(requests int, window time.Duration) *rate.Limiter {
	if requests <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests)
}

type CleanupOpts struct {
	TTL      time.Duration
	Interval time.Duration
}

// KeyedLimiter keeps one bucket per key (participant id, ticket id, ...)
// and forgets keys that have been idle for longer than TTL.
type KeyedLimiter struct {
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	mu       sync.Mutex
	cancel   context.CancelFunc
	requests int
	window   time.Duration
	CleanupOpts
}

func NewKeyedLimiter(requests int, window time.Duration, cleanupOpts CleanupOpts) *KeyedLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	kl := &KeyedLimiter{
		limiters:    make(map[string]*rate.Limiter),
		lastSeen:    make(map[string]time.Time),
		cancel:      cancel,
		requests:    requests,
		window:      window,
		CleanupOpts: cleanupOpts,
	}

	if kl.Interval > 0 {
		go kl.cleanup(ctx)
	}

	return kl
}

func (kl *KeyedLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(kl.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kl.mu.Lock()

			for key, ls := range kl.lastSeen {
				if time.Since(ls) > kl.TTL {
					delete(kl.limiters, key)
					delete(kl.lastSeen, key)
				}
			}

			kl.mu.Unlock()
		}
	}
}

func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	bucket, ok := kl.limiters[key]
	if !ok {
		bucket = New(kl.requests, kl.window)
		kl.limiters[key] = bucket
	}

	kl.lastSeen[key] = time.Now()
	allowed := bucket.Allow()
	if !allowed {
		slog.Warn("rate limit exceeded", "key", key)
	}
	return allowed
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// Close stops the cleanup goroutine.
func (kl *KeyedLimiter) Close() {
	kl.cancel()
}
