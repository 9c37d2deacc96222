package main

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token bucket per key. Keys that stay quiet for
// longer than the idle TTL are dropped, and the cache never grows past its
// size bound.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func NewKeyedLimiter(limit rate.Limit, burst, size int, idleTTL time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](size, nil, idleTTL),
		limit:    limit,
		burst:    burst,
	}
}

// NewRateLimiter limits WebSocket upgrades per client IP.
func NewRateLimiter(rps float64) *KeyedLimiter {
	return NewKeyedLimiter(rate.Limit(rps), int(rps)*2, 65536, 10*time.Minute)
}

// NewScreenThrottle admits at most one screen-data frame per user per
// interval.
func NewScreenThrottle(interval time.Duration, size int) *KeyedLimiter {
	return NewKeyedLimiter(rate.Every(interval), 1, size, interval*100)
}

func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	lim, ok := kl.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(kl.limit, kl.burst)
	}
	// Re-adding refreshes the idle TTL.
	kl.limiters.Add(key, lim)
	kl.mu.Unlock()

	return lim.Allow()
}

func (kl *KeyedLimiter) Len() int {
	return kl.limiters.Len()
}
