package api

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultLimiterCacheSize = 10000

// limiterSet holds one token bucket per account. Least recently seen
// accounts are evicted, which resets their bucket to full.
type limiterSet struct {
	mu       sync.Mutex
	limiters *lru.Cache[uuid.UUID, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// newLimiterSet returns nil (no limiting) when limit is not positive.
func newLimiterSet(size int, limit rate.Limit, burst int) *limiterSet {
	if limit <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	cache, err := lru.New[uuid.UUID, *rate.Limiter](size)
	if err != nil {
		cache, _ = lru.New[uuid.UUID, *rate.Limiter](defaultLimiterCacheSize)
	}
	return &limiterSet{limiters: cache, limit: limit, burst: burst}
}

// Allow reports whether accountID may make another call now.
func (s *limiterSet) Allow(accountID uuid.UUID) bool {
	if s == nil {
		return true
	}

	s.mu.Lock()
	limiter, ok := s.limiters.Get(accountID)
	if !ok {
		limiter = rate.NewLimiter(s.limit, s.burst)
		s.limiters.Add(accountID, limiter)
	}
	s.mu.Unlock()

	return limiter.Allow()
}
