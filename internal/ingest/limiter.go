package ingest

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket per tenant. A nil *Limiter allows everything.
type Limiter struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewLimiter returns nil when perSecond <= 0, which disables limiting.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		perSec:  rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) Allow(tenantID string) bool {
	if l == nil {
		return true
	}
	return l.bucket(tenantID).Allow()
}

func (l *Limiter) bucket(tenantID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tenantID]
	if !ok {
		b = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[tenantID] = b
	}
	return b
}
