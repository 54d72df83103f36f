package runtime

import (
	"sync"

	"golang.org/x/time/rate"
)

// tenantLimiter throttles session starts per tenant with independent
// token buckets. Buckets are created lazily on first start and never
// expire; the map stays small because tenants are few and long-lived.
type tenantLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// newTenantLimiter builds a limiter refilling at perMinute starts per
// minute. A non-positive perMinute disables limiting (nil limiter).
func newTenantLimiter(perMinute float64, burst int) *tenantLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return &tenantLimiter{
		limit:   rate.Limit(perMinute / 60.0),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// allow consumes one start token for the tenant. A nil limiter always
// admits.
func (l *tenantLimiter) allow(tenantID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[tenantID]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[tenantID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}
