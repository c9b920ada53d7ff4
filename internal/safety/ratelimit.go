package safety

import (
	"context"
	"sync"
	"time"

	"sia/internal/logging"
)

// RateLimiter spaces fetch starts per domain. One limiter lives for one
// ingestion call.
type RateLimiter struct {
	spacing time.Duration
	maxWait time.Duration

	mu   sync.Mutex
	last map[string]time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewRateLimiter creates a limiter for rpm requests per minute per domain.
// A single wait never exceeds maxWait.
func NewRateLimiter(rpm int, maxWait time.Duration) *RateLimiter {
	return &RateLimiter{
		spacing: time.Minute / time.Duration(max(1, rpm)),
		maxWait: maxWait,
		last:    make(map[string]time.Time),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Spacing returns the minimum gap between two fetch starts on one domain.
func (r *RateLimiter) Spacing() time.Duration { return r.spacing }

// Wait blocks until domain may be fetched again. If the remaining delay is
// longer than the cap it sleeps the cap and returns ErrRateLimited; the
// caller must then skip the URL.
func (r *RateLimiter) Wait(ctx context.Context, domain string) error {
	r.mu.Lock()
	last, seen := r.last[domain]
	r.mu.Unlock()
	if !seen {
		return nil
	}

	delay := last.Add(r.spacing).Sub(r.now())
	if delay <= 0 {
		return nil
	}
	if r.maxWait > 0 && delay > r.maxWait {
		if err := r.sleep(ctx, r.maxWait); err != nil {
			return err
		}
		logging.AuditPolicy(logging.AuditRateLimited, domain, "rate_limited")
		return ErrRateLimited
	}
	return r.sleep(ctx, delay)
}

// MarkFetch records the start of a fetch on domain.
func (r *RateLimiter) MarkFetch(domain string) {
	r.mu.Lock()
	r.last[domain] = r.now()
	r.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
