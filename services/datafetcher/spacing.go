package datafetcher

import (
	"context"
	"sync"
	"time"
)

// spacingLimiter enforces a minimum delay between consecutive provider requests
type spacingLimiter struct {
	mu          sync.Mutex
	next        time.Time
	delayPerReq time.Duration
}

func newSpacingLimiter(delay time.Duration) *spacingLimiter {
	return &spacingLimiter{delayPerReq: delay}
}

// Wait blocks until the caller's slot comes up or ctx is done.
// Slots are reserved under the lock so concurrent callers queue in order.
func (l *spacingLimiter) Wait(ctx context.Context) error {
	if l == nil || l.delayPerReq <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.delayPerReq)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
