package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TriggerLimiter allows one manual sync per key per interval. Each key gets
// its own token bucket of size one.
type TriggerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewTriggerLimiter creates a limiter. The default interval is 30 seconds.
func NewTriggerLimiter(interval time.Duration) *TriggerLimiter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &TriggerLimiter{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// Allow reports whether a trigger for key may proceed now, or how long the
// caller must wait.
func (l *TriggerLimiter) Allow(key string) (bool, time.Duration) {
	return l.allowAt(key, time.Now())
}

func (l *TriggerLimiter) allowAt(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Refund gives back the token taken by the last allowed call for key, for
// triggers that were accepted by the limiter but not started.
func (l *TriggerLimiter) Refund(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Reset forgets every key.
func (l *TriggerLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}
