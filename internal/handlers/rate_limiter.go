package handlers

import (
	"strings"
	"sync"
	"time"
)

// triggerLimiter throttles manual sync triggers per caller. A fixed
// window is enough here: triggers are rare and a run in flight rejects
// concurrent triggers anyway.
type triggerLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]windowBucket
}

type windowBucket struct {
	used    int
	resetAt time.Time
}

func newTriggerLimiter(limit int, window time.Duration, clock func() time.Time) *triggerLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &triggerLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]windowBucket),
	}
}

// Allow records an attempt for the caller and reports whether it fits
// inside the current window. A nil limiter allows everything.
func (l *triggerLimiter) Allow(caller string) bool {
	if l == nil {
		return true
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		caller = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[caller]
	if !ok || !now.Before(bucket.resetAt) {
		l.dropExpired(now)
		l.buckets[caller] = windowBucket{used: 1, resetAt: now.Add(l.window)}
		return true
	}
	if bucket.used >= l.limit {
		return false
	}
	bucket.used++
	l.buckets[caller] = bucket
	return true
}

// dropExpired runs under l.mu.
func (l *triggerLimiter) dropExpired(now time.Time) {
	for caller, bucket := range l.buckets {
		if !now.Before(bucket.resetAt) {
			delete(l.buckets, caller)
		}
	}
}
