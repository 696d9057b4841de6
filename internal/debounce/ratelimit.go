package debounce

import (
	"sync"
	"time"
)

// RateLimiter caps events per key over a sliding one-second window. Events
// beyond the cap are rejected, not queued.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
}

// NewRateLimiter allows max events per key per second. max <= 0 disables it.
func NewRateLimiter(max int) *RateLimiter {
	return &RateLimiter{
		max:    max,
		window: time.Second,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records an attempt at now and reports whether it is within the cap.
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := prune(l.hits[key], now.Add(-l.window))
	if len(hits) >= l.max {
		l.hits[key] = hits
		return false
	}
	l.hits[key] = append(hits, now)
	return true
}

// Sweep drops keys with no hits inside the window.
func (l *RateLimiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	for k, hits := range l.hits {
		hits = prune(hits, cutoff)
		if len(hits) == 0 {
			delete(l.hits, k)
			continue
		}
		l.hits[k] = hits
	}
}

// Keys returns the number of tracked keys.
func (l *RateLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
