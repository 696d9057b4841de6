package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: base * 2^(attempt-1), capped at MaxDelay,
// plus uniform jitter in [0, MaxJitter]. The total never exceeds MaxDelay.
type Backoff struct {
	Base      time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
	// Jitter returns a value in [0, max]. Nil uses math/rand/v2.
	Jitter func(max time.Duration) time.Duration
}

// DefaultBackoff is 1s base, 30s cap and up to 1s of jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, MaxDelay: 30 * time.Second, MaxJitter: time.Second}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			break
		}
		d *= 2
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	d += b.jitter()
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

func (b Backoff) jitter() time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	if b.Jitter != nil {
		return b.Jitter(b.MaxJitter)
	}
	return rand.N(b.MaxJitter + 1)
}
