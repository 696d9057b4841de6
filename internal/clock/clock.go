// Package clock abstracts wall-clock time so that debounce windows, coalescing
// deadlines and retry backoff can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock is the time source used by the engine.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (or, for Manual, synchronously
	// during Advance) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a cancellable deferred call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
