// Package retry paces repeated attempts against the platform: backoff
// for discovery lookups and accept errors, and a breaker that stops
// opening channels while the exec service keeps refusing them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that [Backoff.Do] returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff is exponential backoff with optional jitter.
type Backoff struct {
	InitialDelay time.Duration // default 1s
	MaxDelay     time.Duration // default 60s
	Multiplier   float64       // default 2
	// MaxAttempts counts the first try.  Zero retries until ctx ends.
	MaxAttempts int
	// Jitter spreads each wait by ±25%.
	Jitter bool
}

// DiscoveryBackoff paces platform lookups, which the aws CLI and the
// Kubernetes API both throttle.
func DiscoveryBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		Multiplier:   2,
		MaxAttempts:  4,
		Jitter:       true,
	}
}

// AcceptBackoff paces a listener that keeps failing with temporary
// errors, such as running out of file descriptors.
func AcceptBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}
}

// Delay returns the wait after the given failed attempt (1-based),
// without jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.InitialDelay
	if d <= 0 {
		d = time.Second
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	maxD := b.MaxDelay
	if maxD <= 0 {
		maxD = 60 * time.Second
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if d >= maxD {
			return maxD
		}
	}
	return min(d, maxD)
}

// Do calls fn until it succeeds, returns a permanent error, runs out of
// attempts or ctx ends.  attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = jitter(wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}

func jitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := rand.Float64()*2*quarter - quarter
	return max(time.Duration(float64(d)+delta), time.Millisecond)
}
