package search

import (
	"context"
	"errors"
	"math"
	"time"
)

// Backoff is an exponential retry policy.
type Backoff struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff retries three times starting at one second.
var DefaultBackoff = Backoff{
	MaxRetries:   3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	Multiplier:   2,
}

// Delay returns the wait before retry number attempt (0 based).
func (b Backoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(b.InitialDelay) * math.Pow(mult, float64(attempt))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(d)
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Retry gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn until it succeeds, returns a Permanent error, the retries are
// exhausted or ctx is done. The last error is returned.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= b.MaxRetries || ctx.Err() != nil {
			return err
		}

		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
