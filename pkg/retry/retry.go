// Package retry schedules re-attempts of failed outward calls: object
// storage writes and IMAP dials. Folder scans are deliberately not retried
// inline; a failed scan waits for the next scheduled cycle.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes how attempts are spaced and when to give up.
type Policy struct {
	// First is the delay before the second attempt.
	First time.Duration
	// Cap bounds the delay between attempts. Zero leaves it unbounded.
	Cap time.Duration
	// Growth multiplies the delay after every failed attempt.
	Growth float64
	// Jitter randomizes each delay within [delay/2, delay) so workers that
	// failed together do not retry together.
	Jitter bool
	// Tries is the total number of attempts, including the first.
	Tries int
}

// DefaultPolicy is the schedule used for dials and uploads: four attempts
// spaced 1s, 2s, 4s apart, jittered.
func DefaultPolicy() Policy {
	return Policy{
		First:  time.Second,
		Cap:    30 * time.Second,
		Growth: 2,
		Jitter: true,
		Tries:  4,
	}
}

// delay returns the wait after the given number of consecutive failures.
func (p Policy) delay(failures int) time.Duration {
	d := float64(p.First)
	for i := 1; i < failures; i++ {
		d *= p.Growth
		if p.Cap > 0 && d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}

	delay := time.Duration(d)
	if half := delay / 2; p.Jitter && half > 0 {
		delay = half + time.Duration(rand.Int63n(int64(half)))
	}
	return delay
}

// WithRetry runs fn until it returns nil, the policy is exhausted, or the
// context ends. An error wrapped by Stop ends the attempts at once and is
// returned unwrapped.
func WithRetry(ctx context.Context, fn func() error, p Policy) error {
	if p.Tries < 1 {
		p.Tries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Tries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(p.delay(attempt - 1)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		lastErr = err
	}

	return fmt.Errorf("gave up after %d attempts: %w", p.Tries, lastErr)
}

type stopError struct {
	err error
}

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop marks err as permanent so WithRetry returns it without another
// attempt. Used for authentication failures, which no backoff will fix.
func Stop(err error) error {
	return stopError{err: err}
}
