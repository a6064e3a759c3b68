// Package retry runs store and brokerage calls with bounded, context-aware
// backoff. Only errors that declare themselves temporary are retried.
package retry

import (
	"context"
	"errors"
	"net"
	"time"
)

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error) `yaml:"-"`
}

// DefaultPolicy is three attempts with linear backoff starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err so Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

type temporary interface{ Temporary() bool }

type retryAfter interface{ RetryAfter() time.Duration }

// IsTransient reports whether err is worth another attempt: anything
// reporting Temporary() true and network errors. Context cancellation and
// errors marked Permanent are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p permanent
	if errors.As(err, &p) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// Do calls fn until it succeeds, returns a non-transient error, the
// attempts run out, or ctx is done. The last error is returned unwrapped
// from any Permanent marker.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == attempts-1 {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
		if werr := wait(ctx, p.delay(attempt, err)); werr != nil {
			return werr
		}
	}
	var perm permanent
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

func (p Policy) delay(attempt int, err error) time.Duration {
	var ra retryAfter
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			if p.MaxDelay > 0 && d > p.MaxDelay {
				return p.MaxDelay
			}
			return d
		}
	}
	d := time.Duration(attempt+1) * p.BaseDelay
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
