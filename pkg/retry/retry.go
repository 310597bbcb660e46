// Package retry wraps network calls with bounded exponential backoff and
// classifies failures as retryable or terminal.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
)

// StatusCoder is implemented by errors that carry an HTTP status.
// A zero status means the request never produced a response.
type StatusCoder interface {
	HTTPStatus() int
}

// Options configures Do. Zero values fall back to the package defaults.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	ShouldRetry  func(error) bool

	// Sleep waits between attempts; tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultOptions returns maxAttempts=3, 1s initial delay, 30s cap, x2.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = DefaultMultiplier
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = DefaultShouldRetry
	}
	if o.Sleep == nil {
		o.Sleep = sleepWithContext
	}
	return o
}

// Delay returns the wait after the given 1-indexed attempt:
// min(InitialDelay * Multiplier^(attempt-1), MaxDelay).
func (o Options) Delay(attempt int) time.Duration {
	o = o.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(o.InitialDelay) * math.Pow(o.Multiplier, float64(attempt-1))
	if d >= float64(o.MaxDelay) || math.IsInf(d, 0) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

// Error is returned by Do when fn did not succeed.
type Error struct {
	Attempts  int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Retryable {
		return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("terminal failure after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Attempts reports how many times fn ran before err was returned. Errors not
// produced by Do count as a single attempt.
func Attempts(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	if err == nil {
		return 0
	}
	return 1
}

// Retryable reports whether err came from Do after exhausting retryable
// attempts, as opposed to a terminal failure.
func Retryable(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Retryable
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that no predicate retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DefaultShouldRetry retries network failures (no status), 5xx, 408 and 429.
// Every other 4xx is terminal.
func DefaultShouldRetry(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return true
	}
	status := sc.HTTPStatus()
	switch {
	case status == 0:
		return true
	case status >= http.StatusInternalServerError:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Do runs fn until it succeeds, a terminal error occurs, ctx ends, or
// MaxAttempts is reached. The last error is returned wrapped in *Error.
func Do(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		retryable := !IsPermanent(lastErr) && opts.ShouldRetry(lastErr)
		if !retryable {
			return &Error{Attempts: attempt, Retryable: false, Err: lastErr}
		}
		if attempt == opts.MaxAttempts {
			return &Error{Attempts: attempt, Retryable: true, Err: lastErr}
		}

		delay := opts.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, lastErr)
		}
		if err := opts.Sleep(ctx, delay); err != nil {
			return &Error{Attempts: attempt, Retryable: true, Err: lastErr}
		}
	}
	return &Error{Attempts: opts.MaxAttempts, Retryable: true, Err: lastErr}
}

// DoValue is Do for functions that produce a value.
func DoValue[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	var out T
	err := Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts)
	return out, err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
