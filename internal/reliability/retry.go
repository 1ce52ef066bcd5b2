package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/glimte/amqphub/messaging"
)

// RetryPolicy decides how long each attempt may run and how long to wait
// before the next one. Attempts are counted from 1.
type RetryPolicy interface {
	// TryTimeout bounds a single attempt; zero means unbounded
	TryTimeout(attempt int) time.Duration

	// RetryDelay returns the delay before the next attempt and whether
	// another attempt should be made after attempt failed with lastErr.
	RetryDelay(lastErr error, attempt int) (time.Duration, bool)
}

// RetryMode selects how the delay grows between attempts
type RetryMode int

const (
	RetryModeExponential RetryMode = iota
	RetryModeFixed
)

func (m RetryMode) String() string {
	switch m {
	case RetryModeExponential:
		return "exponential"
	case RetryModeFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// Default policy values
const (
	DefaultBaseDelay   = 800 * time.Millisecond
	DefaultMaxDelay    = 60 * time.Second
	DefaultMaxAttempts = 4
	DefaultTryTimeout  = 60 * time.Second
	DefaultJitter      = 0.15
)

// Policy is the standard RetryPolicy
type Policy struct {
	Mode      RetryMode
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int

	// Timeout bounds each attempt
	Timeout time.Duration

	// Jitter spreads each delay by ±Jitter of its value; zero disables it
	Jitter float64
}

// DefaultPolicy returns an exponential policy with the package defaults
func DefaultPolicy() Policy {
	return Policy{
		Mode:        RetryModeExponential,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultTryTimeout,
		Jitter:      DefaultJitter,
	}
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(base, max time.Duration, maxAttempts int) Policy {
	p := DefaultPolicy()
	p.BaseDelay = base
	p.MaxDelay = max
	p.MaxAttempts = maxAttempts
	return p
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) Policy {
	p := DefaultPolicy()
	p.Mode = RetryModeFixed
	p.BaseDelay = delay
	p.MaxDelay = delay
	p.MaxAttempts = maxAttempts
	p.Jitter = 0
	return p
}

// TryTimeout implements RetryPolicy
func (p Policy) TryTimeout(int) time.Duration {
	return p.Timeout
}

// RetryDelay implements RetryPolicy
func (p Policy) RetryDelay(lastErr error, attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	if !messaging.IsRetryable(lastErr) {
		return 0, false
	}
	return p.NextDelay(attempt), true
}

// NextDelay calculates the delay that follows attempt
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay)
	if p.Mode == RetryModeExponential {
		// the exponent is capped so the product stays finite
		delay *= math.Pow(2, float64(min(attempt-1, 64)))
	}

	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*rand.Float64() - 1)
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	switch {
	case delay < 0:
		return 0
	case delay >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Validate checks the policy for impossible values
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: retry max attempts must be at least 1", messaging.ErrInvalidArgument)
	case p.BaseDelay < 0, p.MaxDelay < 0, p.Timeout < 0:
		return fmt.Errorf("%w: retry durations must not be negative", messaging.ErrInvalidArgument)
	case p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay:
		return fmt.Errorf("%w: retry base delay exceeds max delay", messaging.ErrInvalidArgument)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("%w: retry jitter must be in [0, 1)", messaging.ErrInvalidArgument)
	}
	return nil
}

type noRetry struct{}

func (noRetry) TryTimeout(int) time.Duration                 { return 0 }
func (noRetry) RetryDelay(error, int) (time.Duration, bool) { return 0, false }

// NoRetry makes exactly one unbounded attempt
var NoRetry RetryPolicy = noRetry{}

// RetryOption configures a Retry call
type RetryOption func(*retryConfig)

type retryConfig struct {
	op      string
	onRetry func(attempt int, err error, delay time.Duration)
}

// WithOperation names the operation in the RetryError returned on exhaustion
func WithOperation(op string) RetryOption {
	return func(c *retryConfig) {
		c.op = op
	}
}

// WithOnRetry registers a callback invoked before each delayed retry
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(c *retryConfig) {
		c.onRetry = fn
	}
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy gives up.
//
// Each attempt receives a context bounded by the policy's try timeout. An
// attempt that overruns it fails with messaging.ErrTryTimeout, which is
// retryable. Cancellation of ctx ends the loop with messaging.ErrCancelled.
// When more than one attempt was made and the policy gives up on a
// retryable error, the result is a *RetryError.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error, options ...RetryOption) error {
	if policy == nil {
		policy = NoRetry
	}

	cfg := retryConfig{op: "operation"}
	for _, opt := range options {
		opt(&cfg)
	}

	start := time.Now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return contextError(err)
		}

		err := runAttempt(ctx, policy.TryTimeout(attempt), attempt, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contextError(ctxErr)
		}

		delay, ok := policy.RetryDelay(err, attempt)
		if !ok {
			if attempt > 1 && messaging.IsRetryable(err) {
				return &RetryError{
					Op:        cfg.op,
					Attempts:  attempt,
					LastError: err,
					Duration:  time.Since(start),
				}
			}
			return err
		}

		if cfg.onRetry != nil {
			cfg.onRetry(attempt, err, delay)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return contextError(ctx.Err())
			}
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) error) error {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err := fn(attemptCtx, attempt)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", messaging.ErrTryTimeout, timeout, err)
	}
	return err
}

func contextError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", messaging.ErrCancelled, err)
	}
	return err
}
