// Package reliability provides the retry and circuit breaking primitives
// used by every recoverable operation in amqphub.
//
// This package implements:
//   - Policy: per-attempt timeouts plus fixed or exponential backoff
//   - Retry: runs an operation under a RetryPolicy, distinguishing caller
//     cancellation from attempt timeouts
//   - Circuit Breaker: pauses a failing partition pump instead of spinning
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(800*time.Millisecond, time.Minute, 3)
//	err := reliability.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
//	    return sender.Send(ctx, msg)
//	})
package reliability
