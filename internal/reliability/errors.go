package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/amqphub/messaging"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen = errors.New("reliability: circuit breaker is open")

	// Retry errors
	ErrMaxRetriesExceeded = errors.New("reliability: maximum retries exceeded")
)

// CircuitBreakerError provides detailed information about circuit breaker failures
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s: %d/%d failures, next retry at %v",
		e.Name, e.State, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError is returned when a policy stops retrying a retryable failure
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts in %v: %v",
		e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

// ErrorKind reports exhaustion as terminal regardless of the last error
func (e *RetryError) ErrorKind() messaging.ErrorKind {
	return messaging.KindTerminal
}
