package processor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/amqphub/messaging"
)

// Interceptor wraps the handling of a batch. It must call next to pass the
// batch on, or return without calling it to drop the batch.
type Interceptor interface {
	Intercept(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage, next Handler) error
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage, next Handler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage, next Handler) error {
	return i.fn(ctx, partition, events, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain wraps handler so a batch passes through interceptors in order
// before reaching it
func Chain(handler Handler, interceptors ...Interceptor) Handler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = func(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage) error {
			return interceptor.Intercept(ctx, partition, events, next)
		}
	}
	return handler
}

// LoggingInterceptor logs every batch with its sequence range and duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage, next Handler) error {
	start := time.Now()
	attrs := []any{
		"partition", partition.PartitionID,
		"events", len(events),
	}
	if len(events) > 0 {
		attrs = append(attrs,
			"firstSequence", events[0].SequenceNumber,
			"lastSequence", events[len(events)-1].SequenceNumber)
	}

	err := next(ctx, partition, events)
	attrs = append(attrs, "duration", time.Since(start))

	if err != nil {
		i.logger.Error("batch processing failed", append(attrs, "error", err)...)
	} else {
		i.logger.Debug("batch processed", attrs...)
	}
	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the time a handler may spend on one batch
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage, next Handler) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next(ctx, partition, events)
	if err == nil && ctx.Err() != nil {
		return fmt.Errorf("partition %s: handler exceeded %v: %w", partition.PartitionID, i.timeout, ctx.Err())
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor turns a handler panic into an error, which restarts
// the partition from its last checkpoint
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a panic recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage, next Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked", "partition", partition.PartitionID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("partition %s: handler panic: %v", partition.PartitionID, r)
		}
	}()
	return next(ctx, partition, events)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// EventFilter reports whether an event should reach the handler
type EventFilter func(ev *messaging.ReceivedMessage) bool

// FilteringInterceptor removes events rejected by a filter. A batch left
// empty is not passed on, but still counts as handled for checkpointing.
type FilteringInterceptor struct {
	filter EventFilter
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter EventFilter) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage, next Handler) error {
	kept := make([]*messaging.ReceivedMessage, 0, len(events))
	for _, ev := range events {
		if i.filter(ev) {
			kept = append(kept, ev)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return next(ctx, partition, kept)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// HasProperty accepts events whose application property key equals value
func HasProperty(key string, value any) EventFilter {
	return func(ev *messaging.ReceivedMessage) bool {
		v, ok := ev.ApplicationProperties[key]
		return ok && v == value
	}
}

// AllOf accepts events every filter accepts
func AllOf(filters ...EventFilter) EventFilter {
	return func(ev *messaging.ReceivedMessage) bool {
		for _, f := range filters {
			if !f(ev) {
				return false
			}
		}
		return true
	}
}

// AnyOf accepts events at least one filter accepts
func AnyOf(filters ...EventFilter) EventFilter {
	return func(ev *messaging.ReceivedMessage) bool {
		for _, f := range filters {
			if f(ev) {
				return true
			}
		}
		return false
	}
}
