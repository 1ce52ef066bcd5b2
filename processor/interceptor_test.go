package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqphub/messaging"
)

func batchOf(bodies ...string) []*messaging.ReceivedMessage {
	events := make([]*messaging.ReceivedMessage, len(bodies))
	for i, b := range bodies {
		events[i] = &messaging.ReceivedMessage{
			Message:        messaging.Message{Body: []byte(b), ApplicationProperties: map[string]any{"kind": b[:1]}},
			SequenceNumber: int64(i),
		}
	}
	return events
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	pc := PartitionContext{PartitionID: "0"}

	t.Run("runs interceptors in order", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, pc PartitionContext, events []*messaging.ReceivedMessage, next Handler) error {
				order = append(order, name+":before")
				err := next(ctx, pc, events)
				order = append(order, name+":after")
				return err
			})
		}

		handler := Chain(func(ctx context.Context, pc PartitionContext, events []*messaging.ReceivedMessage) error {
			order = append(order, "handler")
			return nil
		}, record("first"), record("second"))

		require.NoError(t, handler(ctx, pc, batchOf("a")))
		assert.Equal(t, []string{"first:before", "second:before", "handler", "second:after", "first:after"}, order)
	})

	t.Run("no interceptors returns the handler", func(t *testing.T) {
		called := false
		handler := Chain(func(ctx context.Context, pc PartitionContext, events []*messaging.ReceivedMessage) error {
			called = true
			return nil
		})
		require.NoError(t, handler(ctx, pc, nil))
		assert.True(t, called)
	})
}

func TestInterceptors(t *testing.T) {
	ctx := context.Background()
	pc := PartitionContext{PartitionID: "3"}
	failure := errors.New("boom")

	t.Run("logging passes errors through", func(t *testing.T) {
		handler := Chain(func(ctx context.Context, pc PartitionContext, events []*messaging.ReceivedMessage) error {
			return failure
		}, NewLoggingInterceptor(quietLogger()))
		assert.ErrorIs(t, handler(ctx, pc, batchOf("a", "b")), failure)
	})

	t.Run("recovery converts panics", func(t *testing.T) {
		handler := Chain(func(ctx context.Context, pc PartitionContext, events []*messaging.ReceivedMessage) error {
			panic("bad event")
		}, NewRecoveryInterceptor(quietLogger()))

		err := handler(ctx, pc, batchOf("a"))
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "bad event"))
	})

	t.Run("timeout cancels the handler context", func(t *testing.T) {
		handler := Chain(func(ctx context.Context, pc PartitionContext, events []*messaging.ReceivedMessage) error {
			<-ctx.Done()
			return ctx.Err()
		}, NewTimeoutInterceptor(20*time.Millisecond))

		assert.ErrorIs(t, handler(ctx, pc, batchOf("a")), context.DeadlineExceeded)
	})

	t.Run("timeout reports a handler that ignored the deadline", func(t *testing.T) {
		handler := Chain(func(ctx context.Context, pc PartitionContext, events []*messaging.ReceivedMessage) error {
			time.Sleep(30 * time.Millisecond)
			return nil
		}, NewTimeoutInterceptor(10*time.Millisecond))

		assert.ErrorIs(t, handler(ctx, pc, batchOf("a")), context.DeadlineExceeded)
	})

	t.Run("filtering drops rejected events", func(t *testing.T) {
		var got []string
		handler := Chain(func(ctx context.Context, pc PartitionContext, events []*messaging.ReceivedMessage) error {
			for _, ev := range events {
				got = append(got, string(ev.Body))
			}
			return nil
		}, NewFilteringInterceptor(AnyOf(HasProperty("kind", "a"), HasProperty("kind", "c"))))

		require.NoError(t, handler(ctx, pc, batchOf("a1", "b1", "c1", "b2")))
		assert.Equal(t, []string{"a1", "c1"}, got)

		got = nil
		require.NoError(t, handler(ctx, pc, batchOf("b3")))
		assert.Nil(t, got)
	})

	t.Run("filters combine", func(t *testing.T) {
		ev := batchOf("a")[0]
		assert.True(t, AllOf(HasProperty("kind", "a"))(ev))
		assert.False(t, AllOf(HasProperty("kind", "a"), HasProperty("missing", 1))(ev))
		assert.False(t, AnyOf()(ev))
		assert.True(t, AllOf()(ev))
	})

	t.Run("processor applies interceptors", func(t *testing.T) {
		store := NewInMemoryCheckpointStore()
		source := newFakeSource(1, 4)
		rec := newRecorder()

		odd := func(ev *messaging.ReceivedMessage) bool { return ev.SequenceNumber%2 == 1 }
		p := newTestProcessor("a", store, source, rec.handle,
			WithInterceptors(NewRecoveryInterceptor(quietLogger()), NewFilteringInterceptor(odd)))
		stop := runProcessor(t, p)

		require.Eventually(t, func() bool {
			seq, ok := checkpointOf(t, store, "0")
			return ok && seq == 3
		}, 5*time.Second, 10*time.Millisecond)
		require.NoError(t, stop())

		assert.Equal(t, []string{"0-1", "0-3"}, rec.bodiesFor("0"))
	})
}
