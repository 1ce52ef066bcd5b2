package amqpcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
	"github.com/glimte/amqphub/transports/memory"
)

const senderAddress = "hub/Partitions/0"

func newTestSender(t *testing.T, broker *memory.Broker, conn *RecoverableConnection, cfg SenderConfig) *RecoverableSender {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = senderAddress
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = fastPolicy()
	}
	cfg.Logger = quietLogger()

	sender := NewRecoverableSender(conn, nil, cfg)
	t.Cleanup(func() { _ = sender.Close(context.Background()) })
	return sender
}

func serverBusy() error {
	return &messaging.RemoteError{Condition: messaging.CondServerBusy, Description: "server busy"}
}

func bodies(events []*messaging.ReceivedMessage) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Body)
	}
	return out
}

func TestRecoverableSender(t *testing.T) {
	ctx := context.Background()

	t.Run("sends in submission order", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{})

		for _, body := range []string{"a", "b", "c"} {
			require.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte(body)}))
		}

		assert.Equal(t, []string{"a", "b", "c"}, bodies(broker.Events(senderAddress)))
		assert.Equal(t, 0, sender.LinkRebuilds())
		assert.Equal(t, 1, broker.Attaches(senderAddress))
	})

	t.Run("concurrent sends are serialized", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{})

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte("x")}))
			}()
		}
		wg.Wait()

		assert.Len(t, broker.Events(senderAddress), 20)
		assert.Equal(t, 1, broker.Attaches(senderAddress))
	})

	t.Run("fixed delay policy retries transient failures", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.FailSends(senderAddress, serverBusy(), serverBusy())
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{
			RetryPolicy: reliability.NewFixedDelay(100*time.Millisecond, 3),
		})

		start := time.Now()
		err := sender.Send(ctx, &messaging.Message{Body: []byte("payload")})
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
		assert.Equal(t, 3, broker.SendAttempts(senderAddress))
		assert.Len(t, broker.Events(senderAddress), 1)
		assert.Equal(t, 2, sender.LinkRebuilds())
		assert.Equal(t, 1, conn.Rebuilds())
	})

	t.Run("entity not found is returned without retry or rebuild", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.FailSends(senderAddress, &messaging.RemoteError{Condition: messaging.CondNotFound, Description: "no such entity"})
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{})

		err := sender.Send(ctx, &messaging.Message{})

		var remote *messaging.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, messaging.CondNotFound, remote.Condition)
		assert.Equal(t, 1, broker.SendAttempts(senderAddress))
		assert.Equal(t, 0, sender.LinkRebuilds())
		assert.Equal(t, 1, conn.Rebuilds())
	})

	t.Run("missing entity at attach is not retried", func(t *testing.T) {
		broker := memory.NewBroker(memory.WithStrictEntities())
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{Address: "missing"})

		err := sender.Send(ctx, &messaging.Message{})

		var openErr *messaging.LinkOpenError
		require.ErrorAs(t, err, &openErr)
		assert.False(t, messaging.IsRetryable(err))
		assert.Equal(t, 1, conn.Rebuilds())
	})

	t.Run("connection failure rebuilds the connection", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.FailSends(senderAddress, &messaging.ConnectionLostError{Err: errors.New("broken pipe")})
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{})

		require.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte("after rebuild")}))

		assert.Equal(t, 2, conn.Rebuilds())
		assert.Equal(t, 2, broker.DialCount())
		assert.Equal(t, 2, broker.SendAttempts(senderAddress))
		assert.Equal(t, []string{"after rebuild"}, bodies(broker.Events(senderAddress)))
	})

	t.Run("recovers after the connection drops between sends", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{})

		require.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte("1")}))
		injectFault(t, broker, conn, 1, errors.New("idle timeout"))
		require.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte("2")}))

		assert.Equal(t, []string{"1", "2"}, bodies(broker.Events(senderAddress)))
		assert.Equal(t, 2, conn.Rebuilds())
		assert.Equal(t, 1, sender.LinkRebuilds())
	})

	t.Run("exhausted retries return a retry error", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.FailSends(senderAddress, serverBusy(), serverBusy(), serverBusy())
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{})

		err := sender.Send(ctx, &messaging.Message{})

		assert.ErrorIs(t, err, reliability.ErrMaxRetriesExceeded)
		var retryErr *reliability.RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, broker.SendAttempts(senderAddress))
	})

	t.Run("cancelled context", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{})

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := sender.Send(cancelled, &messaging.Message{})
		assert.ErrorIs(t, err, messaging.ErrCancelled)
		assert.Equal(t, 0, broker.SendAttempts(senderAddress))
	})

	t.Run("nil message", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{})

		assert.ErrorIs(t, sender.Send(ctx, nil), messaging.ErrInvalidArgument)
	})

	t.Run("closed sender", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{})

		require.NoError(t, sender.Open(ctx))
		require.NoError(t, sender.Close(ctx))
		require.NoError(t, sender.Close(ctx))

		err := sender.Send(ctx, &messaging.Message{})
		assert.ErrorIs(t, err, messaging.ErrLinkClosed)
		assert.Equal(t, 0, broker.SendAttempts(senderAddress))
	})

	t.Run("authorizes the audience before opening the link", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		auth := newTestAuthenticator(t, conn, &countingCredential{})

		sender := NewRecoverableSender(conn, auth, SenderConfig{
			Address:     senderAddress,
			Audience:    testAudience,
			RetryPolicy: fastPolicy(),
			Logger:      quietLogger(),
		})
		defer sender.Close(ctx)

		require.NoError(t, sender.Send(ctx, &messaging.Message{}))
		require.Len(t, broker.Requests(CBSNode), 1)
		assert.Equal(t, testAudience, broker.Requests(CBSNode)[0].ApplicationProperties["name"])
	})
}

func TestRecoverableSenderIdempotent(t *testing.T) {
	ctx := context.Background()

	t.Run("stamps producer annotations and tracks sequence", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.EnableIdempotency(senderAddress, 42, 3, 9)
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{Idempotent: true, PartitionID: "0"})

		_, ok := sender.PublishingState()
		assert.False(t, ok)

		msg := &messaging.Message{Body: []byte("a")}
		require.NoError(t, sender.Send(ctx, msg))
		require.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte("b")}))

		assert.Nil(t, msg.Annotations, "caller's message is not modified")

		snap, ok := sender.PublishingState()
		require.True(t, ok)
		assert.Equal(t, PublishingSnapshot{PartitionID: "0", ProducerGroupID: 42, OwnerLevel: 3, LastSequence: 11}, snap)

		seq, ok := broker.ProducerSequence(senderAddress)
		require.True(t, ok)
		assert.Equal(t, int32(11), seq)

		events := broker.Events(senderAddress)
		require.Len(t, events, 2)
		assert.Equal(t, int32(10), events[0].Annotations[messaging.AnnotationProducerSequence])
		assert.Equal(t, int64(42), events[0].Annotations[messaging.AnnotationProducerID])
		assert.Equal(t, int16(3), events[0].Annotations[messaging.AnnotationProducerEpoch])
	})

	t.Run("state is resynchronized after a link rebuild", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.EnableIdempotency(senderAddress, 7, 0, -1)
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{Idempotent: true, PartitionID: "0"})

		require.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte("a")}))
		broker.FailSends(senderAddress, &messaging.RemoteError{Condition: messaging.CondDetachForced})
		require.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte("b")}))

		assert.Equal(t, 1, sender.LinkRebuilds())
		snap, ok := sender.PublishingState()
		require.True(t, ok)
		assert.Equal(t, int32(1), snap.LastSequence)
		assert.Equal(t, []string{"a", "b"}, bodies(broker.Events(senderAddress)))
	})

	t.Run("send with unknown outcome does not reuse its sequence number", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.EnableIdempotency(senderAddress, 42, 0, 9)
		broker.LoseAcks(senderAddress, context.Canceled)
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{Idempotent: true, PartitionID: "0"})

		err := sender.Send(ctx, &messaging.Message{Body: []byte("a")})
		require.ErrorIs(t, err, context.Canceled)

		_, ok := sender.PublishingState()
		assert.False(t, ok, "state is reset until the next attach")

		require.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte("b")}))

		assert.Equal(t, []string{"a", "b"}, bodies(broker.Events(senderAddress)))
		seq, ok := broker.ProducerSequence(senderAddress)
		require.True(t, ok)
		assert.Equal(t, int32(11), seq)
		assert.Equal(t, 1, sender.LinkRebuilds())
	})

	t.Run("sequence conflicts resynchronize and retry", func(t *testing.T) {
		tests := []struct {
			name      string
			condition messaging.Condition
		}{
			{"duplicate sequence", messaging.CondDuplicateSequence},
			{"out of order sequence", messaging.CondOutOfOrderSequence},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				broker := memory.NewBroker()
				broker.EnableIdempotency(senderAddress, 42, 0, 9)
				broker.FailSends(senderAddress, &messaging.RemoteError{Condition: tt.condition})
				conn := newTestConnection(t, broker)
				sender := newTestSender(t, broker, conn, SenderConfig{Idempotent: true, PartitionID: "0"})

				require.NoError(t, sender.Send(ctx, &messaging.Message{Body: []byte("a")}))

				assert.Equal(t, 2, broker.SendAttempts(senderAddress))
				assert.Equal(t, 1, sender.LinkRebuilds())
				assert.Equal(t, []string{"a"}, bodies(broker.Events(senderAddress)))
				snap, ok := sender.PublishingState()
				require.True(t, ok)
				assert.Equal(t, int32(10), snap.LastSequence)
			})
		}
	})

	t.Run("sequence conflict errors are retryable", func(t *testing.T) {
		err := &SequenceConflictError{
			PartitionID: "0",
			Err:         &messaging.RemoteError{Condition: messaging.CondDuplicateSequence},
		}

		assert.True(t, messaging.IsRetryable(err))
		assert.Equal(t, messaging.RecoverLink, messaging.RecoveryFor(err))
		var remote *messaging.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, messaging.CondDuplicateSequence, remote.Condition)
	})

	t.Run("requests producer state at attach", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{
			Idempotent:       true,
			PartitionID:      "0",
			ProducerGroupID:  ptr(int64(5)),
			OwnerLevel:       ptr(int16(1)),
			StartingSequence: ptr(int32(100)),
		})

		props := sender.attachProperties()
		assert.Equal(t, int64(5), props[messaging.AnnotationProducerID])
		assert.Equal(t, int16(1), props[messaging.AnnotationProducerEpoch])
		assert.Equal(t, int32(100), props[messaging.AnnotationProducerSequence])
	})

	t.Run("missing handshake data fails with not initialized", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{Idempotent: true, PartitionID: "0"})

		err := sender.Send(ctx, &messaging.Message{})

		assert.ErrorIs(t, err, messaging.ErrNotInitialized)
		assert.Equal(t, 0, broker.SendAttempts(senderAddress))
		assert.Equal(t, 1, broker.Attaches(senderAddress))
	})

	t.Run("stale epoch is not retried", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.EnableIdempotency(senderAddress, 1, 0, 0)
		broker.FailSends(senderAddress, &messaging.RemoteError{Condition: messaging.CondProducerEpochStolen})
		conn := newTestConnection(t, broker)
		sender := newTestSender(t, broker, conn, SenderConfig{Idempotent: true, PartitionID: "0"})

		err := sender.Send(ctx, &messaging.Message{})

		assert.Equal(t, messaging.KindProtocol, messaging.Classify(err))
		assert.Equal(t, 1, broker.SendAttempts(senderAddress))
	})
}

func ptr[T any](v T) *T {
	return &v
}
