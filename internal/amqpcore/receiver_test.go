package amqpcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
	"github.com/glimte/amqphub/transports/memory"
)

const (
	receiverAddress = "hub/ConsumerGroups/$Default/Partitions/0"
	publishAddress  = "hub/Partitions/0"
)

func newTestReceiver(t *testing.T, conn *RecoverableConnection, cfg ReceiverConfig) *RecoverableReceiver {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = receiverAddress
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = fastPolicy()
	}
	cfg.Logger = quietLogger()

	receiver := NewRecoverableReceiver(conn, nil, cfg)
	t.Cleanup(func() { _ = receiver.Close(context.Background()) })
	return receiver
}

func publish(broker *memory.Broker, bodies ...string) {
	msgs := make([]*messaging.Message, len(bodies))
	for i, b := range bodies {
		msgs[i] = &messaging.Message{Body: []byte(b)}
	}
	broker.Publish(publishAddress, msgs...)
}

func sequences(events []*messaging.ReceivedMessage) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.SequenceNumber
	}
	return out
}

func TestRecoverableReceiver(t *testing.T) {
	ctx := context.Background()

	t.Run("receives up to max count", func(t *testing.T) {
		broker := memory.NewBroker()
		publish(broker, "a", "b", "c", "d", "e")
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{Start: messaging.StartAtEarliest()})

		batch, err := receiver.Receive(ctx, 3, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 1, 2}, sequences(batch))

		batch, err = receiver.Receive(ctx, 10, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 4}, sequences(batch))

		last, ok := receiver.LastSequenceNumber()
		require.True(t, ok)
		assert.Equal(t, int64(4), last)
	})

	t.Run("returns an empty batch when max wait elapses", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{})

		start := time.Now()
		batch, err := receiver.Receive(ctx, 5, 30*time.Millisecond)

		require.NoError(t, err)
		assert.Empty(t, batch)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		_, ok := receiver.LastSequenceNumber()
		assert.False(t, ok)
	})

	t.Run("latest start skips existing events", func(t *testing.T) {
		broker := memory.NewBroker()
		publish(broker, "old")
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{Start: messaging.StartAtLatest()})

		batch, err := receiver.Receive(ctx, 1, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, batch)

		publish(broker, "new")
		batch, err = receiver.Receive(ctx, 1, time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, []byte("new"), batch[0].Body)
	})

	t.Run("fault during receive surfaces a retryable error and recovers", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{
			Start:       messaging.StartAtEarliest(),
			RetryPolicy: reliability.NoRetry,
		})

		result := make(chan error, 1)
		go func() {
			_, err := receiver.Receive(ctx, 1, 5*time.Second)
			result <- err
		}()

		require.Eventually(t, func() bool {
			return broker.Waiting(receiverAddress) == 1
		}, 2*time.Second, time.Millisecond)
		broker.Connections()[0].InjectFault(errors.New("connection reset by peer"))

		var err error
		select {
		case err = <-result:
		case <-time.After(2 * time.Second):
			t.Fatal("receive did not return after the fault")
		}
		require.Error(t, err)
		assert.True(t, messaging.IsRetryable(err), "got %v", err)
		assert.Equal(t, messaging.RecoverConnection, messaging.RecoveryFor(err))

		publish(broker, "after fault")
		batch, err := receiver.Receive(ctx, 1, time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, []byte("after fault"), batch[0].Body)
		assert.Equal(t, 2, conn.Rebuilds())
	})

	t.Run("rebuilt link resumes after the last delivered event", func(t *testing.T) {
		broker := memory.NewBroker()
		publish(broker, "a", "b", "c")
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{Start: messaging.StartAtEarliest()})

		batch, err := receiver.Receive(ctx, 2, time.Second)
		require.NoError(t, err)
		require.Equal(t, []int64{0, 1}, sequences(batch))

		broker.FailReceives(receiverAddress, &messaging.RemoteError{Condition: messaging.CondDetachForced})

		batch, err = receiver.Receive(ctx, 5, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, sequences(batch))
		assert.Equal(t, 1, receiver.LinkRebuilds())
		assert.Equal(t, 1, conn.Rebuilds())
	})

	t.Run("not found is not retried", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.FailReceives(receiverAddress, &messaging.RemoteError{Condition: messaging.CondNotFound})
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{})

		_, err := receiver.Receive(ctx, 1, time.Second)

		var remote *messaging.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, messaging.CondNotFound, remote.Condition)
		assert.Equal(t, 0, receiver.LinkRebuilds())
		assert.Equal(t, 1, conn.Rebuilds())
	})

	t.Run("invalid max count", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{})

		_, err := receiver.Receive(ctx, 0, time.Second)
		assert.ErrorIs(t, err, messaging.ErrInvalidArgument)
	})

	t.Run("closed receiver", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{})

		require.NoError(t, receiver.Close(ctx))
		_, err := receiver.Receive(ctx, 1, time.Second)
		assert.ErrorIs(t, err, messaging.ErrLinkClosed)
	})
}

func TestRecoverableReceiverSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("peek-lock deliveries are settled", func(t *testing.T) {
		broker := memory.NewBroker()
		publish(broker, "a", "b", "c")
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{
			Start: messaging.StartAtEarliest(),
			Mode:  messaging.ReceiveModePeekLock,
		})

		batch, err := receiver.Receive(ctx, 3, time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 3)
		assert.NotEmpty(t, batch[0].LockToken)

		require.NoError(t, receiver.Complete(ctx, batch[0]))
		require.NoError(t, receiver.Abandon(ctx, batch[1]))
		require.NoError(t, receiver.DeadLetter(ctx, batch[2]))

		settlements := broker.Settlements(receiverAddress)
		require.Len(t, settlements, 3)
		assert.Equal(t, messaging.DispositionComplete, settlements[0].Disposition)
		assert.Equal(t, messaging.DispositionAbandon, settlements[1].Disposition)
		assert.Equal(t, messaging.DispositionDeadLetter, settlements[2].Disposition)
		assert.Equal(t, int64(2), settlements[2].SequenceNumber)
	})

	t.Run("deliveries from a replaced link have lost their lock", func(t *testing.T) {
		broker := memory.NewBroker()
		publish(broker, "a", "b")
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{Start: messaging.StartAtEarliest()})

		first, err := receiver.Receive(ctx, 1, time.Second)
		require.NoError(t, err)

		broker.FailReceives(receiverAddress, &messaging.RemoteError{Condition: messaging.CondDetachForced})
		second, err := receiver.Receive(ctx, 1, time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, receiver.LinkRebuilds())

		assert.ErrorIs(t, receiver.Complete(ctx, first[0]), messaging.ErrLinkClosed)
		assert.NoError(t, receiver.Complete(ctx, second[0]))
		assert.Len(t, broker.Settlements(receiverAddress), 1)
	})

	t.Run("receive-and-delete cannot settle", func(t *testing.T) {
		broker := memory.NewBroker()
		publish(broker, "a")
		conn := newTestConnection(t, broker)
		receiver := newTestReceiver(t, conn, ReceiverConfig{
			Start: messaging.StartAtEarliest(),
			Mode:  messaging.ReceiveModeReceiveAndDelete,
		})

		batch, err := receiver.Receive(ctx, 1, time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Empty(t, batch[0].LockToken)

		assert.ErrorIs(t, receiver.Complete(ctx, batch[0]), messaging.ErrInvalidArgument)
		assert.Empty(t, broker.Settlements(receiverAddress))
	})
}
