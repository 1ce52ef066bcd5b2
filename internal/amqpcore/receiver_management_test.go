package amqpcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqphub/messaging"
	"github.com/glimte/amqphub/transports/memory"
)

const queueAddress = "queue"

func newQueueReceiver(t *testing.T, broker *memory.Broker, bodies ...string) *RecoverableReceiver {
	t.Helper()
	msgs := make([]*messaging.Message, len(bodies))
	for i, b := range bodies {
		msgs[i] = &messaging.Message{Body: []byte(b)}
	}
	broker.Publish(queueAddress, msgs...)

	conn := newTestConnection(t, broker)
	return newTestReceiver(t, conn, ReceiverConfig{
		Address: queueAddress,
		Start:   messaging.StartAtEarliest(),
		Decoder: broker,
	})
}

func TestRecoverableReceiverPeek(t *testing.T) {
	ctx := context.Background()

	t.Run("continues after the last peeked message", func(t *testing.T) {
		broker := memory.NewBroker()
		receiver := newQueueReceiver(t, broker, "a", "b", "c")

		first, err := receiver.PeekMessages(ctx, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 1}, sequences(first))
		assert.Equal(t, "a", string(first[0].Body))
		assert.Empty(t, first[0].LockToken)

		next, err := receiver.PeekMessages(ctx, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, sequences(next))

		empty, err := receiver.PeekMessages(ctx, 2, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)

		requests := broker.Requests("queue/$management")
		require.Len(t, requests, 3)
		assert.Equal(t, OpPeekMessage, requests[0].ApplicationProperties["operation"])
	})

	t.Run("explicit start sequence", func(t *testing.T) {
		broker := memory.NewBroker()
		receiver := newQueueReceiver(t, broker, "a", "b", "c")

		msgs, err := receiver.PeekMessages(ctx, 10, ptr(int64(1)))
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, sequences(msgs))

		// peeking does not consume
		batch, err := receiver.Receive(ctx, 3, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 1, 2}, sequences(batch))
	})
}

func TestRecoverableReceiverLocks(t *testing.T) {
	ctx := context.Background()

	t.Run("renew extends the lock", func(t *testing.T) {
		now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		broker := memory.NewBroker(
			memory.WithClock(func() time.Time { return now }),
			memory.WithLockDuration(time.Minute))
		receiver := newQueueReceiver(t, broker, "a")

		batch, err := receiver.Receive(ctx, 1, time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		msg := batch[0]

		now = now.Add(45 * time.Second)
		until, err := receiver.RenewMessageLock(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, now.Add(time.Minute), until)
		assert.Equal(t, until, msg.LockedUntil)

		brokerUntil, ok := broker.Locked(msg.LockToken)
		require.True(t, ok)
		assert.Equal(t, until, brokerUntil)
	})

	t.Run("renew after settlement reports the lock lost", func(t *testing.T) {
		broker := memory.NewBroker()
		receiver := newQueueReceiver(t, broker, "a")

		batch, err := receiver.Receive(ctx, 1, time.Second)
		require.NoError(t, err)
		require.NoError(t, receiver.Complete(ctx, batch[0]))

		_, err = receiver.RenewMessageLock(ctx, batch[0])
		var remote *messaging.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, messaging.CondMessageLockLost, remote.Condition)
		assert.False(t, messaging.IsRetryable(err))
	})

	t.Run("deferred messages are fetched and settled by sequence number", func(t *testing.T) {
		broker := memory.NewBroker()
		receiver := newQueueReceiver(t, broker, "a", "b")

		batch, err := receiver.Receive(ctx, 2, time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 2)

		require.NoError(t, receiver.Defer(ctx, batch[0]))
		require.NoError(t, receiver.Complete(ctx, batch[1]))
		assert.Equal(t, []int64{0}, broker.Deferred(queueAddress))

		deferred, err := receiver.ReceiveDeferred(ctx, 0)
		require.NoError(t, err)
		require.Len(t, deferred, 1)
		assert.Equal(t, "a", string(deferred[0].Body))
		assert.NotEmpty(t, deferred[0].LockToken)
		assert.NotEqual(t, batch[0].LockToken, deferred[0].LockToken)

		require.NoError(t, receiver.Complete(ctx, deferred[0]))
		assert.Empty(t, broker.Deferred(queueAddress))

		settlements := broker.Settlements(queueAddress)
		require.Len(t, settlements, 2)
		assert.Equal(t, memory.Settlement{SequenceNumber: 0, Disposition: messaging.DispositionComplete}, settlements[1])
	})

	t.Run("unknown deferred sequence is not found", func(t *testing.T) {
		broker := memory.NewBroker()
		receiver := newQueueReceiver(t, broker, "a")

		_, err := receiver.ReceiveDeferred(ctx, 0)
		var remote *messaging.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, messaging.CondNotFound, remote.Condition)
	})
}

func TestRecoverableReceiverEntityOperationErrors(t *testing.T) {
	ctx := context.Background()
	locked := &messaging.ReceivedMessage{LockToken: "6f1c1b0e-2c1e-4a53-9b8e-2f7a5d1e0c11"}

	tests := []struct {
		name string
		cfg  ReceiverConfig
		call func(r *RecoverableReceiver) error
		want error
	}{
		{
			name: "peek on a partition",
			cfg:  ReceiverConfig{PartitionID: "0"},
			call: func(r *RecoverableReceiver) error {
				_, err := r.PeekMessages(ctx, 1, nil)
				return err
			},
			want: messaging.ErrNotSupported,
		},
		{
			name: "defer on a partition",
			cfg:  ReceiverConfig{PartitionID: "0"},
			call: func(r *RecoverableReceiver) error { return r.Defer(ctx, locked) },
			want: messaging.ErrNotSupported,
		},
		{
			name: "peek without a decoder",
			cfg:  ReceiverConfig{Address: queueAddress},
			call: func(r *RecoverableReceiver) error {
				_, err := r.PeekMessages(ctx, 1, nil)
				return err
			},
			want: messaging.ErrNotSupported,
		},
		{
			name: "renew in receive-and-delete mode",
			cfg:  ReceiverConfig{Address: queueAddress, Mode: messaging.ReceiveModeReceiveAndDelete},
			call: func(r *RecoverableReceiver) error {
				_, err := r.RenewMessageLock(ctx, locked)
				return err
			},
			want: messaging.ErrInvalidArgument,
		},
		{
			name: "receive deferred in receive-and-delete mode",
			cfg:  ReceiverConfig{Address: queueAddress, Mode: messaging.ReceiveModeReceiveAndDelete},
			call: func(r *RecoverableReceiver) error {
				_, err := r.ReceiveDeferred(ctx, 1)
				return err
			},
			want: messaging.ErrInvalidArgument,
		},
		{
			name: "defer without a lock token",
			cfg:  ReceiverConfig{Address: queueAddress},
			call: func(r *RecoverableReceiver) error { return r.Defer(ctx, &messaging.ReceivedMessage{}) },
			want: messaging.ErrInvalidArgument,
		},
		{
			name: "non-positive peek count",
			cfg:  ReceiverConfig{Address: queueAddress},
			call: func(r *RecoverableReceiver) error {
				_, err := r.PeekMessages(ctx, 0, nil)
				return err
			},
			want: messaging.ErrInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := memory.NewBroker()
			conn := newTestConnection(t, broker)
			receiver := newTestReceiver(t, conn, tt.cfg)

			assert.ErrorIs(t, tt.call(receiver), tt.want)
			assert.Empty(t, broker.Requests("queue/$management"))
		})
	}
}
