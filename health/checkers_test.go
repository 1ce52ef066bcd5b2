package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqphub/internal/amqpcore"
	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/processor"
	"github.com/glimte/amqphub/transports/memory"
)

func newConnection(t *testing.T, broker *memory.Broker) *amqpcore.RecoverableConnection {
	t.Helper()
	conn := amqpcore.NewRecoverableConnection("amqps://test.servicebus.example.net", broker,
		amqpcore.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		amqpcore.WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 1)))
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func TestConnectionChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("not yet connected is degraded", func(t *testing.T) {
		broker := memory.NewBroker()
		checker := NewConnectionChecker(newConnection(t, broker))

		result := checker.Check(ctx)
		assert.Equal(t, "amqp_connection", result.Name)
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "uninitialized", result.Details["state"])
		assert.Equal(t, 0, broker.DialCount())
	})

	t.Run("probe connects", func(t *testing.T) {
		broker := memory.NewBroker()
		checker := NewConnectionChecker(newConnection(t, broker), WithProbe(), WithCheckName("hub"))

		result := checker.Check(ctx)
		assert.Equal(t, "hub", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "open", result.Details["state"])
		assert.Equal(t, 1, result.Details["rebuilds"])
		assert.Equal(t, 0, result.Details["links"])
		assert.Equal(t, 1, broker.DialCount())
	})

	t.Run("faulted is degraded until probed", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newConnection(t, broker)
		_, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)

		broker.Connections()[0].InjectFault(errors.New("connection reset by peer"))
		require.Eventually(t, func() bool {
			return conn.State() == amqpcore.StateFaulted
		}, 2*time.Second, time.Millisecond)

		assert.Equal(t, StatusDegraded, NewConnectionChecker(conn).Check(ctx).Status)

		result := NewConnectionChecker(conn, WithProbe()).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 2, result.Details["rebuilds"])
	})

	t.Run("failed probe is unhealthy", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.FailDials(errors.New("dial tcp: connection refused"))

		result := NewConnectionChecker(newConnection(t, broker), WithProbe()).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("closed is unhealthy", func(t *testing.T) {
		conn := newConnection(t, memory.NewBroker())
		require.NoError(t, conn.Close(ctx))

		result := NewConnectionChecker(conn, WithProbe()).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "closed", result.Details["state"])
	})
}

type failingStore struct {
	processor.CheckpointStore
}

func (failingStore) ListOwnership(context.Context, string, string, string) ([]processor.Ownership, error) {
	return nil, errors.New("redis: connection refused")
}

func TestCheckpointStoreChecker(t *testing.T) {
	ctx := context.Background()
	details := processor.ConsumerDetails{Namespace: "ns", EventHub: "hub", ConsumerGroup: "$Default"}

	t.Run("reports owners", func(t *testing.T) {
		store := processor.NewInMemoryCheckpointStore()
		_, err := store.ClaimOwnership(ctx, []processor.Ownership{
			{Namespace: "ns", EventHub: "hub", ConsumerGroup: "$Default", PartitionID: "0", OwnerID: "a"},
			{Namespace: "ns", EventHub: "hub", ConsumerGroup: "$Default", PartitionID: "1", OwnerID: "b"},
			{Namespace: "ns", EventHub: "hub", ConsumerGroup: "$Default", PartitionID: "2", OwnerID: ""},
		})
		require.NoError(t, err)

		result := NewCheckpointStoreChecker(store, details).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 3, result.Details["partitions"])
		assert.Equal(t, 2, result.Details["owners"])
	})

	t.Run("unreachable store", func(t *testing.T) {
		result := NewCheckpointStoreChecker(failingStore{}, details).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "connection refused")
	})
}

func TestGoroutineChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewGoroutineChecker(100000, 200000).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewGoroutineChecker(0, 100000).Check(context.Background()).Status)

	result := NewGoroutineChecker(0, 0).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Details, "goroutines")
}
