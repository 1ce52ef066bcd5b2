package amqpcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqphub/messaging"
	"github.com/glimte/amqphub/transports/memory"
)

var errDialRefused = errors.New("dial tcp: connection refused")

func TestRecoverableConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("starts uninitialized and dials lazily", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)

		assert.Equal(t, StateUninitialized, conn.State())
		assert.Equal(t, 0, broker.DialCount())
		_, ok := conn.CurrentScope()
		assert.False(t, ok)

		scope, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)

		again, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)
		assert.Same(t, scope, again)
		assert.Equal(t, StateOpen, conn.State())
		assert.Equal(t, 1, broker.DialCount())
		assert.Equal(t, 1, conn.Rebuilds())

		current, ok := conn.CurrentScope()
		require.True(t, ok)
		assert.Same(t, scope, current)
	})

	t.Run("concurrent callers share one rebuild", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.SetDialDelay(50 * time.Millisecond)
		conn := newTestConnection(t, broker)

		const callers = 20
		scopes := make([]*ConnectionScope, callers)
		errs := make([]error, callers)

		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				scopes[i], errs[i] = conn.EnsureConnection(ctx)
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Same(t, scopes[0], scopes[i])
		}
		assert.Equal(t, 1, broker.DialCount())
		assert.Equal(t, 1, conn.Rebuilds())
	})

	t.Run("fault triggers a rebuild on next use", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		recorder := &stateRecorder{}
		conn.AddStateListener(recorder)

		first, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)

		injectFault(t, broker, conn, 1, errors.New("connection reset by peer"))

		second, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID(), second.ID())
		assert.Equal(t, ScopeClosed, first.State())
		assert.Equal(t, ScopeOpen, second.State())
		assert.Equal(t, 2, conn.Rebuilds())
		assert.Equal(t, 2, broker.DialCount())

		connected, disconnected, _ := recorder.counts()
		assert.Equal(t, 2, connected)
		assert.Equal(t, 1, disconnected)
	})

	t.Run("failed dials are retried per policy", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.FailDials(errDialRefused, errDialRefused)
		conn := newTestConnection(t, broker)
		recorder := &stateRecorder{}
		conn.AddStateListener(recorder)

		_, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3, broker.DialCount())
		assert.Equal(t, 1, conn.Rebuilds())

		recorder.mu.Lock()
		assert.Equal(t, []int{2, 3}, recorder.reconnecting)
		recorder.mu.Unlock()
	})

	t.Run("exhausted rebuild closes the connection", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.FailDials(errDialRefused, errDialRefused, errDialRefused)
		conn := newTestConnection(t, broker)
		recorder := &stateRecorder{}
		conn.AddStateListener(recorder)

		_, err := conn.EnsureConnection(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, messaging.ErrConnectionClosed)
		assert.ErrorIs(t, err, errDialRefused)

		var connErr *messaging.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, 3, connErr.Attempts)
		assert.Equal(t, "rebuild", connErr.Op)

		assert.Equal(t, StateClosed, conn.State())
		_, err = conn.EnsureConnection(ctx)
		assert.ErrorIs(t, err, messaging.ErrConnectionClosed)
		assert.Equal(t, 3, broker.DialCount())

		_, disconnected, _ := recorder.counts()
		assert.Equal(t, 1, disconnected)
	})

	t.Run("authorization failure on dial is not retried", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.FailDials(&messaging.RemoteError{Condition: messaging.CondUnauthorizedAccess, Description: "bad token"})
		conn := newTestConnection(t, broker)

		_, err := conn.EnsureConnection(ctx)
		require.Error(t, err)
		assert.Equal(t, 1, broker.DialCount())
		assert.Equal(t, StateClosed, conn.State())
	})

	t.Run("waiter can abandon without cancelling the rebuild", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.SetDialDelay(100 * time.Millisecond)
		conn := newTestConnection(t, broker)

		waitCtx, cancel := context.WithCancel(ctx)
		time.AfterFunc(10*time.Millisecond, cancel)

		_, err := conn.EnsureConnection(waitCtx)
		assert.ErrorIs(t, err, messaging.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)

		scope, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)
		assert.Equal(t, ScopeOpen, scope.State())
		assert.Equal(t, 1, broker.DialCount())
		assert.Equal(t, 1, conn.Rebuilds())
	})

	t.Run("fault reported on a stale scope is ignored", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)

		stale, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)
		injectFault(t, broker, conn, 1, errors.New("reset"))

		current, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)

		conn.ReportFault(stale, errors.New("late report"))

		assert.Equal(t, ScopeOpen, current.State())
		assert.Equal(t, StateOpen, conn.State())
		assert.Equal(t, 2, conn.Rebuilds())
	})

	t.Run("reported fault marks the current scope faulted", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)

		scope, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)

		conn.ReportFault(scope, &messaging.ConnectionLostError{Err: errors.New("broken pipe")})

		assert.Equal(t, ScopeFaulted, scope.State())
		assert.Equal(t, StateFaulted, conn.State())

		_, err = conn.EnsureConnection(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, conn.Rebuilds())
	})

	t.Run("close is terminal", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)

		scope, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)

		require.NoError(t, conn.Close(ctx))
		require.NoError(t, conn.Close(ctx))

		assert.Equal(t, StateClosed, conn.State())
		assert.Equal(t, ScopeClosed, scope.State())
		assert.Equal(t, 0, broker.OpenConnections())

		_, err = conn.EnsureConnection(ctx)
		assert.ErrorIs(t, err, messaging.ErrConnectionClosed)
		assert.Equal(t, 1, broker.DialCount())
	})

	t.Run("close fails callers waiting on a rebuild", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.SetDialDelay(200 * time.Millisecond)
		conn := newTestConnection(t, broker)

		result := make(chan error, 1)
		go func() {
			_, err := conn.EnsureConnection(ctx)
			result <- err
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, conn.Close(ctx))

		select {
		case err := <-result:
			assert.ErrorIs(t, err, messaging.ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not released")
		}
		assert.Equal(t, 0, broker.OpenConnections())
	})

	t.Run("listeners can be removed", func(t *testing.T) {
		broker := memory.NewBroker()
		conn := newTestConnection(t, broker)
		recorder := &stateRecorder{}
		conn.AddStateListener(recorder)
		conn.RemoveStateListener(recorder)

		_, err := conn.EnsureConnection(ctx)
		require.NoError(t, err)

		connected, _, _ := recorder.counts()
		assert.Equal(t, 0, connected)
	})
}
