package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Kind string
	N    int
}

func TestBusFilterAndUnsubscribe(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	bus := New[testEvent](8)
	all, cleanupAll := bus.Subscribe(nil)
	failed, cleanupFailed := bus.Subscribe(func(e testEvent) bool { return e.Kind == "failed" })
	assert.Equal(2, bus.Subscribers())

	require.NoError(bus.Publish(ctx, testEvent{Kind: "completed", N: 1}))
	require.NoError(bus.Publish(ctx, testEvent{Kind: "failed", N: 2}))

	assert.Equal(testEvent{Kind: "completed", N: 1}, <-all)
	assert.Equal(testEvent{Kind: "failed", N: 2}, <-all)
	assert.Equal(testEvent{Kind: "failed", N: 2}, <-failed)

	cleanupFailed()
	cleanupFailed()
	assert.Equal(1, bus.Subscribers())
	_, ok := <-failed
	assert.False(ok)

	cleanupAll()
	require.NoError(bus.Publish(ctx, testEvent{Kind: "failed"}))
}

func TestBusPublishBlocksInsteadOfDropping(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	bus := New[int](1)
	ch, cleanup := bus.Subscribe(nil)
	defer cleanup()

	assert.NoError(bus.Publish(ctx, 1))

	published := make(chan error)
	go func() {
		published <- bus.Publish(ctx, 2)
	}()

	select {
	case <-published:
		t.Fatal("publish should block on a full subscriber buffer")
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(1, <-ch)
	assert.NoError(<-published)
	assert.Equal(2, <-ch)
}

func TestBusPublishHonoursContext(t *testing.T) {
	bus := New[int](1)
	_, cleanup := bus.Subscribe(nil)
	defer cleanup()

	assert.NoError(t, bus.Publish(context.Background(), 1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Publish(ctx, 2), context.DeadlineExceeded)
}

func TestBusClose(t *testing.T) {
	assert := assert.New(t)

	bus := New[int](1)
	ch, cleanup := bus.Subscribe(nil)
	bus.Close()
	_, ok := <-ch
	assert.False(ok)
	assert.ErrorIs(bus.Publish(context.Background(), 1), ErrClosed)
	// cleanup after close is harmless
	cleanup()

	late, _ := bus.Subscribe(nil)
	_, ok = <-late
	assert.False(ok)
}
