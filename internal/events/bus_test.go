package events

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInPublicationOrder(t *testing.T) {
	bus := NewBus[int](10)
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		assert.Equal(t, 1, bus.Publish(i))
	}

	ctx := context.Background()
	for want := 1; want <= 5; want++ {
		got, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus[int](3)
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		bus.Publish(i)
		got, err := fast.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}

	assert.Equal(t, uint64(2), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())

	var got []int
	for slow.Len() > 0 {
		v, err := slow.Recv(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)
}

func TestBus_RecvWaitsForPublish(t *testing.T) {
	bus := NewBus[string](4)
	sub := bus.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	go func() {
		defer wg.Done()
		v, err := sub.Recv(context.Background())
		if err == nil {
			got = v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish("done")
	wg.Wait()
	assert.Equal(t, "done", got)
}

func TestBus_RecvHonorsContext(t *testing.T) {
	bus := NewBus[int](1)
	sub := bus.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := NewBus[int](2)
	sub := bus.Subscribe()

	bus.Close()

	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	assert.Equal(t, 0, bus.Publish(1))

	late := bus.Subscribe()
	_, err = late.Recv(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestSubscription_CloseDetaches(t *testing.T) {
	bus := NewBus[int](2)
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.Subscribers())

	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())
	assert.Equal(t, 0, bus.Publish(7))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))

	long := strings.Repeat("é", PreviewLength+10)
	p := Preview(long)
	assert.Equal(t, PreviewLength, len([]rune(p)))
}
