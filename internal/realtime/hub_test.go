package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHub_ConversationScopedDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(16, 2)
	hub.Run(ctx)

	var c1Hits, c2Hits atomic.Int64
	hub.Subscribe("conv1", func(Event) { c1Hits.Add(1) })
	hub.Subscribe("conv2", func(Event) { c2Hits.Add(1) })

	hub.Publish(ctx, Event{ConversationId: "conv1"})
	hub.Publish(ctx, Event{ConversationId: "conv1"})

	waitFor(t, func() bool { return c1Hits.Load() == 2 })
	assert.Equal(t, int64(0), c2Hits.Load(), "other conversation must not be notified")
}

func TestHub_GlobalSeesEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(16, 2)
	hub.Run(ctx)

	var mu sync.Mutex
	var seen []string
	hub.SubscribeGlobal(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.ConversationId)
		mu.Unlock()
	})

	hub.Publish(ctx, Event{ConversationId: "conv1"})
	hub.Publish(ctx, Event{ConversationId: "conv2"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	assert.ElementsMatch(t, []string{"conv1", "conv2"}, seen)
	mu.Unlock()
}

func TestHub_CancelStopsCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(16, 1)
	hub.Run(ctx)

	var hits atomic.Int64
	unsubscribe := hub.Subscribe("conv1", func(Event) { hits.Add(1) })

	hub.Publish(ctx, Event{ConversationId: "conv1"})
	waitFor(t, func() bool { return hits.Load() == 1 })

	unsubscribe()
	hub.Publish(ctx, Event{ConversationId: "conv1"})

	// Give the worker a chance to (wrongly) deliver.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), hits.Load(), "no callbacks after cancel")
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	hub := NewHub(16, 1)
	unsubscribe := hub.Subscribe("conv1", func(Event) {})
	unsubscribe()
	unsubscribe()
}

func TestHub_DropsWhenQueueFull(t *testing.T) {
	// No workers running, queue size 1: the second publish must drop, not block.
	hub := NewHub(1, 1)

	done := make(chan struct{})
	go func() {
		hub.Publish(context.Background(), Event{ConversationId: "conv1"})
		hub.Publish(context.Background(), Event{ConversationId: "conv1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full queue")
	}
	require.Equal(t, int64(1), hub.Dropped())
}

func TestHub_ConcurrentPublishAndSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(1024, 4)
	hub.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				unsub := hub.Subscribe("conv1", func(Event) {})
				hub.Publish(ctx, Event{ConversationId: "conv1"})
				unsub()
			}
		}()
	}
	wg.Wait()
}
