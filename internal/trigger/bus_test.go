// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package trigger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/plugrun/plugrun/internal/trigger"
	"github.com/plugrun/plugrun/pkg/errutil"
)

func receive(t *testing.T, ch <-chan trigger.Event) trigger.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "listener channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return trigger.Event{}
	}
}

func TestBus_PublishThenListen(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := trigger.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := range 3 {
		require.NoError(t, bus.Publish(ctx, trigger.Event{Source: trigger.SourceManual, PluginID: fmt.Sprintf("p%d", i)}))
	}
	assert.Equal(t, 3, bus.Len())

	ch := bus.Listen(ctx)
	for i := range 3 {
		assert.Equal(t, fmt.Sprintf("p%d", i), receive(t, ch).PluginID)
	}
	cancel()
	for range ch {
	}
}

func TestBus_ListenBlocksUntilPublish(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := trigger.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Listen(ctx)
	select {
	case <-ch:
		t.Fatal("unexpected event")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, bus.Publish(ctx, trigger.Event{Payload: "late"}))
	assert.Equal(t, "late", receive(t, ch).Payload)

	cancel()
	for range ch {
	}
}

func TestBus_EachEventDeliveredOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := trigger.NewBus()
	ctx := context.Background()

	const listeners, events = 4, 200
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range listeners {
		ch := bus.Listen(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				mu.Lock()
				seen[ev.PluginID]++
				mu.Unlock()
			}
		}()
	}

	for i := range events {
		require.NoError(t, bus.Publish(ctx, trigger.Event{PluginID: fmt.Sprintf("p%d", i)}))
	}
	require.Eventually(t, func() bool { return bus.Len() == 0 }, time.Second, 5*time.Millisecond)
	bus.Close()
	wg.Wait()

	assert.Len(t, seen, events)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s delivered %d times", id, n)
	}
}

func TestBus_CloseDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := trigger.NewBus()
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, trigger.Event{PluginID: "a"}))
	require.NoError(t, bus.Publish(ctx, trigger.Event{PluginID: "b"}))
	bus.Close()
	bus.Close()

	var got []string
	for ev := range bus.Listen(ctx) {
		got = append(got, ev.PluginID)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := trigger.NewBus()
	bus.Close()

	err := bus.Publish(context.Background(), trigger.Event{})
	errutil.AssertCodedSentinel(t, err, "TRIGGER_BUS_CLOSED", trigger.ErrBusClosed)
}

func TestBus_CancelledListenerKeepsEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := trigger.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Listen(ctx)
	cancel()
	for range ch {
	}

	require.NoError(t, bus.Publish(context.Background(), trigger.Event{PluginID: "kept"}))
	assert.Equal(t, 1, bus.Len())

	other, stop := context.WithCancel(context.Background())
	defer stop()
	assert.Equal(t, "kept", receive(t, bus.Listen(other)).PluginID)
	stop()
}
