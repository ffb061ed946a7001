package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

func busEvent(aggregateID string, version uint64, typ event.Type) event.Event {
	return event.Event{
		ID:            fmt.Sprintf("%s-%d", aggregateID, version),
		AggregateType: "order",
		AggregateID:   aggregateID,
		Type:          typ,
		Version:       version,
	}
}

func TestBusPreservesPerStreamOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(4)
	t.Cleanup(bus.Close)

	var mu sync.Mutex
	seen := map[string][]uint64{}
	misrouted := 0
	_, err := bus.Subscribe(ctx, ports.Subscription{Name: "order", Handler: func(ctx context.Context, evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if evt.Partition(4) != ports.PartitionFromContext(ctx) {
			misrouted++
		}
		seen[evt.AggregateID] = append(seen[evt.AggregateID], evt.Version)
		return nil
	}})
	require.NoError(t, err)

	for v := uint64(1); v <= 50; v++ {
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, bus.Publish(ctx, busEvent(id, v, "order.item_added")))
		}
	}
	require.NoError(t, bus.WaitIdle(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, misrouted)
	for _, id := range []string{"a", "b", "c"} {
		require.Len(t, seen[id], 50)
		for i, v := range seen[id] {
			require.EqualValues(t, i+1, v)
		}
	}
}

func TestBusFiltersByPattern(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(2)
	t.Cleanup(bus.Close)

	var mu sync.Mutex
	var got []event.Type
	_, err := bus.Subscribe(ctx, ports.Subscription{Name: "payments", Pattern: "payment.*", Handler: func(_ context.Context, evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Type)
		return nil
	}})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, busEvent("o-1", 1, "order.created"), busEvent("o-1", 2, "payment.charged")))
	require.NoError(t, bus.WaitIdle(ctx))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []event.Type{"payment.charged"}, got)
}

func TestBusRedeliversFailingHandler(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(1, WithRedeliveries(2))
	t.Cleanup(bus.Close)

	var mu sync.Mutex
	calls := 0
	_, err := bus.Subscribe(ctx, ports.Subscription{Name: "flaky", Handler: func(context.Context, event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("unavailable")
	}})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, busEvent("o-1", 1, "order.created")))
	require.NoError(t, bus.WaitIdle(ctx))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, calls)
}

func TestBusStopEndsDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(1)
	t.Cleanup(bus.Close)

	var mu sync.Mutex
	count := 0
	stop, err := bus.Subscribe(ctx, ports.Subscription{Name: "once", Handler: func(context.Context, event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, busEvent("o-1", 1, "order.created")))
	require.NoError(t, bus.WaitIdle(ctx))

	stop()
	stop()
	require.NoError(t, bus.Publish(ctx, busEvent("o-1", 2, "order.confirmed")))
	require.NoError(t, bus.WaitIdle(ctx))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestBusRejectsInvalidSubscriptions(t *testing.T) {
	bus := NewBus(1)
	t.Cleanup(bus.Close)
	_, err := bus.Subscribe(context.Background(), ports.Subscription{Name: "nil"})
	require.Error(t, err)
	_, err = bus.Subscribe(context.Background(), ports.Subscription{Name: "bad", Pattern: "[", Handler: func(context.Context, event.Event) error { return nil }})
	require.Error(t, err)
}

func TestBusCloseWaitsForWorkers(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(2)
	block := make(chan struct{})
	_, err := bus.Subscribe(ctx, ports.Subscription{Name: "slow", Handler: func(ctx context.Context, _ event.Event) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, busEvent("o-1", 1, "order.created")))

	closed := make(chan struct{})
	go func() {
		bus.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not close")
	}
	close(block)
}

func TestBusReplaysHistoryToEarliestSubscribers(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(2)
	t.Cleanup(bus.Close)

	require.NoError(t, bus.Publish(ctx, busEvent("o-1", 1, "order.created"), busEvent("o-1", 2, "payment.charged")))

	var mu sync.Mutex
	var earliest, latest []event.Type
	_, err := bus.Subscribe(ctx, ports.Subscription{Name: "projection", Pattern: "order.*", Start: ports.StartEarliest, Handler: func(_ context.Context, evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		earliest = append(earliest, evt.Type)
		return nil
	}})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, ports.Subscription{Name: "stream", Handler: func(_ context.Context, evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		latest = append(latest, evt.Type)
		return nil
	}})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, busEvent("o-1", 3, "order.confirmed")))
	require.NoError(t, bus.WaitIdle(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []event.Type{"order.created", "order.confirmed"}, earliest)
	require.Equal(t, []event.Type{"order.confirmed"}, latest)
}

func TestBusWithoutRetentionRejectsPublishWithoutSubscribers(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(1, WithoutRetention())
	t.Cleanup(bus.Close)

	require.ErrorIs(t, bus.Publish(ctx, busEvent("o-1", 1, "order.created")), ports.ErrNoSubscribers)

	var mu sync.Mutex
	count := 0
	_, err := bus.Subscribe(ctx, ports.Subscription{Name: "late", Start: ports.StartEarliest, Handler: func(context.Context, event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, busEvent("o-1", 2, "order.confirmed")))
	require.NoError(t, bus.WaitIdle(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}
