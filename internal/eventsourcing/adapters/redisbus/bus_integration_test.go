//go:build integration
// +build integration

// To enable gopls support for this file, add the following to your VSCode settings.json:
// "gopls": {
//   "buildFlags": ["-tags=integration"]
// }

package redisbus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/redisbus"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

func setupRedisContainer(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func orderEvent(id string, version uint64, typ event.Type) event.Event {
	return event.Event{
		ID:            fmt.Sprintf("%s-%d", id, version),
		AggregateType: "order",
		AggregateID:   id,
		Type:          typ,
		Version:       version,
		SchemaVersion: 1,
		Payload:       []byte(`{}`),
	}
}

func TestBus_DeliversInOrderPerAggregate(t *testing.T) {
	client := setupRedisContainer(t)
	bus := redisbus.New(client, 4, redisbus.WithBlock(100*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string][]uint64{}
	done := make(chan struct{})
	total := 0
	stop, err := bus.Subscribe(ctx, ports.Subscription{
		Name:    "projection:order_summary",
		Pattern: "order.*",
		Start:   ports.StartEarliest,
		Handler: func(_ context.Context, evt event.Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen[evt.AggregateID] = append(seen[evt.AggregateID], evt.Version)
			total++
			if total == 30 {
				close(done)
			}
			return nil
		},
	})
	require.NoError(t, err)
	defer stop()

	for v := uint64(1); v <= 10; v++ {
		for _, id := range []string{"o-1", "o-2", "o-3"} {
			require.NoError(t, bus.Publish(ctx, orderEvent(id, v, "order.item_added")))
		}
	}
	require.NoError(t, bus.Publish(ctx, event.Event{ID: "x", AggregateType: "inventory", AggregateID: "main", Type: "inventory.restocked"}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	for _, versions := range seen {
		require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, versions)
	}
}

func TestBus_RedeliversFailedHandlerAndResumesPending(t *testing.T) {
	client := setupRedisContainer(t)
	bus := redisbus.New(client, 1, redisbus.WithBlock(100*time.Millisecond), redisbus.WithRedeliveries(2))
	ctx := context.Background()

	attempts := 0
	handled := make(chan event.Event, 1)
	stop, err := bus.Subscribe(ctx, ports.Subscription{
		Name:  "saga:coordinator",
		Start: ports.StartEarliest,
		Handler: func(_ context.Context, evt event.Event) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			handled <- evt
			return nil
		},
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, bus.Publish(ctx, orderEvent("o-9", 1, "order.placed")))
	select {
	case evt := <-handled:
		require.Equal(t, "o-9-1", evt.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not redelivered")
	}
	require.Equal(t, 3, attempts)

	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, bus.Stream(0), "saga:coordinator").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 50*time.Millisecond)
}
