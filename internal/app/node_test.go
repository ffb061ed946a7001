package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/go-eventsourcing-server/internal/domains/fulfillment"
	inventorydomain "github.com/Apurer/go-eventsourcing-server/internal/domains/inventory/domain"
	orderdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
)

func memoryConfig(t *testing.T, mode string) Config {
	t.Helper()
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TEMPORAL_DISABLED", "true")
	t.Setenv("FULFILLMENT_MODE", mode)
	t.Setenv("OUTBOX_RELAY_INTERVAL", "20ms")
	t.Setenv("SAGA_SWEEP_INTERVAL", "20ms")
	t.Setenv("RETRY_INITIAL_INTERVAL", "1ms")
	t.Setenv("RETRY_MAX_INTERVAL", "5ms")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	node, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	runWorkers(t, node)
	return node
}

// runWorkers starts the node's consumers and returns once all of them are subscribed.
func runWorkers(t *testing.T, node *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.RunWorkers(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		node.Close()
	})
	select {
	case <-node.Ready():
	case err := <-done:
		t.Fatalf("workers exited before subscribing: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumers never subscribed")
	}
}

func submit(t *testing.T, svc ports.Service, aggregateType, id, command string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	_, err = svc.SubmitCommand(context.Background(), ports.CommandRequest{
		AggregateType: aggregateType,
		AggregateID:   id,
		Command:       command,
		Payload:       raw,
	})
	require.NoError(t, err)
}

func placeOrder(t *testing.T, svc ports.Service, orderID, token string) {
	t.Helper()
	submit(t, svc, inventorydomain.AggregateType, "main", inventorydomain.CommandRestock, inventorydomain.Restock{SKU: "sku-1", Quantity: 10})
	submit(t, svc, orderdomain.AggregateType, orderID, orderdomain.CommandCreateOrder, orderdomain.CreateOrder{CustomerID: "c-1", Currency: "EUR", ShippingAddress: "1 Main St"})
	submit(t, svc, orderdomain.AggregateType, orderID, orderdomain.CommandAddItem, orderdomain.AddItem{SKU: "sku-1", Quantity: 2, PriceCents: 1500})
	submit(t, svc, orderdomain.AggregateType, orderID, orderdomain.CommandConfirmOrder, orderdomain.ConfirmOrder{PaymentToken: token})
}

func summaryStatus(t *testing.T, svc ports.Service, orderID string) func() bool {
	return func() bool {
		rec, err := svc.GetReadModel(context.Background(), fulfillment.OrderSummaryProjection, orderID)
		if err != nil {
			return false
		}
		var row fulfillment.OrderSummary
		if err := json.Unmarshal(rec.Doc, &row); err != nil {
			return false
		}
		return row.Status == orderdomain.StatusShipped.String() && row.Tracking != ""
	}
}

func TestNode_OrchestratedFulfillmentShipsOrder(t *testing.T) {
	node := startNode(t, memoryConfig(t, "orchestration"))
	require.True(t, node.Embedded())

	placeOrder(t, node.Service, "o-1", "tok-visa")

	require.Eventually(t, summaryStatus(t, node.Service, "o-1"), 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		inst, err := node.Service.InspectSaga(context.Background(), saga.ID(fulfillment.SagaName, "o-1"))
		return err == nil && inst.Status == ports.SagaCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNode_DeclinedPaymentCancelsOrder(t *testing.T) {
	node := startNode(t, memoryConfig(t, "orchestration"))

	placeOrder(t, node.Service, "o-2", "declined-card")

	require.Eventually(t, func() bool {
		inst, err := node.Service.InspectSaga(context.Background(), saga.ID(fulfillment.SagaName, "o-2"))
		return err == nil && inst.Status == ports.SagaFailed
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		events, err := node.Service.ReadStream(context.Background(), event.StreamID{Type: orderdomain.AggregateType, ID: "o-2"}, 0)
		if err != nil || len(events) == 0 {
			return false
		}
		return events[len(events)-1].Type == orderdomain.EventCancelled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNode_ChoreographedFulfillmentShipsOrder(t *testing.T) {
	node := startNode(t, memoryConfig(t, "choreography"))

	placeOrder(t, node.Service, "o-3", "tok-visa")

	require.Eventually(t, summaryStatus(t, node.Service, "o-3"), 5*time.Second, 20*time.Millisecond)
}

func TestNode_EventsCommittedBeforeWorkersStartAreDelivered(t *testing.T) {
	node, err := Build(context.Background(), memoryConfig(t, "orchestration"), nil)
	require.NoError(t, err)

	placeOrder(t, node.Service, "early", "tok-visa")
	runWorkers(t, node)
	placeOrder(t, node.Service, "late", "tok-visa")

	for _, orderID := range []string{"early", "late"} {
		require.Eventually(t, summaryStatus(t, node.Service, orderID), 5*time.Second, 20*time.Millisecond, orderID)
		require.Eventually(t, func() bool {
			inst, err := node.Service.InspectSaga(context.Background(), saga.ID(fulfillment.SagaName, orderID))
			return err == nil && inst.Status == ports.SagaCompleted
		}, 5*time.Second, 20*time.Millisecond, orderID)
	}
}

func TestNode_SubscriptionsAreNamedAndUnique(t *testing.T) {
	node, err := Build(context.Background(), memoryConfig(t, "orchestration"), nil)
	require.NoError(t, err)
	defer node.Close()

	seen := map[string]bool{}
	for _, sub := range node.Subscriptions() {
		require.NotEmpty(t, sub.Name)
		require.NotNil(t, sub.Handler)
		require.False(t, seen[sub.Name], "duplicate consumer %s", sub.Name)
		seen[sub.Name] = true
	}
	require.True(t, seen[saga.Consumer])
	require.True(t, seen["projection:"+fulfillment.OrderSummaryProjection])
	require.True(t, seen["fulfillment:trigger"])
	require.Nil(t, node.Runner)
}
