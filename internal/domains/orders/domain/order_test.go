package domain_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/memory"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/schema"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/store"
)

func newOrders(t *testing.T) (*aggregate.Runtime[domain.Order], *store.Store) {
	t.Helper()
	registry := schema.NewRegistry()
	require.NoError(t, domain.RegisterSchemas(registry))
	es := store.New(memory.NewJournal(), store.WithSchemas(registry))
	rt, err := aggregate.NewRuntime(domain.Definition(), es, aggregate.WithRetryPolicy(retry.Immediate(3)))
	require.NoError(t, err)
	return rt, es
}

func version(v uint64) *uint64 { return &v }

func TestOrderOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	rt, _ := newOrders(t)

	res, err := rt.Handle(ctx, aggregate.Request{
		ID:              "Order-1",
		Command:         &domain.CreateOrder{CustomerID: "c-1", Currency: "eur"},
		ExpectedVersion: version(0),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Root.Version)
	require.Equal(t, "EUR", res.Root.State.Currency)

	loaded, err := rt.Load(ctx, "Order-1")
	require.NoError(t, err)
	res, err = rt.Handle(ctx, aggregate.Request{
		ID:              "Order-1",
		Command:         &domain.AddItem{SKU: "sku-1", Quantity: 2, PriceCents: 1500},
		ExpectedVersion: version(loaded.Version),
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Root.Version)

	_, err = rt.Handle(ctx, aggregate.Request{
		ID:              "Order-1",
		Command:         &domain.AddItem{SKU: "sku-2", Quantity: 1, PriceCents: 100},
		ExpectedVersion: version(1),
	})
	require.ErrorIs(t, err, ports.ErrConcurrency)
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	rt, _ := newOrders(t)
	submit := func(cmd aggregate.Command) (aggregate.Result[domain.Order], error) {
		return rt.Handle(ctx, aggregate.Request{ID: "o-1", Command: cmd})
	}

	_, err := submit(&domain.ConfirmOrder{PaymentToken: "tok"})
	require.ErrorIs(t, err, aggregate.ErrInvalidTransition)

	_, err = submit(&domain.CreateOrder{CustomerID: "c-1", ShippingAddress: " 1 Main St "})
	require.NoError(t, err)
	_, err = submit(&domain.CreateOrder{CustomerID: "c-1"})
	require.ErrorIs(t, err, aggregate.ErrInvalidTransition)

	_, err = submit(&domain.ConfirmOrder{PaymentToken: "tok"})
	require.ErrorIs(t, err, aggregate.ErrRuleViolation)

	_, err = submit(&domain.AddItem{SKU: "sku-1", Quantity: 2, PriceCents: 1500})
	require.NoError(t, err)
	_, err = submit(&domain.AddItem{SKU: "sku-2", Quantity: 1, PriceCents: 250})
	require.NoError(t, err)
	_, err = submit(&domain.ConfirmOrder{})
	require.ErrorIs(t, err, aggregate.ErrRuleViolation)

	res, err := submit(&domain.ConfirmOrder{PaymentToken: "tok"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, res.Root.State.Status)
	var confirmed domain.Confirmed
	require.NoError(t, res.Events[0].Decode(&confirmed))
	require.EqualValues(t, 3250, confirmed.TotalCents)
	require.Equal(t, domain.DefaultCurrency, confirmed.Currency)
	require.Equal(t, "1 Main St", confirmed.ShippingAddress)
	require.Len(t, confirmed.Items, 2)

	_, err = submit(&domain.AddItem{SKU: "sku-3", Quantity: 1})
	require.ErrorIs(t, err, aggregate.ErrInvalidTransition)
	_, err = submit(&domain.CloseOrder{})
	require.ErrorIs(t, err, aggregate.ErrInvalidTransition)

	res, err = submit(&domain.MarkShipped{Tracking: "TRK-1"})
	require.NoError(t, err)
	require.Equal(t, "TRK-1", res.Root.State.Tracking)
	res, err = submit(&domain.MarkShipped{Tracking: "TRK-1"})
	require.NoError(t, err)
	require.Empty(t, res.Events)

	_, err = submit(&domain.CancelOrder{Reason: "too late"})
	require.ErrorIs(t, err, aggregate.ErrInvalidTransition)

	res, err = submit(&domain.CloseOrder{})
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, res.Root.State.Status)
}

func TestCancelOrderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rt, _ := newOrders(t)
	_, err := rt.Handle(ctx, aggregate.Request{ID: "o-1", Command: &domain.CreateOrder{CustomerID: "c-1"}})
	require.NoError(t, err)

	res, err := rt.Handle(ctx, aggregate.Request{ID: "o-1", Command: &domain.CancelOrder{Reason: "payment declined"}})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.Equal(t, "payment declined", res.Root.State.CancelReason)

	res, err = rt.Handle(ctx, aggregate.Request{ID: "o-1", Command: &domain.CancelOrder{Reason: "again"}})
	require.NoError(t, err)
	require.Empty(t, res.Events)
	require.EqualValues(t, 2, res.Root.Version)
}

func TestCreateOrderValidation(t *testing.T) {
	cases := []domain.CreateOrder{
		{CustomerID: " "},
		{CustomerID: "c-1", Currency: "EURO"},
	}
	for _, cmd := range cases {
		_, err := domain.Decide(domain.Order{ID: "o-1"}, &cmd)
		require.ErrorIs(t, err, aggregate.ErrRuleViolation, "%+v", cmd)
	}
	for _, cmd := range []domain.AddItem{
		{SKU: "", Quantity: 1},
		{SKU: "sku-1", Quantity: 0},
		{SKU: "sku-1", Quantity: 1, PriceCents: -1},
	} {
		_, err := domain.Decide(domain.Order{ID: "o-1", Status: domain.StatusDraft}, &cmd)
		require.ErrorIs(t, err, aggregate.ErrRuleViolation, "%+v", cmd)
	}
}

func TestCreatedV1IsUpcastWithDefaultCurrency(t *testing.T) {
	ctx := context.Background()
	rt, es := newOrders(t)
	stream := event.Stream(domain.AggregateType, "legacy-1")

	_, err := es.Append(ctx, stream, 0, []event.Event{{
		ID:            "legacy-created",
		AggregateType: stream.Type,
		AggregateID:   stream.ID,
		Type:          domain.EventCreated,
		Version:       1,
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"order_id":"legacy-1","customer_id":"c-9"}`),
	}})
	require.NoError(t, err)

	root, err := rt.Load(ctx, "legacy-1")
	require.NoError(t, err)
	require.Equal(t, domain.DefaultCurrency, root.State.Currency)
	require.Equal(t, "c-9", root.State.CustomerID)

	res, err := rt.Handle(ctx, aggregate.Request{ID: "o-2", Command: &domain.CreateOrder{CustomerID: "c-1", Currency: "GBP"}})
	require.NoError(t, err)
	require.Equal(t, 2, res.Events[0].SchemaVersion)
}
