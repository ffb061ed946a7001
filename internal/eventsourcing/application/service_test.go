package application_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	orderdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/memory"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/application"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/deadletter"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/projection"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/schema"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/store"
)

type missingSagas struct{}

func (missingSagas) Inspect(_ context.Context, id string) (*ports.SagaInstance, error) {
	return nil, fmt.Errorf("%w: saga %s", ports.ErrNotFound, id)
}

func (missingSagas) Cancel(_ context.Context, id string) (*ports.SagaInstance, error) {
	return nil, fmt.Errorf("%w: saga %s", ports.ErrNotFound, id)
}

type fixture struct {
	svc *application.Service
	dlq *deadletter.Manager
}

func newService(t *testing.T, opts ...application.Option) fixture {
	t.Helper()
	bus := memory.NewBus(2)
	t.Cleanup(bus.Close)
	registry := schema.NewRegistry()
	require.NoError(t, orderdomain.RegisterSchemas(registry))
	es := store.New(memory.NewJournal(), store.WithBus(bus), store.WithSchemas(registry))

	orders, err := aggregate.NewRuntime(orderdomain.Definition(), es, aggregate.WithRetryPolicy(retry.Immediate(3)))
	require.NoError(t, err)
	commands := aggregate.NewDispatcher()
	require.NoError(t, commands.Register(orders))

	dlq, err := deadletter.NewManager(memory.NewDeadLetterStore())
	require.NoError(t, err)
	engine := projection.NewEngine(memory.NewReadModelStore(), es, dlq, projection.WithRetryPolicy(retry.Immediate(1)))
	require.NoError(t, engine.Register(projection.Projector{
		Name:   "customers",
		Events: []event.Pattern{event.Pattern(orderdomain.EventCreated)},
		Project: func(_ context.Context, docs ports.Documents, evt event.Event) error {
			var created orderdomain.Created
			if err := evt.Decode(&created); err != nil {
				return err
			}
			return docs.Put(evt.AggregateID, map[string]string{"customer_id": created.CustomerID})
		},
	}))

	svc := application.NewService(commands, es, engine, bus, dlq, missingSagas{}, opts...)
	return fixture{svc: svc, dlq: dlq}
}

func createOrder(key string, customer string) ports.CommandRequest {
	payload, _ := json.Marshal(orderdomain.CreateOrder{CustomerID: customer, Currency: "EUR", ShippingAddress: "1 Main St"})
	return ports.CommandRequest{
		AggregateType:  orderdomain.AggregateType,
		AggregateID:    "o-1",
		Command:        orderdomain.CommandCreateOrder,
		Payload:        payload,
		IdempotencyKey: key,
	}
}

func TestSubmitCommandAppendsAndReads(t *testing.T) {
	ctx := context.Background()
	f := newService(t)

	result, err := f.svc.SubmitCommand(ctx, createOrder("", "c-1"))
	require.NoError(t, err)
	require.EqualValues(t, 1, result.AppliedVersion)
	require.Len(t, result.EventIDs, 1)
	require.False(t, result.Replayed)

	events, err := f.svc.ReadStream(ctx, event.Stream(orderdomain.AggregateType, "o-1"), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, result.EventIDs[0], events[0].ID)

	_, err = f.svc.ReadStream(ctx, event.StreamID{}, 0)
	require.ErrorIs(t, err, application.ErrInvalidInput)
}

func TestSubmitCommandRejectsIncompleteRequests(t *testing.T) {
	f := newService(t)
	_, err := f.svc.SubmitCommand(context.Background(), ports.CommandRequest{AggregateType: orderdomain.AggregateType})
	require.ErrorIs(t, err, application.ErrInvalidInput)

	req := createOrder("", "c-1")
	req.Command = "Teleport"
	_, err = f.svc.SubmitCommand(context.Background(), req)
	require.ErrorIs(t, err, aggregate.ErrUnknownCommand)
}

func TestIdempotencyKeyReplaysOriginalResult(t *testing.T) {
	ctx := context.Background()
	f := newService(t, application.WithIdempotency(memory.NewIdempotencyStore()))

	first, err := f.svc.SubmitCommand(ctx, createOrder("key-1", "c-1"))
	require.NoError(t, err)

	again, err := f.svc.SubmitCommand(ctx, createOrder("key-1", "c-1"))
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.EventIDs, again.EventIDs)
	require.Equal(t, first.AppliedVersion, again.AppliedVersion)

	events, err := f.svc.ReadStream(ctx, event.Stream(orderdomain.AggregateType, "o-1"), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = f.svc.SubmitCommand(ctx, createOrder("key-1", "c-2"))
	require.ErrorIs(t, err, ports.ErrIdempotencyConflict)
}

func TestFingerprintIgnoresFormatting(t *testing.T) {
	a := createOrder("k", "c-1")
	b := a
	b.Payload = json.RawMessage("{\n  \"customer_id\": \"c-1\", \"currency\": \"EUR\", \"shipping_address\": \"1 Main St\"\n}")
	b.Metadata = event.Metadata{UserID: "someone"}
	fa, err := application.FingerprintCommand(a)
	require.NoError(t, err)
	fb, err := application.FingerprintCommand(b)
	require.NoError(t, err)
	require.Equal(t, fa, fb)

	b.AggregateID = "o-2"
	fc, err := application.FingerprintCommand(b)
	require.NoError(t, err)
	require.NotEqual(t, fa, fc)
}

func TestSubscribeDeliversMatchingEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newService(t)

	events, stop, err := f.svc.Subscribe(ctx, "order.*")
	require.NoError(t, err)
	defer stop()

	_, err = f.svc.SubmitCommand(ctx, createOrder("", "c-1"))
	require.NoError(t, err)

	select {
	case evt := <-events:
		require.Equal(t, orderdomain.EventCreated, evt.Type)
	case <-ctx.Done():
		t.Fatal("no event delivered")
	}

	_, _, err = f.svc.Subscribe(ctx, "order.[")
	require.ErrorIs(t, err, application.ErrInvalidInput)
}

func TestProjectionQueriesAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newService(t)
	_, err := f.svc.SubmitCommand(ctx, createOrder("", "c-1"))
	require.NoError(t, err)

	report, err := f.svc.RebuildProjection(ctx, "customers")
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)

	rec, err := f.svc.GetReadModel(ctx, "customers", "o-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"customer_id":"c-1"}`, string(rec.Doc))

	_, err = f.svc.Query(ctx, "customers", ports.Filter{Limit: -1})
	require.ErrorIs(t, err, application.ErrInvalidInput)
	_, err = f.svc.Query(ctx, "nope", ports.Filter{})
	require.ErrorIs(t, err, ports.ErrNotFound)

	bad := event.Event{ID: "e-x", AggregateType: orderdomain.AggregateType, AggregateID: "o-9", Type: orderdomain.EventCreated, Version: 1, Payload: json.RawMessage(`{"customer_id":"c-9"}`)}
	_, err = f.dlq.Quarantine(ctx, projection.Consumer("customers"), 0, bad, fmt.Errorf("boom"), 3)
	require.NoError(t, err)

	pending, err := f.svc.ListDeadLetters(ctx, "customers")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	replayed, err := f.svc.ReplayDeadLetters(ctx, projection.Consumer("customers"))
	require.NoError(t, err)
	require.Equal(t, 1, replayed.Replayed)

	_, err = f.svc.ReplayDeadLetters(ctx, "nobody")
	require.ErrorIs(t, err, ports.ErrNotFound)
}

func TestReplayHandlerServesReactorDeadLetters(t *testing.T) {
	ctx := context.Background()
	var handled []string
	f := newService(t, application.WithReplayHandler("fulfillment:carrier", func(_ context.Context, evt event.Event) error {
		handled = append(handled, evt.ID)
		return nil
	}))
	_, err := f.dlq.Quarantine(ctx, "fulfillment:carrier", 1, event.Event{ID: "e-1", Type: "shipping.requested"}, fmt.Errorf("carrier down"), 5)
	require.NoError(t, err)

	report, err := f.svc.ReplayDeadLetters(ctx, "fulfillment:carrier")
	require.NoError(t, err)
	require.Equal(t, 1, report.Replayed)
	require.Equal(t, []string{"e-1"}, handled)
}

func TestSagaLookupsPassThrough(t *testing.T) {
	f := newService(t)
	_, err := f.svc.InspectSaga(context.Background(), "FulfillOrder:o-1")
	require.ErrorIs(t, err, ports.ErrNotFound)
	_, err = f.svc.CancelSaga(context.Background(), "FulfillOrder:o-1")
	require.ErrorIs(t, err, ports.ErrNotFound)
}
