package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/memory"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/schema"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/store"
)

var orderStream = event.Stream("order", "o-1")

func makeEvents(stream event.StreamID, from uint64, types ...event.Type) []event.Event {
	out := make([]event.Event, 0, len(types))
	for i, t := range types {
		version := from + uint64(i) + 1
		out = append(out, event.Event{
			ID:            fmt.Sprintf("%s-%d", stream, version),
			AggregateType: stream.Type,
			AggregateID:   stream.ID,
			Type:          t,
			Version:       version,
			SchemaVersion: 1,
			Payload:       json.RawMessage(`{}`),
			Metadata:      event.Metadata{Timestamp: time.Date(2026, 1, 1, 0, 0, int(version), 0, time.UTC)},
		})
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(_ context.Context, evt event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()
	es := store.New(memory.NewJournal())

	version, err := es.Append(ctx, orderStream, 0, makeEvents(orderStream, 0, "order.created", "order.item_added"))
	require.NoError(t, err)
	require.EqualValues(t, 2, version)

	events, err := es.Read(ctx, orderStream, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.EqualValues(t, 1, events[0].Version)
	require.EqualValues(t, 2, events[1].Version)

	tail, err := es.Read(ctx, orderStream, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)

	current, err := es.Version(ctx, orderStream)
	require.NoError(t, err)
	require.EqualValues(t, 2, current)
}

func TestAppendRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	es := store.New(memory.NewJournal())
	_, err := es.Append(ctx, orderStream, 0, makeEvents(orderStream, 0, "order.created"))
	require.NoError(t, err)

	_, err = es.Append(ctx, orderStream, 0, makeEvents(orderStream, 0, "order.created"))
	require.ErrorIs(t, err, ports.ErrConcurrency)
	var conflict *ports.ConcurrencyError
	require.True(t, errors.As(err, &conflict))
	require.EqualValues(t, 1, conflict.Actual)
}

func TestAppendValidatesEvents(t *testing.T) {
	ctx := context.Background()
	es := store.New(memory.NewJournal())

	_, err := es.Append(ctx, orderStream, 0, nil)
	require.ErrorIs(t, err, store.ErrInvalidAppend)

	gap := makeEvents(orderStream, 1, "order.created")
	_, err = es.Append(ctx, orderStream, 0, gap)
	require.ErrorIs(t, err, store.ErrInvalidAppend)

	foreign := makeEvents(event.Stream("order", "o-2"), 0, "order.created")
	_, err = es.Append(ctx, orderStream, 0, foreign)
	require.ErrorIs(t, err, store.ErrInvalidAppend)

	dup := makeEvents(orderStream, 0, "order.created", "order.item_added")
	dup[1].ID = dup[0].ID
	_, err = es.Append(ctx, orderStream, 0, dup)
	require.ErrorIs(t, err, store.ErrInvalidAppend)

	_, err = es.Append(ctx, event.Stream("", "o-1"), 0, makeEvents(orderStream, 0, "order.created"))
	require.ErrorIs(t, err, event.ErrInvalidStream)
}

func TestFailedAppendPublishesNothing(t *testing.T) {
	ctx := context.Background()
	journal := memory.NewJournal()
	bus := memory.NewBus(2)
	t.Cleanup(bus.Close)
	rec := &recorder{}
	_, err := bus.Subscribe(ctx, ports.Subscription{Name: "rec", Handler: rec.handle})
	require.NoError(t, err)
	es := store.New(journal, store.WithBus(bus))

	journal.FailNextAppend(errors.New("disk full"))
	_, err = es.Append(ctx, orderStream, 0, makeEvents(orderStream, 0, "order.created"))
	require.Error(t, err)
	require.NoError(t, bus.WaitIdle(ctx))
	require.Empty(t, rec.snapshot())

	version, err := es.Version(ctx, orderStream)
	require.NoError(t, err)
	require.Zero(t, version)
}

func TestAppendPublishesThroughOutbox(t *testing.T) {
	ctx := context.Background()
	journal := memory.NewJournal()
	bus := memory.NewBus(4)
	t.Cleanup(bus.Close)
	rec := &recorder{}
	_, err := bus.Subscribe(ctx, ports.Subscription{Name: "rec", Handler: rec.handle})
	require.NoError(t, err)
	es := store.New(journal, store.WithBus(bus), store.WithRelayBatch(1))

	_, err = es.Append(ctx, orderStream, 0, makeEvents(orderStream, 0, "order.created", "order.item_added", "order.confirmed"))
	require.NoError(t, err)
	require.NoError(t, bus.WaitIdle(ctx))

	got := rec.snapshot()
	require.Len(t, got, 3)
	for i, evt := range got {
		require.EqualValues(t, i+1, evt.Version)
	}
	pending, err := journal.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	flushed, err := es.Flush(ctx)
	require.NoError(t, err)
	require.Zero(t, flushed)
}

func TestReadUpcastsStoredEvents(t *testing.T) {
	ctx := context.Background()
	registry := schema.NewRegistry()
	registry.MustRegister("order.item_added", 1, schema.AddField("currency", "EUR"))
	es := store.New(memory.NewJournal(), store.WithSchemas(registry))

	events := makeEvents(orderStream, 0, "order.item_added")
	_, err := es.Append(ctx, orderStream, 0, events)
	require.NoError(t, err)

	read, err := es.Read(ctx, orderStream, 0)
	require.NoError(t, err)
	require.Equal(t, 2, read[0].SchemaVersion)
	require.JSONEq(t, `{"currency":"EUR"}`, string(read[0].Payload))

	var scanned []event.Event
	for evt, err := range es.ReadAll(ctx, ports.ReadAllFilter{}) {
		require.NoError(t, err)
		scanned = append(scanned, evt)
	}
	require.Len(t, scanned, 1)
	require.Equal(t, 2, scanned[0].SchemaVersion)
}

func TestReadAsOfCutsAtTimestamp(t *testing.T) {
	ctx := context.Background()
	es := store.New(memory.NewJournal())
	_, err := es.Append(ctx, orderStream, 0, makeEvents(orderStream, 0, "order.created", "order.item_added", "order.confirmed"))
	require.NoError(t, err)

	prefix, err := es.ReadAsOf(ctx, orderStream, time.Date(2026, 1, 1, 0, 0, 2, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, prefix, 2)
}

func TestRedactKeepsSequence(t *testing.T) {
	ctx := context.Background()
	es := store.New(memory.NewJournal())
	events := makeEvents(orderStream, 0, "order.created", "order.item_added")
	_, err := es.Append(ctx, orderStream, 0, events)
	require.NoError(t, err)

	require.NoError(t, es.Redact(ctx, events[0].ID))
	require.ErrorIs(t, es.Redact(ctx, "missing"), ports.ErrNotFound)

	read, err := es.Read(ctx, orderStream, 0)
	require.NoError(t, err)
	require.Len(t, read, 2)
	require.True(t, read[0].Redacted)
	require.JSONEq(t, string(event.Tombstone()), string(read[0].Payload))
}

func TestRunRelayDeliversLateSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	journal := memory.NewJournal()
	es := store.New(journal)
	_, err := es.Append(ctx, orderStream, 0, makeEvents(orderStream, 0, "order.created"))
	require.NoError(t, err)

	// a store without a bus leaves rows pending
	pending, err := journal.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	bus := memory.NewBus(1)
	t.Cleanup(bus.Close)
	rec := &recorder{}
	_, err = bus.Subscribe(ctx, ports.Subscription{Name: "rec", Handler: rec.handle})
	require.NoError(t, err)
	relay := store.New(journal, store.WithBus(bus))
	done := make(chan error, 1)
	go func() { done <- relay.RunRelay(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestFlushKeepsRowsPendingWithoutSubscribers(t *testing.T) {
	ctx := context.Background()
	journal := memory.NewJournal()
	bus := memory.NewBus(1, memory.WithoutRetention())
	t.Cleanup(bus.Close)
	es := store.New(journal, store.WithBus(bus))

	_, err := es.Append(ctx, orderStream, 0, makeEvents(orderStream, 0, "order.created", "order.confirmed"))
	require.NoError(t, err)
	pending, err := journal.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	rec := &recorder{}
	_, err = bus.Subscribe(ctx, ports.Subscription{Name: "rec", Handler: rec.handle})
	require.NoError(t, err)
	flushed, err := es.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, flushed)
	require.NoError(t, bus.WaitIdle(ctx))
	require.Len(t, rec.snapshot(), 2)

	pending, err = journal.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestConcurrentAppendsToOneStreamHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	journal := memory.NewJournal()
	es := store.New(journal)
	_, err := es.Append(ctx, orderStream, 0, makeEvents(orderStream, 0, "order.created"))
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evts := makeEvents(orderStream, 1, "order.item_added")
			evts[0].ID = fmt.Sprintf("%s-writer-%d", evts[0].ID, i)
			<-start
			_, errs[i] = es.Append(ctx, orderStream, 1, evts)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ports.ErrConcurrency)
	}
	require.Equal(t, 1, wins)

	version, err := es.Version(ctx, orderStream)
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)
}
