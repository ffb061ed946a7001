package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

const itemAdded event.Type = "order.item_added"

func TestUnregisteredTypesAreVersionOne(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, 1, r.CurrentVersion("order.created"))

	var nilRegistry *Registry
	require.Equal(t, 1, nilRegistry.CurrentVersion("order.created"))
	evt := event.Event{Type: "order.created", SchemaVersion: 1, Payload: []byte(`{}`)}
	out, err := nilRegistry.Upcast(evt)
	require.NoError(t, err)
	require.Equal(t, evt, out)
}

func TestUpcastWalksTheChain(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(itemAdded, 1, AddField("currency", "EUR"))
	r.MustRegister(itemAdded, 2, RenameField("qty", "quantity"))
	require.Equal(t, 3, r.CurrentVersion(itemAdded))

	stored := event.Event{ID: "e-1", Type: itemAdded, SchemaVersion: 1, Payload: []byte(`{"sku":"sku-1","qty":2}`)}
	out, err := r.Upcast(stored)
	require.NoError(t, err)
	require.Equal(t, 3, out.SchemaVersion)
	require.JSONEq(t, `{"sku":"sku-1","quantity":2,"currency":"EUR"}`, string(out.Payload))

	mid := event.Event{ID: "e-2", Type: itemAdded, SchemaVersion: 2, Payload: []byte(`{"qty":1,"currency":"USD"}`)}
	out, err = r.Upcast(mid)
	require.NoError(t, err)
	require.JSONEq(t, `{"quantity":1,"currency":"USD"}`, string(out.Payload))

	// the stored event is not mutated
	require.JSONEq(t, `{"sku":"sku-1","qty":2}`, string(stored.Payload))
}

func TestUpcastIsDeterministic(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(itemAdded, 1, Chain(AddField("currency", "EUR"), RenameField("qty", "quantity")))
	evt := event.Event{Type: itemAdded, SchemaVersion: 1, Payload: []byte(`{"qty":3}`)}

	first, err := r.Upcast(evt)
	require.NoError(t, err)
	second, err := r.Upcast(evt)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestCurrentVersionAndRedactedEventsPassThrough(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(itemAdded, 1, AddField("currency", "EUR"))

	current := event.Event{Type: itemAdded, SchemaVersion: 2, Payload: []byte(`{"qty":1}`)}
	out, err := r.Upcast(current)
	require.NoError(t, err)
	require.Equal(t, current, out)

	redacted := event.Event{Type: itemAdded, SchemaVersion: 1, Redacted: true, Payload: event.Tombstone()}
	out, err = r.Upcast(redacted)
	require.NoError(t, err)
	require.Equal(t, redacted, out)
}

func TestUpcastGapIsReported(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(itemAdded, 2, AddField("currency", "EUR"))

	_, err := r.Upcast(event.Event{Type: itemAdded, SchemaVersion: 1, Payload: []byte(`{}`)})
	require.ErrorIs(t, err, ErrMissingUpcaster)
}

func TestUpcasterErrorsPropagate(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.MustRegister(itemAdded, 1, func(map[string]any) (map[string]any, error) { return nil, boom })

	_, err := r.Upcast(event.Event{Type: itemAdded, SchemaVersion: 1, Payload: []byte(`{}`)})
	require.ErrorIs(t, err, boom)

	_, err = r.UpcastAll([]event.Event{{Type: itemAdded, SchemaVersion: 1, Payload: []byte(`{}`)}})
	require.ErrorIs(t, err, boom)
}

func TestRegisterRejectsInvalidUpcasters(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(itemAdded, 0, AddField("a", 1)))
	require.Error(t, r.Register(itemAdded, 1, nil))
	require.NoError(t, r.Register(itemAdded, 1, AddField("a", 1)))
	require.Error(t, r.Register(itemAdded, 1, AddField("b", 2)))
	require.Panics(t, func() { r.MustRegister(itemAdded, 1, AddField("c", 3)) })
}

func TestMissingSchemaVersionCountsAsOne(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(itemAdded, 1, AddField("currency", "EUR"))

	out, err := r.Upcast(event.Event{Type: itemAdded, Payload: []byte(`{"qty":1}`)})
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	require.Equal(t, "EUR", payload["currency"])
	require.Equal(t, 2, out.SchemaVersion)
}
