package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

func apply(t *testing.T, s Shipment, cmd aggregate.Command) (Shipment, []event.Draft) {
	t.Helper()
	drafts, err := Decide(s, cmd)
	require.NoError(t, err)
	for _, d := range drafts {
		raw, err := json.Marshal(d.Payload)
		require.NoError(t, err)
		s, err = evolver.Evolve(s, event.Event{Type: d.Type, Payload: raw})
		require.NoError(t, err)
	}
	return s, drafts
}

func TestShipmentHappyPath(t *testing.T) {
	s := Shipment{OrderID: "o-1"}
	s, drafts := apply(t, s, &RequestShipment{Address: " 1 Main St ", Lines: []Line{{SKU: "sku-1", Quantity: 2}}})
	require.Len(t, drafts, 1)
	require.Equal(t, StatusRequested, s.Status)
	require.Equal(t, "1 Main St", s.Address)

	_, drafts = apply(t, s, &RequestShipment{Lines: []Line{{SKU: "sku-1", Quantity: 2}}})
	require.Empty(t, drafts)

	s, _ = apply(t, s, &ConfirmShipment{Carrier: "acme"})
	require.Equal(t, StatusScheduled, s.Status)
	_, drafts = apply(t, s, &ConfirmShipment{Carrier: "acme"})
	require.Empty(t, drafts)

	s, _ = apply(t, s, &DispatchShipment{Tracking: "TRK-1"})
	require.Equal(t, StatusDispatched, s.Status)
	require.Equal(t, "TRK-1", s.Tracking)

	_, err := Decide(s, &CancelShipment{})
	require.ErrorIs(t, err, aggregate.ErrInvalidTransition)
}

func TestShipmentRejectedAndCancelled(t *testing.T) {
	requested, _ := apply(t, Shipment{OrderID: "o-1"}, &RequestShipment{Lines: []Line{{SKU: "sku-1", Quantity: 1}}})

	rejected, drafts := apply(t, requested, &RejectShipment{Reason: "no capacity"})
	require.Len(t, drafts, 1)
	require.Equal(t, "no capacity", rejected.Reason)
	_, drafts = apply(t, rejected, &CancelShipment{})
	require.Empty(t, drafts)
	_, err := Decide(rejected, &ConfirmShipment{})
	require.ErrorIs(t, err, aggregate.ErrInvalidTransition)

	cancelled, drafts := apply(t, requested, &CancelShipment{})
	require.Len(t, drafts, 1)
	require.Equal(t, StatusCancelled, cancelled.Status)
	_, err = Decide(cancelled, &DispatchShipment{})
	require.ErrorIs(t, err, aggregate.ErrInvalidTransition)
}

func TestShipmentValidation(t *testing.T) {
	_, err := Decide(Shipment{OrderID: "o-1"}, &RequestShipment{})
	require.ErrorIs(t, err, aggregate.ErrRuleViolation)

	drafts, err := Decide(Shipment{OrderID: "o-1"}, &CancelShipment{})
	require.NoError(t, err)
	require.Empty(t, drafts)
}
