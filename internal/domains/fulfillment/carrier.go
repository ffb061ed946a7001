package fulfillment

import (
	"context"
	"errors"
	"log/slog"

	orderdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	shippingdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/shipping/domain"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

// CarrierName is what the simulated carrier reports when it accepts a shipment.
const CarrierName = "acme-freight"

// carrier simulates the external carrier: requests without an address are rejected,
// everything else is scheduled and then dispatched.
func (m *Module) carrier(ctx context.Context, evt event.Event) error {
	var cmd aggregate.Command
	switch evt.Type {
	case shippingdomain.EventRequested:
		var requested shippingdomain.Requested
		if err := evt.Decode(&requested); err != nil {
			return err
		}
		if requested.Address == "" {
			cmd = &shippingdomain.RejectShipment{Reason: "shipping address is missing"}
		} else {
			cmd = &shippingdomain.ConfirmShipment{Carrier: CarrierName}
		}
	case shippingdomain.EventScheduled:
		cmd = &shippingdomain.DispatchShipment{Tracking: "TRK-" + evt.AggregateID}
	default:
		return nil
	}
	return m.react(ctx, shippingdomain.AggregateType, evt.AggregateID, cmd, evt)
}

// markShipped moves the order along once its shipment left the warehouse.
func (m *Module) markShipped(ctx context.Context, evt event.Event) error {
	var dispatched shippingdomain.Dispatched
	if err := evt.Decode(&dispatched); err != nil {
		return err
	}
	return m.react(ctx, orderdomain.AggregateType, evt.AggregateID, &orderdomain.MarkShipped{Tracking: dispatched.Tracking}, evt)
}

// react dispatches cmd on behalf of evt. Rejections are final for a reactor, so they are
// logged instead of being retried and dead-lettered.
func (m *Module) react(ctx context.Context, aggregateType, id string, cmd aggregate.Command, evt event.Event) error {
	_, err := m.commands.Dispatch(ctx, aggregateType, id, cmd, follow(evt))
	if errors.Is(err, aggregate.ErrRuleViolation) {
		m.logger.InfoContext(ctx, "reaction rejected",
			slog.String("event.id", evt.ID),
			slog.String("command", cmd.CommandName()),
			slog.String("stream", aggregateType+"/"+id),
			slog.String("error", err.Error()))
		return nil
	}
	return err
}
