package fulfillment

import (
	"context"
	"errors"
	"log/slog"

	inventorydomain "github.com/Apurer/go-eventsourcing-server/internal/domains/inventory/domain"
	orderdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	paymentdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/payments/domain"
	shippingdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/shipping/domain"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
)

const (
	HopReserve         = "reserve"
	HopCharge          = "charge"
	HopRequestShipping = "request-shipping"
	HopSchedule        = "schedule"
)

// Chain is the choreographed FulfillOrder: each participant reacts to the previous
// participant's event and the coordinator only watches the hops.
func (m *Module) Chain() saga.Chain {
	return saga.Chain{
		Name:    ChainName,
		Trigger: event.Pattern(orderdomain.EventConfirmed),
		Hops: []saga.Hop{
			{Name: HopReserve, Expect: event.Pattern(inventorydomain.EventStockReserved), Compensate: m.releaseHop},
			{Name: HopCharge, Expect: event.Pattern(paymentdomain.EventCharged), Compensate: m.refundHop},
			{Name: HopRequestShipping, Expect: event.Pattern(shippingdomain.EventRequested), Compensate: m.cancelShipmentHop},
			{
				Name:    HopSchedule,
				Expect:  event.Pattern(shippingdomain.EventScheduled),
				Failure: event.Pattern(shippingdomain.EventRejected),
			},
		},
		Window:            m.cfg.Window,
		CompensationRetry: m.cfg.CompensationRetry,
		OnFailed:          m.cancelOrder,
	}
}

func (m *Module) releaseHop(ctx context.Context, sc saga.StepContext) error {
	var reserved inventorydomain.StockReserved
	if err := sc.DecodeData(&reserved); err != nil {
		return err
	}
	_, err := m.commands.Dispatch(ctx, inventorydomain.AggregateType, m.cfg.Warehouse,
		&inventorydomain.ReleaseReservation{ReservationID: reserved.ReservationID}, sc.Metadata)
	return err
}

func (m *Module) refundHop(ctx context.Context, sc saga.StepContext) error {
	var charged paymentdomain.Charged
	if err := sc.DecodeData(&charged); err != nil {
		return err
	}
	_, err := m.commands.Dispatch(ctx, paymentdomain.AggregateType, charged.OrderID,
		&paymentdomain.RefundPayment{Reason: "fulfillment failed"}, sc.Metadata)
	return err
}

func (m *Module) cancelShipmentHop(ctx context.Context, sc saga.StepContext) error {
	var requested shippingdomain.Requested
	if err := sc.DecodeData(&requested); err != nil {
		return err
	}
	_, err := m.commands.Dispatch(ctx, shippingdomain.AggregateType, requested.OrderID, &shippingdomain.CancelShipment{}, sc.Metadata)
	return err
}

// choreograph is the participant side of the chain. A participant that cannot take its
// hop aborts the chain, which compensates the hops already taken.
func (m *Module) choreograph(ctx context.Context, evt event.Event) error {
	var err error
	switch evt.Type {
	case orderdomain.EventConfirmed:
		err = m.reserveFor(ctx, evt)
	case inventorydomain.EventStockReserved:
		err = m.chargeFor(ctx, evt)
	case paymentdomain.EventCharged:
		err = m.shipFor(ctx, evt)
	default:
		return nil
	}
	if err == nil || !errors.Is(err, aggregate.ErrRuleViolation) {
		return err
	}
	meta := follow(evt)
	m.logger.InfoContext(ctx, "fulfillment participant aborted the chain",
		slog.String("event.type", string(evt.Type)),
		slog.String("correlation_id", meta.CorrelationID),
		slog.String("reason", err.Error()))
	_, aerr := m.aborter.Abort(ctx, ChainName, meta.CorrelationID, err.Error())
	return aerr
}

func (m *Module) reserveFor(ctx context.Context, evt event.Event) error {
	var confirmed orderdomain.Confirmed
	if err := evt.Decode(&confirmed); err != nil {
		return err
	}
	orderID := evt.AggregateID
	_, err := m.commands.Dispatch(ctx, inventorydomain.AggregateType, m.cfg.Warehouse, &inventorydomain.ReserveStock{
		ReservationID: orderID,
		OrderID:       orderID,
		Lines:         reservationLines(confirmed.Items),
	}, follow(evt))
	return err
}

// confirmedOrder loads the order behind another aggregate's event. Orders that were
// cancelled meanwhile are skipped.
func (m *Module) confirmedOrder(ctx context.Context, orderID string) (*orderdomain.Order, bool, error) {
	root, err := m.orders.Load(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if root.State.Status != orderdomain.StatusConfirmed {
		m.logger.DebugContext(ctx, "order no longer awaiting fulfillment",
			slog.String("order.id", orderID),
			slog.String("order.status", root.State.Status.String()))
		return nil, false, nil
	}
	return &root.State, true, nil
}

func (m *Module) chargeFor(ctx context.Context, evt event.Event) error {
	var reserved inventorydomain.StockReserved
	if err := evt.Decode(&reserved); err != nil {
		return err
	}
	order, ok, err := m.confirmedOrder(ctx, reserved.OrderID)
	if err != nil || !ok {
		return err
	}
	meta := follow(evt)
	_, err = m.commands.Dispatch(ctx, paymentdomain.AggregateType, order.ID, &paymentdomain.ChargePayment{
		AmountCents:    order.TotalCents(),
		Currency:       order.Currency,
		Token:          order.PaymentToken,
		IdempotencyKey: saga.IdempotencyKey(saga.ID(ChainName, meta.CorrelationID), HopCharge),
	}, meta)
	return err
}

func (m *Module) shipFor(ctx context.Context, evt event.Event) error {
	var charged paymentdomain.Charged
	if err := evt.Decode(&charged); err != nil {
		return err
	}
	order, ok, err := m.confirmedOrder(ctx, charged.OrderID)
	if err != nil || !ok {
		return err
	}
	_, err = m.commands.Dispatch(ctx, shippingdomain.AggregateType, order.ID, &shippingdomain.RequestShipment{
		Address: order.ShippingAddress,
		Lines:   shipmentLines(order.Items),
	}, follow(evt))
	return err
}
