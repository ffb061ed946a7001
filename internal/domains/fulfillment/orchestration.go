package fulfillment

import (
	"context"
	"errors"
	"log/slog"

	inventorydomain "github.com/Apurer/go-eventsourcing-server/internal/domains/inventory/domain"
	orderdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	paymentdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/payments/domain"
	shippingdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/shipping/domain"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
)

const (
	StepReserveInventory = "ReserveInventory"
	StepChargePayment    = "ChargePayment"
	StepScheduleShipping = "ScheduleShipping"
)

// Reservation is recorded by ReserveInventory so the release hits the same warehouse.
type Reservation struct {
	Warehouse     string `json:"warehouse"`
	ReservationID string `json:"reservation_id"`
}

// Saga is the FulfillOrder orchestration. Its input is the order.confirmed payload.
func (m *Module) Saga() saga.Definition {
	return saga.Definition{
		Name: SagaName,
		Steps: []saga.Step{
			{
				Name:       StepReserveInventory,
				Perform:    m.reserveInventory,
				Compensate: m.releaseInventory,
				Timeout:    m.cfg.StepTimeout,
			},
			{
				Name:       StepChargePayment,
				Perform:    m.chargePayment,
				Compensate: m.refundPayment,
				Timeout:    m.cfg.StepTimeout,
			},
			{
				Name:       StepScheduleShipping,
				Perform:    m.requestShipment,
				Compensate: m.cancelShipment,
				Timeout:    m.cfg.StepTimeout,
				Await: &saga.Await{
					Success: event.Pattern(shippingdomain.EventScheduled),
					Failure: event.Pattern(shippingdomain.EventRejected),
					Timeout: m.cfg.ShippingTimeout,
				},
			},
		},
		StepRetry:         m.cfg.StepRetry,
		CompensationRetry: m.cfg.CompensationRetry,
		OnFailed:          m.cancelOrder,
	}
}

func input(sc saga.StepContext) (orderdomain.Confirmed, error) {
	var confirmed orderdomain.Confirmed
	if err := sc.DecodeInput(&confirmed); err != nil {
		return confirmed, err
	}
	if confirmed.OrderID == "" {
		return confirmed, errors.New("fulfillment input has no order id")
	}
	return confirmed, nil
}

func (m *Module) reserveInventory(ctx context.Context, sc saga.StepContext) (any, error) {
	order, err := input(sc)
	if err != nil {
		return nil, err
	}
	reservation := Reservation{Warehouse: m.cfg.Warehouse, ReservationID: order.OrderID}
	_, err = m.commands.Dispatch(ctx, inventorydomain.AggregateType, reservation.Warehouse, &inventorydomain.ReserveStock{
		ReservationID: reservation.ReservationID,
		OrderID:       order.OrderID,
		Lines:         reservationLines(order.Items),
	}, sc.Metadata)
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func (m *Module) releaseInventory(ctx context.Context, sc saga.StepContext) error {
	var reservation Reservation
	if err := sc.DecodeData(&reservation); err != nil {
		return err
	}
	if reservation.ReservationID == "" {
		return nil
	}
	_, err := m.commands.Dispatch(ctx, inventorydomain.AggregateType, reservation.Warehouse,
		&inventorydomain.ReleaseReservation{ReservationID: reservation.ReservationID}, sc.Metadata)
	return err
}

func (m *Module) chargePayment(ctx context.Context, sc saga.StepContext) (any, error) {
	order, err := input(sc)
	if err != nil {
		return nil, err
	}
	_, err = m.commands.Dispatch(ctx, paymentdomain.AggregateType, order.OrderID, &paymentdomain.ChargePayment{
		AmountCents:    order.TotalCents,
		Currency:       order.Currency,
		Token:          order.PaymentToken,
		IdempotencyKey: sc.IdempotencyKey,
	}, sc.Metadata)
	return nil, err
}

func (m *Module) refundPayment(ctx context.Context, sc saga.StepContext) error {
	order, err := input(sc)
	if err != nil {
		return err
	}
	_, err = m.commands.Dispatch(ctx, paymentdomain.AggregateType, order.OrderID,
		&paymentdomain.RefundPayment{Reason: "fulfillment failed"}, sc.Metadata)
	return err
}

func (m *Module) requestShipment(ctx context.Context, sc saga.StepContext) (any, error) {
	order, err := input(sc)
	if err != nil {
		return nil, err
	}
	_, err = m.commands.Dispatch(ctx, shippingdomain.AggregateType, order.OrderID, &shippingdomain.RequestShipment{
		Address: order.ShippingAddress,
		Lines:   shipmentLines(order.Items),
	}, sc.Metadata)
	return nil, err
}

func (m *Module) cancelShipment(ctx context.Context, sc saga.StepContext) error {
	order, err := input(sc)
	if err != nil {
		return err
	}
	_, err = m.commands.Dispatch(ctx, shippingdomain.AggregateType, order.OrderID, &shippingdomain.CancelShipment{}, sc.Metadata)
	return err
}

// cancelOrder is the failure hook of both coordination styles.
func (m *Module) cancelOrder(ctx context.Context, inst *ports.SagaInstance) error {
	var confirmed orderdomain.Confirmed
	if len(inst.Input) > 0 {
		if err := (saga.StepContext{Input: inst.Input}).DecodeInput(&confirmed); err != nil {
			return err
		}
	}
	orderID := confirmed.OrderID
	if orderID == "" {
		// chains opened by a participant abort carry no input; orders correlate by their id
		orderID = inst.CorrelationID
	}
	meta := event.Metadata{CorrelationID: inst.CorrelationID, CausationID: inst.ID}
	_, err := m.commands.Dispatch(ctx, orderdomain.AggregateType, orderID, &orderdomain.CancelOrder{Reason: inst.LastError}, meta)
	if err != nil {
		m.logger.WarnContext(ctx, "order cancellation after failed fulfillment was rejected",
			slog.String("order.id", orderID),
			slog.String("saga.id", inst.ID),
			slog.String("error", err.Error()))
	}
	return err
}

// trigger starts FulfillOrder for every confirmed order.
func (m *Module) trigger(ctx context.Context, evt event.Event) error {
	var confirmed orderdomain.Confirmed
	if err := evt.Decode(&confirmed); err != nil {
		return err
	}
	if confirmed.OrderID == "" {
		confirmed.OrderID = evt.AggregateID
	}
	inst, err := m.runner.Start(ctx, SagaName, follow(evt).CorrelationID, confirmed)
	if err != nil {
		return err
	}
	m.logger.DebugContext(ctx, "fulfillment started",
		slog.String("order.id", confirmed.OrderID),
		slog.String("saga.id", inst.ID),
		slog.String("saga.status", string(inst.Status)))
	return nil
}
