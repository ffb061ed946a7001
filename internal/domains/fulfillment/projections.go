package fulfillment

import (
	"context"
	"time"

	inventorydomain "github.com/Apurer/go-eventsourcing-server/internal/domains/inventory/domain"
	orderdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	paymentdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/payments/domain"
	shippingdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/shipping/domain"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/projection"
)

const (
	OrderSummaryProjection    = "order_summary"
	InventoryLevelsProjection = "inventory_levels"
)

// OrderSummary is one row of the order_summary read model. Payment and shipment events
// can arrive before the order's own events, so every field is filled independently.
type OrderSummary struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id,omitempty"`
	Currency   string `json:"currency,omitempty"`
	Status     string `json:"status,omitempty"`
	ItemCount  int    `json:"item_count"`
	TotalCents int64  `json:"total_cents"`
	// AverageItemCents is derived: total divided by the number of units.
	AverageItemCents int64     `json:"average_item_cents"`
	PaymentStatus    string    `json:"payment_status,omitempty"`
	ShipmentStatus   string    `json:"shipment_status,omitempty"`
	Carrier          string    `json:"carrier,omitempty"`
	Tracking         string    `json:"tracking,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s *OrderSummary) addItem(quantity int, priceCents int64) {
	s.ItemCount += quantity
	s.TotalCents += int64(quantity) * priceCents
	s.AverageItemCents = 0
	if s.ItemCount > 0 {
		s.AverageItemCents = s.TotalCents / int64(s.ItemCount)
	}
}

// latest keeps rows independent of the order in which different streams are applied.
func latest(current, candidate time.Time) time.Time {
	if candidate.After(current) {
		return candidate.UTC()
	}
	return current
}

// StockLevel is one row of inventory_levels, keyed "<warehouse>/<sku>".
type StockLevel struct {
	Warehouse string    `json:"warehouse"`
	SKU       string    `json:"sku"`
	OnHand    int       `json:"on_hand"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StockKey is the inventory_levels key of a SKU.
func StockKey(warehouse, sku string) string {
	return warehouse + "/" + sku
}

// Projectors returns the fulfillment read models.
func Projectors() []projection.Projector {
	return []projection.Projector{OrderSummaryProjector(), InventoryLevelsProjector()}
}

func OrderSummaryProjector() projection.Projector {
	return projection.Projector{
		Name:           OrderSummaryProjection,
		AggregateTypes: []string{orderdomain.AggregateType, paymentdomain.AggregateType, shippingdomain.AggregateType},
		Events:         []event.Pattern{"order.*", "payment.*", "shipping.*"},
		Project:        projectOrderSummary,
	}
}

func projectOrderSummary(_ context.Context, docs ports.Documents, evt event.Event) error {
	return projection.Upsert(docs, evt.AggregateID, func(s *OrderSummary) error {
		s.OrderID = evt.AggregateID
		s.UpdatedAt = latest(s.UpdatedAt, evt.Metadata.Timestamp)
		switch evt.Type {
		case orderdomain.EventCreated:
			var e orderdomain.Created
			if err := evt.Decode(&e); err != nil {
				return err
			}
			s.CustomerID = e.CustomerID
			s.Currency = e.Currency
			s.Status = orderdomain.StatusDraft.String()
		case orderdomain.EventItemAdded:
			var e orderdomain.ItemAdded
			if err := evt.Decode(&e); err != nil {
				return err
			}
			s.addItem(e.Quantity, e.PriceCents)
		case orderdomain.EventConfirmed:
			s.Status = orderdomain.StatusConfirmed.String()
		case orderdomain.EventShipped:
			s.Status = orderdomain.StatusShipped.String()
		case orderdomain.EventClosed:
			s.Status = orderdomain.StatusClosed.String()
		case orderdomain.EventCancelled:
			s.Status = orderdomain.StatusCancelled.String()
		case paymentdomain.EventCharged:
			s.PaymentStatus = paymentdomain.StatusCharged.String()
		case paymentdomain.EventRefunded:
			s.PaymentStatus = paymentdomain.StatusRefunded.String()
		case shippingdomain.EventRequested:
			s.ShipmentStatus = shippingdomain.StatusRequested.String()
		case shippingdomain.EventScheduled:
			var e shippingdomain.Scheduled
			if err := evt.Decode(&e); err != nil {
				return err
			}
			s.ShipmentStatus = shippingdomain.StatusScheduled.String()
			s.Carrier = e.Carrier
		case shippingdomain.EventRejected:
			s.ShipmentStatus = shippingdomain.StatusRejected.String()
		case shippingdomain.EventCancelled:
			s.ShipmentStatus = shippingdomain.StatusCancelled.String()
		case shippingdomain.EventDispatched:
			var e shippingdomain.Dispatched
			if err := evt.Decode(&e); err != nil {
				return err
			}
			s.ShipmentStatus = shippingdomain.StatusDispatched.String()
			s.Tracking = e.Tracking
		}
		return nil
	})
}

func InventoryLevelsProjector() projection.Projector {
	return projection.Projector{
		Name:           InventoryLevelsProjection,
		AggregateTypes: []string{inventorydomain.AggregateType},
		Events:         []event.Pattern{"inventory.*"},
		Project:        projectInventoryLevels,
	}
}

func projectInventoryLevels(_ context.Context, docs ports.Documents, evt event.Event) error {
	warehouse := evt.AggregateID
	adjust := func(sku string, onHand, reserved int) error {
		return projection.Upsert(docs, StockKey(warehouse, sku), func(level *StockLevel) error {
			level.Warehouse = warehouse
			level.SKU = sku
			level.OnHand += onHand
			level.Reserved += reserved
			level.UpdatedAt = latest(level.UpdatedAt, evt.Metadata.Timestamp)
			return nil
		})
	}
	switch evt.Type {
	case inventorydomain.EventRestocked:
		var e inventorydomain.Restocked
		if err := evt.Decode(&e); err != nil {
			return err
		}
		return adjust(e.SKU, e.Quantity, 0)
	case inventorydomain.EventStockReserved:
		var e inventorydomain.StockReserved
		if err := evt.Decode(&e); err != nil {
			return err
		}
		for _, line := range e.Lines {
			if err := adjust(line.SKU, -line.Quantity, line.Quantity); err != nil {
				return err
			}
		}
	case inventorydomain.EventReservationReleased:
		var e inventorydomain.ReservationReleased
		if err := evt.Decode(&e); err != nil {
			return err
		}
		for _, line := range e.Lines {
			if err := adjust(line.SKU, line.Quantity, -line.Quantity); err != nil {
				return err
			}
		}
	}
	return nil
}
