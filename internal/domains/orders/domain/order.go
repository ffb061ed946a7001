package domain

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

// AggregateType is the stream type of orders.
const AggregateType = "order"

// Status enumerates order progression.
type Status string

const (
	StatusNew       Status = ""
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusShipped   Status = "shipped"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

func (s Status) String() string {
	if s == StatusNew {
		return "new"
	}
	return string(s)
}

// Item is one order line.
type Item struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Order is the state folded from an order stream.
type Order struct {
	ID              string
	CustomerID      string
	Currency        string
	ShippingAddress string
	Status          Status
	Items           []Item
	PaymentToken    string
	Tracking        string
	CancelReason    string
}

// TotalCents sums the order lines.
func (o Order) TotalCents() int64 {
	var total int64
	for _, item := range o.Items {
		total += int64(item.Quantity) * item.PriceCents
	}
	return total
}

// Definition describes the order aggregate.
func Definition() aggregate.Definition[Order] {
	return aggregate.Definition[Order]{
		Type:    AggregateType,
		Initial: func(id string) Order { return Order{ID: id} },
		Evolve:  evolver.Evolve,
		Decide:  Decide,
		Commands: map[string]func() aggregate.Command{
			CommandCreateOrder:  func() aggregate.Command { return &CreateOrder{} },
			CommandAddItem:      func() aggregate.Command { return &AddItem{} },
			CommandConfirmOrder: func() aggregate.Command { return &ConfirmOrder{} },
			CommandMarkShipped:  func() aggregate.Command { return &MarkShipped{} },
			CommandCloseOrder:   func() aggregate.Command { return &CloseOrder{} },
			CommandCancelOrder:  func() aggregate.Command { return &CancelOrder{} },
		},
	}
}

var evolver = aggregate.Evolver[Order]{
	EventCreated: aggregate.On(func(o Order, e Created) Order {
		o.CustomerID = e.CustomerID
		o.Currency = e.Currency
		o.ShippingAddress = e.ShippingAddress
		o.Status = StatusDraft
		return o
	}),
	EventItemAdded: aggregate.On(func(o Order, e ItemAdded) Order {
		o.Items = append(slices.Clone(o.Items), Item(e))
		return o
	}),
	EventConfirmed: aggregate.On(func(o Order, e Confirmed) Order {
		o.Status = StatusConfirmed
		o.PaymentToken = e.PaymentToken
		return o
	}),
	EventShipped: aggregate.On(func(o Order, e Shipped) Order {
		o.Status = StatusShipped
		o.Tracking = e.Tracking
		return o
	}),
	EventClosed: aggregate.On(func(o Order, _ Closed) Order {
		o.Status = StatusClosed
		return o
	}),
	EventCancelled: aggregate.On(func(o Order, e Cancelled) Order {
		o.Status = StatusCancelled
		o.CancelReason = e.Reason
		return o
	}),
}

// Decide validates a command against the order state.
func Decide(o Order, cmd aggregate.Command) ([]event.Draft, error) {
	switch c := cmd.(type) {
	case *CreateOrder:
		if o.Status != StatusNew {
			return nil, aggregate.InvalidTransition(c.CommandName(), o.Status.String())
		}
		if strings.TrimSpace(c.CustomerID) == "" {
			return nil, aggregate.Violation("customer id is required")
		}
		currency := strings.ToUpper(strings.TrimSpace(c.Currency))
		if currency == "" {
			currency = DefaultCurrency
		}
		if len(currency) != 3 {
			return nil, aggregate.Violation("currency %q is not an ISO code", c.Currency)
		}
		return []event.Draft{event.New(EventCreated, Created{
			OrderID:         o.ID,
			CustomerID:      c.CustomerID,
			Currency:        currency,
			ShippingAddress: strings.TrimSpace(c.ShippingAddress),
		})}, nil

	case *AddItem:
		if o.Status != StatusDraft {
			return nil, aggregate.InvalidTransition(c.CommandName(), o.Status.String())
		}
		if strings.TrimSpace(c.SKU) == "" {
			return nil, aggregate.Violation("sku is required")
		}
		if c.Quantity <= 0 {
			return nil, aggregate.Violation("quantity must be greater than zero")
		}
		if c.PriceCents < 0 {
			return nil, aggregate.Violation("price must not be negative")
		}
		return []event.Draft{event.New(EventItemAdded, ItemAdded{SKU: c.SKU, Quantity: c.Quantity, PriceCents: c.PriceCents})}, nil

	case *ConfirmOrder:
		if o.Status != StatusDraft {
			return nil, aggregate.InvalidTransition(c.CommandName(), o.Status.String())
		}
		if len(o.Items) == 0 {
			return nil, aggregate.Violation("order %s has no items", o.ID)
		}
		if strings.TrimSpace(c.PaymentToken) == "" {
			return nil, aggregate.Violation("payment token is required")
		}
		return []event.Draft{event.New(EventConfirmed, Confirmed{
			OrderID:         o.ID,
			CustomerID:      o.CustomerID,
			PaymentToken:    c.PaymentToken,
			TotalCents:      o.TotalCents(),
			Currency:        o.Currency,
			ShippingAddress: o.ShippingAddress,
			Items:           slices.Clone(o.Items),
		})}, nil

	case *MarkShipped:
		if o.Status == StatusShipped {
			return nil, nil
		}
		if o.Status != StatusConfirmed {
			return nil, aggregate.InvalidTransition(c.CommandName(), o.Status.String())
		}
		return []event.Draft{event.New(EventShipped, Shipped{Tracking: c.Tracking})}, nil

	case *CloseOrder:
		if o.Status != StatusShipped {
			return nil, aggregate.InvalidTransition(c.CommandName(), o.Status.String())
		}
		return []event.Draft{event.New(EventClosed, Closed{})}, nil

	case *CancelOrder:
		switch o.Status {
		case StatusCancelled:
			return nil, nil
		case StatusDraft, StatusConfirmed:
			return []event.Draft{event.New(EventCancelled, Cancelled{Reason: c.Reason})}, nil
		default:
			return nil, aggregate.InvalidTransition(c.CommandName(), o.Status.String())
		}

	default:
		return nil, fmt.Errorf("%w: %s on %s", aggregate.ErrUnknownCommand, cmd.CommandName(), AggregateType)
	}
}
