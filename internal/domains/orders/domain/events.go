package domain

import (
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/schema"
)

const (
	EventCreated   event.Type = "order.created"
	EventItemAdded event.Type = "order.item_added"
	EventConfirmed event.Type = "order.confirmed"
	EventShipped   event.Type = "order.shipped"
	EventClosed    event.Type = "order.closed"
	EventCancelled event.Type = "order.cancelled"
)

// DefaultCurrency is assumed for orders recorded before currencies were tracked.
const DefaultCurrency = "USD"

// Created opens an order. Schema v1 had no currency.
type Created struct {
	OrderID         string `json:"order_id"`
	CustomerID      string `json:"customer_id"`
	Currency        string `json:"currency"`
	ShippingAddress string `json:"shipping_address,omitempty"`
}

type ItemAdded struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Confirmed carries everything fulfillment needs so it never has to read the order back.
type Confirmed struct {
	OrderID         string `json:"order_id"`
	CustomerID      string `json:"customer_id"`
	PaymentToken    string `json:"payment_token"`
	TotalCents      int64  `json:"total_cents"`
	Currency        string `json:"currency"`
	ShippingAddress string `json:"shipping_address,omitempty"`
	Items           []Item `json:"items"`
}

type Shipped struct {
	Tracking string `json:"tracking,omitempty"`
}

type Closed struct{}

type Cancelled struct {
	Reason string `json:"reason,omitempty"`
}

// RegisterSchemas installs the upcasters for order events.
func RegisterSchemas(registry *schema.Registry) error {
	return registry.Register(EventCreated, 1, schema.AddField("currency", DefaultCurrency))
}
