// Package domain holds the warehouse aggregate. Stock is reserved per order and
// released when the order cannot be fulfilled.
package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

const AggregateType = "inventory"

// DefaultWarehouse is the warehouse fulfillment reserves from.
const DefaultWarehouse = "main"

const (
	EventRestocked           event.Type = "inventory.restocked"
	EventStockReserved       event.Type = "inventory.stock_reserved"
	EventReservationReleased event.Type = "inventory.reservation_released"
)

const (
	CommandRestock            = "Restock"
	CommandReserveStock       = "ReserveStock"
	CommandReleaseReservation = "ReleaseReservation"
)

// Line is a quantity of one SKU.
type Line struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type Reservation struct {
	OrderID string
	Lines   []Line
}

// Warehouse is the state folded from an inventory stream.
type Warehouse struct {
	ID           string
	OnHand       map[string]int
	Reservations map[string]Reservation
}

// Available is what can still be reserved for sku.
func (w Warehouse) Available(sku string) int {
	return w.OnHand[sku]
}

type Restocked struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type StockReserved struct {
	ReservationID string `json:"reservation_id"`
	OrderID       string `json:"order_id"`
	Lines         []Line `json:"lines"`
}

type ReservationReleased struct {
	ReservationID string `json:"reservation_id"`
	OrderID       string `json:"order_id"`
	Lines         []Line `json:"lines"`
}

type Restock struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (Restock) CommandName() string { return CommandRestock }

// ReserveStock is idempotent per reservation id.
type ReserveStock struct {
	ReservationID string `json:"reservation_id"`
	OrderID       string `json:"order_id"`
	Lines         []Line `json:"lines"`
}

func (ReserveStock) CommandName() string { return CommandReserveStock }

type ReleaseReservation struct {
	ReservationID string `json:"reservation_id"`
}

func (ReleaseReservation) CommandName() string { return CommandReleaseReservation }

func Definition() aggregate.Definition[Warehouse] {
	return aggregate.Definition[Warehouse]{
		Type:    AggregateType,
		Initial: func(id string) Warehouse { return Warehouse{ID: id} },
		Evolve:  evolver.Evolve,
		Decide:  Decide,
		Commands: map[string]func() aggregate.Command{
			CommandRestock:            func() aggregate.Command { return &Restock{} },
			CommandReserveStock:       func() aggregate.Command { return &ReserveStock{} },
			CommandReleaseReservation: func() aggregate.Command { return &ReleaseReservation{} },
		},
	}
}

// mutable copies the maps so folded states never share storage.
func (w Warehouse) mutable() Warehouse {
	w.OnHand = maps.Clone(w.OnHand)
	if w.OnHand == nil {
		w.OnHand = map[string]int{}
	}
	w.Reservations = maps.Clone(w.Reservations)
	if w.Reservations == nil {
		w.Reservations = map[string]Reservation{}
	}
	return w
}

var evolver = aggregate.Evolver[Warehouse]{
	EventRestocked: aggregate.On(func(w Warehouse, e Restocked) Warehouse {
		w = w.mutable()
		w.OnHand[e.SKU] += e.Quantity
		return w
	}),
	EventStockReserved: aggregate.On(func(w Warehouse, e StockReserved) Warehouse {
		w = w.mutable()
		for _, line := range e.Lines {
			w.OnHand[line.SKU] -= line.Quantity
		}
		w.Reservations[e.ReservationID] = Reservation{OrderID: e.OrderID, Lines: slices.Clone(e.Lines)}
		return w
	}),
	EventReservationReleased: aggregate.On(func(w Warehouse, e ReservationReleased) Warehouse {
		w = w.mutable()
		for _, line := range e.Lines {
			w.OnHand[line.SKU] += line.Quantity
		}
		delete(w.Reservations, e.ReservationID)
		return w
	}),
}

func Decide(w Warehouse, cmd aggregate.Command) ([]event.Draft, error) {
	switch c := cmd.(type) {
	case *Restock:
		if strings.TrimSpace(c.SKU) == "" {
			return nil, aggregate.Violation("sku is required")
		}
		if c.Quantity <= 0 {
			return nil, aggregate.Violation("restock quantity must be greater than zero")
		}
		return []event.Draft{event.New(EventRestocked, Restocked{SKU: c.SKU, Quantity: c.Quantity})}, nil

	case *ReserveStock:
		if strings.TrimSpace(c.ReservationID) == "" {
			return nil, aggregate.Violation("reservation id is required")
		}
		if _, ok := w.Reservations[c.ReservationID]; ok {
			return nil, nil
		}
		lines, err := merge(c.Lines)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			if w.Available(line.SKU) < line.Quantity {
				return nil, aggregate.Violation("insufficient stock for %s: requested %d, available %d",
					line.SKU, line.Quantity, w.Available(line.SKU))
			}
		}
		return []event.Draft{event.New(EventStockReserved, StockReserved{
			ReservationID: c.ReservationID,
			OrderID:       c.OrderID,
			Lines:         lines,
		})}, nil

	case *ReleaseReservation:
		reservation, ok := w.Reservations[c.ReservationID]
		if !ok {
			return nil, nil
		}
		return []event.Draft{event.New(EventReservationReleased, ReservationReleased{
			ReservationID: c.ReservationID,
			OrderID:       reservation.OrderID,
			Lines:         slices.Clone(reservation.Lines),
		})}, nil

	default:
		return nil, fmt.Errorf("%w: %s on %s", aggregate.ErrUnknownCommand, cmd.CommandName(), AggregateType)
	}
}

// merge folds repeated SKUs into one line, keeping first-seen order.
func merge(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, aggregate.Violation("reservation has no lines")
	}
	index := map[string]int{}
	out := make([]Line, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line.SKU) == "" {
			return nil, aggregate.Violation("sku is required")
		}
		if line.Quantity <= 0 {
			return nil, aggregate.Violation("quantity for %s must be greater than zero", line.SKU)
		}
		if i, ok := index[line.SKU]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[line.SKU] = len(out)
		out = append(out, line)
	}
	return out, nil
}
