// Package domain holds the shipment aggregate, one stream per order.
package domain

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

const AggregateType = "shipment"

const (
	EventRequested  event.Type = "shipping.requested"
	EventScheduled  event.Type = "shipping.scheduled"
	EventRejected   event.Type = "shipping.rejected"
	EventCancelled  event.Type = "shipping.cancelled"
	EventDispatched event.Type = "shipping.dispatched"
)

const (
	CommandRequestShipment  = "RequestShipment"
	CommandConfirmShipment  = "ConfirmShipment"
	CommandRejectShipment   = "RejectShipment"
	CommandCancelShipment   = "CancelShipment"
	CommandDispatchShipment = "DispatchShipment"
)

type Status string

const (
	StatusNew        Status = ""
	StatusRequested  Status = "requested"
	StatusScheduled  Status = "scheduled"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	StatusDispatched Status = "dispatched"
)

func (s Status) String() string {
	if s == StatusNew {
		return "new"
	}
	return string(s)
}

type Line struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type Shipment struct {
	OrderID  string
	Status   Status
	Address  string
	Lines    []Line
	Carrier  string
	Tracking string
	Reason   string
}

type Requested struct {
	OrderID string `json:"order_id"`
	Address string `json:"address"`
	Lines   []Line `json:"lines"`
}

type Scheduled struct {
	OrderID string `json:"order_id"`
	Carrier string `json:"carrier"`
}

type Rejected struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type Cancelled struct {
	OrderID string `json:"order_id"`
}

type Dispatched struct {
	OrderID  string `json:"order_id"`
	Tracking string `json:"tracking"`
}

// RequestShipment asks a carrier for a slot; it is answered by ConfirmShipment or RejectShipment.
type RequestShipment struct {
	Address string `json:"address"`
	Lines   []Line `json:"lines"`
}

func (RequestShipment) CommandName() string { return CommandRequestShipment }

type ConfirmShipment struct {
	Carrier string `json:"carrier"`
}

func (ConfirmShipment) CommandName() string { return CommandConfirmShipment }

type RejectShipment struct {
	Reason string `json:"reason"`
}

func (RejectShipment) CommandName() string { return CommandRejectShipment }

type CancelShipment struct{}

func (CancelShipment) CommandName() string { return CommandCancelShipment }

type DispatchShipment struct {
	Tracking string `json:"tracking"`
}

func (DispatchShipment) CommandName() string { return CommandDispatchShipment }

func Definition() aggregate.Definition[Shipment] {
	return aggregate.Definition[Shipment]{
		Type:    AggregateType,
		Initial: func(id string) Shipment { return Shipment{OrderID: id} },
		Evolve:  evolver.Evolve,
		Decide:  Decide,
		Commands: map[string]func() aggregate.Command{
			CommandRequestShipment:  func() aggregate.Command { return &RequestShipment{} },
			CommandConfirmShipment:  func() aggregate.Command { return &ConfirmShipment{} },
			CommandRejectShipment:   func() aggregate.Command { return &RejectShipment{} },
			CommandCancelShipment:   func() aggregate.Command { return &CancelShipment{} },
			CommandDispatchShipment: func() aggregate.Command { return &DispatchShipment{} },
		},
	}
}

var evolver = aggregate.Evolver[Shipment]{
	EventRequested: aggregate.On(func(s Shipment, e Requested) Shipment {
		s.Status = StatusRequested
		s.Address = e.Address
		s.Lines = slices.Clone(e.Lines)
		return s
	}),
	EventScheduled: aggregate.On(func(s Shipment, e Scheduled) Shipment {
		s.Status = StatusScheduled
		s.Carrier = e.Carrier
		return s
	}),
	EventRejected: aggregate.On(func(s Shipment, e Rejected) Shipment {
		s.Status = StatusRejected
		s.Reason = e.Reason
		return s
	}),
	EventCancelled: aggregate.On(func(s Shipment, _ Cancelled) Shipment {
		s.Status = StatusCancelled
		return s
	}),
	EventDispatched: aggregate.On(func(s Shipment, e Dispatched) Shipment {
		s.Status = StatusDispatched
		s.Tracking = e.Tracking
		return s
	}),
}

func Decide(s Shipment, cmd aggregate.Command) ([]event.Draft, error) {
	switch c := cmd.(type) {
	case *RequestShipment:
		if s.Status != StatusNew {
			return nil, nil
		}
		if len(c.Lines) == 0 {
			return nil, aggregate.Violation("shipment for order %s has no lines", s.OrderID)
		}
		return []event.Draft{event.New(EventRequested, Requested{
			OrderID: s.OrderID,
			Address: strings.TrimSpace(c.Address),
			Lines:   slices.Clone(c.Lines),
		})}, nil

	case *ConfirmShipment:
		if s.Status == StatusScheduled {
			return nil, nil
		}
		if s.Status != StatusRequested {
			return nil, aggregate.InvalidTransition(c.CommandName(), s.Status.String())
		}
		return []event.Draft{event.New(EventScheduled, Scheduled{OrderID: s.OrderID, Carrier: c.Carrier})}, nil

	case *RejectShipment:
		if s.Status == StatusRejected {
			return nil, nil
		}
		if s.Status != StatusRequested {
			return nil, aggregate.InvalidTransition(c.CommandName(), s.Status.String())
		}
		return []event.Draft{event.New(EventRejected, Rejected{OrderID: s.OrderID, Reason: c.Reason})}, nil

	case *CancelShipment:
		switch s.Status {
		case StatusNew, StatusCancelled, StatusRejected:
			return nil, nil
		case StatusDispatched:
			return nil, aggregate.InvalidTransition(c.CommandName(), s.Status.String())
		}
		return []event.Draft{event.New(EventCancelled, Cancelled{OrderID: s.OrderID})}, nil

	case *DispatchShipment:
		if s.Status == StatusDispatched {
			return nil, nil
		}
		if s.Status != StatusScheduled {
			return nil, aggregate.InvalidTransition(c.CommandName(), s.Status.String())
		}
		return []event.Draft{event.New(EventDispatched, Dispatched{OrderID: s.OrderID, Tracking: c.Tracking})}, nil

	default:
		return nil, fmt.Errorf("%w: %s on %s", aggregate.ErrUnknownCommand, cmd.CommandName(), AggregateType)
	}
}
