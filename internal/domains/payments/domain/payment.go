// Package domain holds the payment aggregate, one stream per order.
package domain

import (
	"fmt"
	"strings"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

const AggregateType = "payment"

const (
	EventCharged  event.Type = "payment.charged"
	EventRefunded event.Type = "payment.refunded"
)

const (
	CommandChargePayment = "ChargePayment"
	CommandRefundPayment = "RefundPayment"
)

// DeclinedTokenPrefix marks test tokens the gateway always declines.
const DeclinedTokenPrefix = "declined"

type Status string

const (
	StatusNone     Status = ""
	StatusCharged  Status = "charged"
	StatusRefunded Status = "refunded"
)

func (s Status) String() string {
	if s == StatusNone {
		return "uncharged"
	}
	return string(s)
}

type Payment struct {
	OrderID     string
	Status      Status
	AmountCents int64
	Currency    string
	ChargeID    string
}

type Charged struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	ChargeID    string `json:"charge_id"`
}

type Refunded struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	ChargeID    string `json:"charge_id"`
	Reason      string `json:"reason,omitempty"`
}

// ChargePayment authorizes and captures the order amount. A repeated charge is a no-op.
type ChargePayment struct {
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	Token          string `json:"token"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (ChargePayment) CommandName() string { return CommandChargePayment }

type RefundPayment struct {
	Reason string `json:"reason"`
}

func (RefundPayment) CommandName() string { return CommandRefundPayment }

func Definition() aggregate.Definition[Payment] {
	return aggregate.Definition[Payment]{
		Type:    AggregateType,
		Initial: func(id string) Payment { return Payment{OrderID: id} },
		Evolve:  evolver.Evolve,
		Decide:  Decide,
		Commands: map[string]func() aggregate.Command{
			CommandChargePayment: func() aggregate.Command { return &ChargePayment{} },
			CommandRefundPayment: func() aggregate.Command { return &RefundPayment{} },
		},
	}
}

var evolver = aggregate.Evolver[Payment]{
	EventCharged: aggregate.On(func(p Payment, e Charged) Payment {
		p.Status = StatusCharged
		p.AmountCents = e.AmountCents
		p.Currency = e.Currency
		p.ChargeID = e.ChargeID
		return p
	}),
	EventRefunded: aggregate.On(func(p Payment, _ Refunded) Payment {
		p.Status = StatusRefunded
		return p
	}),
}

func Decide(p Payment, cmd aggregate.Command) ([]event.Draft, error) {
	switch c := cmd.(type) {
	case *ChargePayment:
		switch p.Status {
		case StatusCharged:
			return nil, nil
		case StatusRefunded:
			return nil, aggregate.InvalidTransition(c.CommandName(), p.Status.String())
		}
		token := strings.TrimSpace(c.Token)
		if token == "" {
			return nil, aggregate.Violation("payment token is required")
		}
		if strings.HasPrefix(token, DeclinedTokenPrefix) {
			return nil, aggregate.Violation("payment declined for order %s", p.OrderID)
		}
		if c.AmountCents <= 0 {
			return nil, aggregate.Violation("charge amount must be positive, got %d", c.AmountCents)
		}
		chargeID := c.IdempotencyKey
		if chargeID == "" {
			chargeID = "ch_" + p.OrderID
		}
		return []event.Draft{event.New(EventCharged, Charged{
			OrderID:     p.OrderID,
			AmountCents: c.AmountCents,
			Currency:    c.Currency,
			ChargeID:    chargeID,
		})}, nil

	case *RefundPayment:
		if p.Status != StatusCharged {
			return nil, nil
		}
		return []event.Draft{event.New(EventRefunded, Refunded{
			OrderID:     p.OrderID,
			AmountCents: p.AmountCents,
			ChargeID:    p.ChargeID,
			Reason:      c.Reason,
		})}, nil

	default:
		return nil, fmt.Errorf("%w: %s on %s", aggregate.ErrUnknownCommand, cmd.CommandName(), AggregateType)
	}
}
