// Package fulfillment turns confirmed orders into reserved stock, captured payments and
// scheduled shipments. The flow runs either as the FulfillOrder orchestration or as a
// choreography of reactors supervised by a saga chain.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	inventorydomain "github.com/Apurer/go-eventsourcing-server/internal/domains/inventory/domain"
	orderdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	shippingdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/shipping/domain"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/deadletter"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/projection"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
)

const (
	// SagaName is the orchestrated definition.
	SagaName = "FulfillOrder"
	// ChainName is the choreographed equivalent.
	ChainName = "FulfillOrderChain"
)

// Mode selects how fulfillment is coordinated.
type Mode string

const (
	ModeOrchestration Mode = "orchestration"
	ModeChoreography  Mode = "choreography"
)

// ParseMode accepts the FULFILLMENT_MODE values; empty means orchestration.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeOrchestration:
		return ModeOrchestration, nil
	case ModeChoreography:
		return ModeChoreography, nil
	default:
		return "", fmt.Errorf("unknown fulfillment mode %q", value)
	}
}

// Commands dispatches commands to any registered aggregate.
type Commands interface {
	Dispatch(ctx context.Context, aggregateType, id string, cmd aggregate.Command, meta event.Metadata) (aggregate.Outcome, error)
}

// Orders loads order state for reactors that only see another aggregate's event.
type Orders interface {
	Load(ctx context.Context, id string) (*aggregate.Root[orderdomain.Order], error)
}

// Aborter fails a choreographed chain on behalf of a participant.
type Aborter interface {
	Abort(ctx context.Context, chainName, correlationID, reason string) (*ports.SagaInstance, error)
}

// Config tunes the flow.
type Config struct {
	Mode      Mode
	Warehouse string
	// StepTimeout bounds each perform attempt of the orchestration.
	StepTimeout time.Duration
	// ShippingTimeout is how long ScheduleShipping waits for the carrier.
	ShippingTimeout time.Duration
	// Window is how long each choreography hop may take.
	Window            time.Duration
	StepRetry         retry.Policy
	CompensationRetry retry.Policy
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeOrchestration,
		Warehouse:         "main",
		StepTimeout:       5 * time.Second,
		ShippingTimeout:   30 * time.Second,
		Window:            30 * time.Second,
		StepRetry:         retry.DefaultPolicy(),
		CompensationRetry: retry.DefaultPolicy(),
	}
}

// Module wires fulfillment into the saga coordinator, the projection engine and the bus.
type Module struct {
	cfg      Config
	commands Commands
	orders   Orders
	runner   ports.SagaRunner
	external bool
	aborter  Aborter
	dlq      *deadletter.Manager
	policy   retry.Policy
	logger   *slog.Logger
}

type Option func(*Module)

// WithRunner starts orchestrations on runner instead of the coordinator, e.g. on Temporal.
func WithRunner(runner ports.SagaRunner) Option {
	return func(m *Module) {
		if runner != nil {
			m.runner = runner
			m.external = true
		}
	}
}

// WithDeadLetters guards the reactor subscriptions.
func WithDeadLetters(dlq *deadletter.Manager) Option {
	return func(m *Module) {
		m.dlq = dlq
	}
}

// WithRetryPolicy is the per-event budget of the reactor subscriptions.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(m *Module) {
		m.policy = policy
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Module) {
		m.logger = logger
	}
}

// New builds the module. The coordinator is the default runner and the chain supervisor.
func New(cfg Config, commands Commands, orders Orders, coordinator *saga.Coordinator, opts ...Option) (*Module, error) {
	if commands == nil || orders == nil || coordinator == nil {
		return nil, errors.New("fulfillment requires commands, orders and a saga coordinator")
	}
	defaults := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = defaults.Mode
	}
	if cfg.Warehouse == "" {
		cfg.Warehouse = defaults.Warehouse
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaults.StepTimeout
	}
	if cfg.ShippingTimeout <= 0 {
		cfg.ShippingTimeout = defaults.ShippingTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	m := &Module{
		cfg:      cfg,
		commands: commands,
		orders:   orders,
		runner:   coordinator,
		aborter:  coordinator,
		policy:   retry.DefaultPolicy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Mode reports the configured coordination style.
func (m *Module) Mode() Mode {
	return m.cfg.Mode
}

// Register installs the saga definition, the chain (choreography only) and the projections.
func (m *Module) Register(coordinator *saga.Coordinator, engine *projection.Engine) error {
	var opts []saga.RegisterOption
	if m.external {
		opts = append(opts, saga.External())
	}
	if err := coordinator.Register(m.Saga(), opts...); err != nil {
		return err
	}
	if m.cfg.Mode == ModeChoreography {
		if err := coordinator.RegisterChain(m.Chain()); err != nil {
			return err
		}
	}
	for _, p := range Projectors() {
		if err := engine.Register(p); err != nil {
			return err
		}
	}
	return nil
}

type reactor struct {
	name    string
	pattern event.Pattern
	handle  ports.Handler
}

func (m *Module) reactors() []reactor {
	out := []reactor{
		{name: "fulfillment:carrier", pattern: "shipping.*", handle: m.carrier},
		{name: "fulfillment:orders", pattern: event.Pattern(shippingdomain.EventDispatched), handle: m.markShipped},
	}
	if m.cfg.Mode == ModeChoreography {
		out = append(out, reactor{name: "fulfillment:choreography", pattern: event.MatchAll, handle: m.choreograph})
	} else {
		out = append(out, reactor{name: "fulfillment:trigger", pattern: event.Pattern(orderdomain.EventConfirmed), handle: m.trigger})
	}
	return out
}

// Subscriptions returns the reactor subscriptions for the configured mode.
func (m *Module) Subscriptions() []ports.Subscription {
	reactors := m.reactors()
	subs := make([]ports.Subscription, 0, len(reactors))
	for _, r := range reactors {
		handler := r.handle
		if m.dlq != nil {
			handler = m.dlq.Guard(r.name, m.policy, handler)
		}
		subs = append(subs, ports.Subscription{Name: r.name, Pattern: r.pattern, Handler: handler, Start: ports.StartEarliest})
	}
	return subs
}

// Handler returns the unguarded handler of a reactor consumer, used to replay its dead letters.
func (m *Module) Handler(consumer string) (ports.Handler, bool) {
	for _, r := range m.reactors() {
		if r.name == consumer {
			handle, pattern := r.handle, r.pattern
			return func(ctx context.Context, evt event.Event) error {
				if !pattern.Matches(evt.Type) {
					return nil
				}
				return handle(ctx, evt)
			}, true
		}
	}
	return nil, false
}

// follow propagates correlation to commands issued in reaction to evt.
func follow(evt event.Event) event.Metadata {
	correlationID := evt.Metadata.CorrelationID
	if correlationID == "" {
		correlationID = evt.AggregateID
	}
	return event.Metadata{UserID: evt.Metadata.UserID, CorrelationID: correlationID, CausationID: evt.ID}
}

func reservationLines(items []orderdomain.Item) []inventorydomain.Line {
	out := make([]inventorydomain.Line, 0, len(items))
	for _, item := range items {
		out = append(out, inventorydomain.Line{SKU: item.SKU, Quantity: item.Quantity})
	}
	return out
}

func shipmentLines(items []orderdomain.Item) []shippingdomain.Line {
	out := make([]shippingdomain.Line, 0, len(items))
	for _, item := range items {
		out = append(out, shippingdomain.Line{SKU: item.SKU, Quantity: item.Quantity})
	}
	return out
}
