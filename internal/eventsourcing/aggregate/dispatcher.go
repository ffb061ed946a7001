package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

// Outcome reports what a command appended.
type Outcome struct {
	AggregateType string
	AggregateID   string
	Version       uint64
	EventIDs      []string
}

// Handler is the type-erased view of a Runtime.
type Handler interface {
	AggregateType() string
	DecodeCommand(name string, payload json.RawMessage) (Command, error)
	Submit(ctx context.Context, id string, cmd Command, meta event.Metadata, expectedVersion *uint64) (Outcome, error)
}

var _ Handler = (*Runtime[struct{}])(nil)

// Dispatcher routes commands to the runtime registered for their aggregate type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]Handler{}}
}

// Register adds a runtime; each aggregate type may be registered once.
func (d *Dispatcher) Register(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[h.AggregateType()]; exists {
		return fmt.Errorf("aggregate type %s already registered", h.AggregateType())
	}
	d.handlers[h.AggregateType()] = h
	return nil
}

// Types lists registered aggregate types.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) handler(aggregateType string) (Handler, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[aggregateType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregate, aggregateType)
	}
	return h, nil
}

// Dispatch sends a typed command.
func (d *Dispatcher) Dispatch(ctx context.Context, aggregateType, id string, cmd Command, meta event.Metadata) (Outcome, error) {
	h, err := d.handler(aggregateType)
	if err != nil {
		return Outcome{}, err
	}
	return h.Submit(ctx, id, cmd, meta, nil)
}

// Submit decodes a named command payload and runs it.
func (d *Dispatcher) Submit(ctx context.Context, aggregateType, id, name string, payload json.RawMessage, meta event.Metadata, expectedVersion *uint64) (Outcome, error) {
	h, err := d.handler(aggregateType)
	if err != nil {
		return Outcome{}, err
	}
	cmd, err := h.DecodeCommand(name, payload)
	if err != nil {
		return Outcome{}, err
	}
	return h.Submit(ctx, id, cmd, meta, expectedVersion)
}
