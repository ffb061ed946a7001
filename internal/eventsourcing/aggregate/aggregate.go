// Package aggregate folds event streams into typed state and runs command handlers
// against it. Aggregates are described by a Definition instead of a type hierarchy.
package aggregate

import (
	"fmt"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

// Command is a request to change one aggregate.
type Command interface {
	CommandName() string
}

// Root is an aggregate loaded from its stream. Version equals the last applied event version.
type Root[S any] struct {
	ID      string
	Type    string
	Version uint64
	State   S
}

// Stream returns the stream the aggregate is folded from.
func (r *Root[S]) Stream() event.StreamID {
	return event.StreamID{Type: r.Type, ID: r.ID}
}

// Definition describes one aggregate type.
type Definition[S any] struct {
	Type string
	// Initial returns the zero state for a new aggregate.
	Initial func(id string) S
	// Evolve is the pure fold step. It must not mutate state shared with its input.
	Evolve func(state S, evt event.Event) (S, error)
	// Decide validates cmd against state and returns the events to record.
	Decide func(state S, cmd Command) ([]event.Draft, error)
	// Commands maps command names to constructors used to decode external payloads.
	Commands map[string]func() Command
}

func (d Definition[S]) validate() error {
	if d.Type == "" {
		return fmt.Errorf("aggregate definition has no type")
	}
	if d.Initial == nil || d.Evolve == nil || d.Decide == nil {
		return fmt.Errorf("aggregate definition %s is incomplete", d.Type)
	}
	return nil
}

// Evolver dispatches fold steps by event type.
type Evolver[S any] map[event.Type]func(S, event.Event) (S, error)

// Evolve applies the handler registered for evt.Type.
func (e Evolver[S]) Evolve(state S, evt event.Event) (S, error) {
	handler, ok := e[evt.Type]
	if !ok {
		return state, fmt.Errorf("%w: %s", ErrUnknownEvent, evt.Type)
	}
	return handler(state, evt)
}

// On adapts a typed payload handler to an Evolver entry.
func On[S, P any](apply func(S, P) S) func(S, event.Event) (S, error) {
	return func(state S, evt event.Event) (S, error) {
		var payload P
		if err := evt.Decode(&payload); err != nil {
			return state, err
		}
		return apply(state, payload), nil
	}
}
