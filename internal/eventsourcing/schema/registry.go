// Package schema versions event payloads and upcasts stored events on read.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

// ErrMissingUpcaster is returned when a stored version has no path to the current version.
var ErrMissingUpcaster = errors.New("missing upcaster")

// Upcaster converts a payload from version N to N+1.
type Upcaster func(payload map[string]any) (map[string]any, error)

// Registry holds the current schema version and the upcaster chain per event type.
// Types that were never registered are at version 1 with no upcasters.
type Registry struct {
	mu        sync.RWMutex
	current   map[event.Type]int
	upcasters map[event.Type]map[int]Upcaster
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		current:   map[event.Type]int{},
		upcasters: map[event.Type]map[int]Upcaster{},
	}
}

// Register adds the upcaster from version `from` to `from+1` and raises the
// current version of the type accordingly.
func (r *Registry) Register(t event.Type, from int, up Upcaster) error {
	if from < 1 {
		return fmt.Errorf("upcaster for %s must start at version 1 or later, got %d", t, from)
	}
	if up == nil {
		return fmt.Errorf("upcaster for %s v%d is nil", t, from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.upcasters[t]
	if !ok {
		chain = map[int]Upcaster{}
		r.upcasters[t] = chain
	}
	if _, exists := chain[from]; exists {
		return fmt.Errorf("upcaster for %s v%d already registered", t, from)
	}
	chain[from] = up
	if from+1 > r.current[t] {
		r.current[t] = from + 1
	}
	return nil
}

// MustRegister panics on registration errors; intended for package wiring.
func (r *Registry) MustRegister(t event.Type, from int, up Upcaster) {
	if err := r.Register(t, from, up); err != nil {
		panic(err)
	}
}

// CurrentVersion is the version new events of type t are written with.
func (r *Registry) CurrentVersion(t event.Type) int {
	if r == nil {
		return 1
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.current[t]; ok {
		return v
	}
	return 1
}

// Upcast returns evt converted to the current schema version of its type.
// Redacted events and events already at the current version are returned unchanged.
func (r *Registry) Upcast(evt event.Event) (event.Event, error) {
	if r == nil || evt.Redacted {
		return evt, nil
	}
	target := r.CurrentVersion(evt.Type)
	version := evt.SchemaVersion
	if version == 0 {
		version = 1
	}
	if version >= target {
		return evt, nil
	}

	var payload map[string]any
	if len(evt.Payload) > 0 {
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return evt, fmt.Errorf("upcast %s v%d: decode payload: %w", evt.Type, version, err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	r.mu.RLock()
	chain := r.upcasters[evt.Type]
	r.mu.RUnlock()
	for version < target {
		up, ok := chain[version]
		if !ok {
			return evt, fmt.Errorf("%w: %s v%d", ErrMissingUpcaster, evt.Type, version)
		}
		next, err := up(payload)
		if err != nil {
			return evt, fmt.Errorf("upcast %s v%d: %w", evt.Type, version, err)
		}
		payload = next
		version++
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return evt, fmt.Errorf("upcast %s: encode payload: %w", evt.Type, err)
	}
	evt.Payload = raw
	evt.SchemaVersion = version
	return evt, nil
}

// UpcastAll converts events in place order.
func (r *Registry) UpcastAll(events []event.Event) ([]event.Event, error) {
	out := make([]event.Event, 0, len(events))
	for _, evt := range events {
		up, err := r.Upcast(evt)
		if err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, nil
}

// AddField returns an upcaster that sets key to value when it is absent.
func AddField(key string, value any) Upcaster {
	return func(payload map[string]any) (map[string]any, error) {
		if _, ok := payload[key]; !ok {
			payload[key] = value
		}
		return payload, nil
	}
}

// RenameField returns an upcaster that moves from to to.
func RenameField(from, to string) Upcaster {
	return func(payload map[string]any) (map[string]any, error) {
		if value, ok := payload[from]; ok {
			payload[to] = value
			delete(payload, from)
		}
		return payload, nil
	}
}

// Chain composes upcasters that run for a single version step.
func Chain(steps ...Upcaster) Upcaster {
	return func(payload map[string]any) (map[string]any, error) {
		var err error
		for _, step := range steps {
			payload, err = step(payload)
			if err != nil {
				return nil, err
			}
		}
		return payload, nil
	}
}
