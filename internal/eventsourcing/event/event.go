// Package event defines the immutable facts recorded in the journal.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Type identifies an event kind, e.g. "order.item_added".
type Type string

// Domain returns the prefix before the first dot.
func (t Type) Domain() string {
	value := string(t)
	if idx := strings.IndexByte(value, '.'); idx > 0 {
		return value[:idx]
	}
	return value
}

// ErrInvalidStream is returned when a stream identifier is incomplete.
var ErrInvalidStream = errors.New("invalid stream id")

// StreamID addresses the event stream of one aggregate.
type StreamID struct {
	Type string
	ID   string
}

// Stream builds a StreamID after trimming whitespace.
func Stream(aggregateType, aggregateID string) StreamID {
	return StreamID{Type: strings.TrimSpace(aggregateType), ID: strings.TrimSpace(aggregateID)}
}

func (s StreamID) String() string {
	return s.Type + "/" + s.ID
}

// Validate reports whether both halves of the identifier are present.
func (s StreamID) Validate() error {
	if strings.TrimSpace(s.Type) == "" || strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidStream, s.String())
	}
	return nil
}

// Metadata travels with every event.
type Metadata struct {
	UserID        string    `json:"user_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Event is an appended fact. Version is the per-aggregate sequence starting at 1,
// Position is the journal-wide sequence assigned on commit.
type Event struct {
	ID            string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Type          Type            `json:"event_type"`
	Version       uint64          `json:"event_version"`
	SchemaVersion int             `json:"schema_version"`
	Position      uint64          `json:"position,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
	Redacted      bool            `json:"redacted,omitempty"`
}

// Stream returns the stream the event belongs to.
func (e Event) Stream() StreamID {
	return StreamID{Type: e.AggregateType, ID: e.AggregateID}
}

// Decode unmarshals the payload into dest.
func (e Event) Decode(dest any) error {
	if e.Redacted {
		return fmt.Errorf("event %s is redacted", e.ID)
	}
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dest); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// PartitionKey is the key used to route the event on the bus.
func (e Event) PartitionKey() string {
	return e.Stream().String()
}

// Partition maps the event onto one of n partitions.
func (e Event) Partition(n int) int {
	return PartitionOf(e.PartitionKey(), n)
}

// PartitionOf hashes key onto one of n partitions.
func PartitionOf(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Tombstone is the payload that replaces redacted events.
func Tombstone() json.RawMessage {
	return json.RawMessage(`{"redacted":true}`)
}

// Draft is an event produced by a command handler before it is numbered and stamped.
type Draft struct {
	Type    Type
	Payload any
}

// New builds a draft for the given payload.
func New(t Type, payload any) Draft {
	return Draft{Type: t, Payload: payload}
}

// Pattern selects event types using path.Match globbing, e.g. "order.*".
// The empty pattern and "*" match every type.
type Pattern string

// MatchAll is the pattern that accepts every event type.
const MatchAll Pattern = "*"

// Matches reports whether t is selected by the pattern.
func (p Pattern) Matches(t Type) bool {
	value := strings.TrimSpace(string(p))
	if value == "" || value == string(MatchAll) {
		return true
	}
	ok, err := path.Match(value, string(t))
	return err == nil && ok
}

// Validate reports malformed glob patterns.
func (p Pattern) Validate() error {
	if _, err := path.Match(string(p), ""); err != nil {
		return fmt.Errorf("invalid event pattern %q: %w", p, err)
	}
	return nil
}

// AnyOf matches when any of the patterns matches.
func AnyOf(t Type, patterns ...Pattern) bool {
	for _, p := range patterns {
		if p.Matches(t) {
			return true
		}
	}
	return false
}
