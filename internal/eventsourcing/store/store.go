// Package store is the event store service: validated appends, upcasting reads and
// post-commit publication through the journal outbox.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/schema"
)

// ErrInvalidAppend is returned when the events handed to Append are malformed.
var ErrInvalidAppend = errors.New("invalid append")

const defaultRelayBatch = 256

// Store wraps a journal with schema upcasting and bus publication.
type Store struct {
	journal ports.Journal
	outbox  ports.Outbox
	bus     ports.Bus
	schemas *schema.Registry
	logger  *slog.Logger
	batch   int

	relayMu sync.Mutex
}

type Option func(*Store)

func WithBus(bus ports.Bus) Option {
	return func(s *Store) {
		s.bus = bus
	}
}

func WithSchemas(registry *schema.Registry) Option {
	return func(s *Store) {
		s.schemas = registry
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRelayBatch bounds how many outbox rows one flush round publishes.
func WithRelayBatch(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batch = n
		}
	}
}

// New wires the store. Journals that also implement ports.Outbox get transactional publication.
func New(journal ports.Journal, opts ...Option) *Store {
	s := &Store{
		journal: journal,
		schemas: schema.NewRegistry(),
		logger:  slog.Default(),
		batch:   defaultRelayBatch,
	}
	if outbox, ok := journal.(ports.Outbox); ok {
		s.outbox = outbox
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Schemas exposes the registry used for upcasting.
func (s *Store) Schemas() *schema.Registry {
	return s.schemas
}

// Append durably records events and then publishes them. Publication failures are
// logged; the outbox relay delivers them later.
func (s *Store) Append(ctx context.Context, stream event.StreamID, expectedVersion uint64, events []event.Event) (uint64, error) {
	if err := validateAppend(stream, expectedVersion, events); err != nil {
		return 0, err
	}
	version, err := s.journal.Append(ctx, stream, expectedVersion, events)
	if err != nil {
		return 0, err
	}
	s.publishCommitted(ctx, events)
	return version, nil
}

func (s *Store) publishCommitted(ctx context.Context, events []event.Event) {
	if s.bus == nil {
		return
	}
	if s.outbox != nil {
		if _, err := s.Flush(ctx); err != nil {
			s.logger.WarnContext(ctx, "outbox flush after append failed; relay will retry", slog.String("error", err.Error()))
		}
		return
	}
	if err := s.bus.Publish(ctx, events...); err != nil {
		s.logger.ErrorContext(ctx, "publish after append failed", slog.String("error", err.Error()))
	}
}

func validateAppend(stream event.StreamID, expectedVersion uint64, events []event.Event) error {
	if err := stream.Validate(); err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidAppend)
	}
	seen := make(map[string]struct{}, len(events))
	for i, evt := range events {
		if evt.ID == "" {
			return fmt.Errorf("%w: event %d has no id", ErrInvalidAppend, i)
		}
		if _, dup := seen[evt.ID]; dup {
			return fmt.Errorf("%w: duplicate event id %s", ErrInvalidAppend, evt.ID)
		}
		seen[evt.ID] = struct{}{}
		if evt.Stream() != stream {
			return fmt.Errorf("%w: event %s belongs to %s, not %s", ErrInvalidAppend, evt.ID, evt.Stream(), stream)
		}
		if want := expectedVersion + uint64(i) + 1; evt.Version != want {
			return fmt.Errorf("%w: event %s has version %d, want %d", ErrInvalidAppend, evt.ID, evt.Version, want)
		}
		if evt.Type == "" {
			return fmt.Errorf("%w: event %s has no type", ErrInvalidAppend, evt.ID)
		}
	}
	return nil
}

// Read returns the upcast stream from fromVersion (inclusive; 0 reads everything).
func (s *Store) Read(ctx context.Context, stream event.StreamID, fromVersion uint64) ([]event.Event, error) {
	if err := stream.Validate(); err != nil {
		return nil, err
	}
	events, err := s.journal.Read(ctx, stream, fromVersion)
	if err != nil {
		return nil, err
	}
	if err := checkContiguous(stream, fromVersion, events); err != nil {
		return nil, err
	}
	return s.schemas.UpcastAll(events)
}

// ReadAsOf returns the stream prefix recorded at or before until.
func (s *Store) ReadAsOf(ctx context.Context, stream event.StreamID, until time.Time) ([]event.Event, error) {
	events, err := s.Read(ctx, stream, 0)
	if err != nil {
		return nil, err
	}
	cut := len(events)
	for i, evt := range events {
		if evt.Metadata.Timestamp.After(until) {
			cut = i
			break
		}
	}
	return events[:cut], nil
}

func checkContiguous(stream event.StreamID, fromVersion uint64, events []event.Event) error {
	expected := fromVersion
	if expected == 0 {
		expected = 1
	}
	for _, evt := range events {
		if evt.Version != expected {
			return fmt.Errorf("stream %s: event sequence gap: expected %d got %d", stream, expected, evt.Version)
		}
		expected++
	}
	return nil
}

// ReadAll lazily scans the journal and upcasts each event.
func (s *Store) ReadAll(ctx context.Context, filter ports.ReadAllFilter) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		for evt, err := range s.journal.ReadAll(ctx, filter) {
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			up, err := s.schemas.Upcast(evt)
			if !yield(up, err) || err != nil {
				return
			}
		}
	}
}

// Upcast converts one event to its current schema version.
func (s *Store) Upcast(evt event.Event) (event.Event, error) {
	return s.schemas.Upcast(evt)
}

// Version returns the current version of a stream.
func (s *Store) Version(ctx context.Context, stream event.StreamID) (uint64, error) {
	return s.journal.Version(ctx, stream)
}

// Redact replaces the payload of one event with a tombstone.
func (s *Store) Redact(ctx context.Context, eventID string) error {
	return s.journal.Redact(ctx, eventID)
}

// Flush publishes pending outbox rows in journal order and returns how many were sent.
func (s *Store) Flush(ctx context.Context) (int, error) {
	if s.outbox == nil || s.bus == nil {
		return 0, nil
	}
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	published := 0
	for {
		pending, err := s.outbox.PendingOutbox(ctx, s.batch)
		if err != nil {
			return published, fmt.Errorf("load outbox: %w", err)
		}
		if len(pending) == 0 {
			return published, nil
		}
		upcast, err := s.schemas.UpcastAll(pending)
		if err != nil {
			return published, err
		}
		if err := s.bus.Publish(ctx, upcast...); err != nil {
			if errors.Is(err, ports.ErrNoSubscribers) {
				// rows stay pending until a consumer can receive them
				return published, nil
			}
			return published, fmt.Errorf("publish outbox: %w", err)
		}
		ids := make([]string, 0, len(pending))
		for _, evt := range pending {
			ids = append(ids, evt.ID)
		}
		if err := s.outbox.MarkPublished(ctx, ids); err != nil {
			return published, fmt.Errorf("mark outbox published: %w", err)
		}
		published += len(pending)
		if len(pending) < s.batch {
			return published, nil
		}
	}
}

// RunRelay flushes the outbox once, then every interval until ctx is cancelled.
func (s *Store) RunRelay(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.WarnContext(ctx, "outbox relay failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.DebugContext(ctx, "outbox relay published events", slog.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
