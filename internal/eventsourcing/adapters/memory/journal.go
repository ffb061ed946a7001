package memory

import (
	"context"
	"encoding/json"
	"iter"
	"slices"
	"sync"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

var _ ports.JournalWithOutbox = (*Journal)(nil)

// Journal is an in-memory event log with an outbox, for development and tests.
type Journal struct {
	mu        sync.RWMutex
	streams   map[event.StreamID][]int
	log       []event.Event
	byID      map[string]int
	published map[string]bool
	// floor is the index of the oldest event that may still be unpublished.
	floor int

	// failNextAppend is consumed by the next Append; tests use it to simulate I/O errors.
	failNextAppend error
}

// NewJournal constructs an empty journal.
func NewJournal() *Journal {
	return &Journal{
		streams:   map[event.StreamID][]int{},
		byID:      map[string]int{},
		published: map[string]bool{},
	}
}

// FailNextAppend makes the next Append return err without writing anything.
func (j *Journal) FailNextAppend(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failNextAppend = err
}

func (j *Journal) Append(ctx context.Context, stream event.StreamID, expectedVersion uint64, events []event.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.failNextAppend; err != nil {
		j.failNextAppend = nil
		return 0, err
	}
	current := uint64(len(j.streams[stream]))
	if current != expectedVersion {
		return 0, &ports.ConcurrencyError{Stream: stream, Expected: expectedVersion, Actual: current}
	}
	for _, evt := range events {
		if _, dup := j.byID[evt.ID]; dup {
			return 0, &ports.ConcurrencyError{Stream: stream, Expected: expectedVersion, Actual: current}
		}
	}
	for _, evt := range events {
		stored := cloneEvent(evt)
		stored.Position = uint64(len(j.log)) + 1
		j.log = append(j.log, stored)
		idx := len(j.log) - 1
		j.byID[stored.ID] = idx
		j.streams[stream] = append(j.streams[stream], idx)
	}
	return current + uint64(len(events)), nil
}

func (j *Journal) Read(ctx context.Context, stream event.StreamID, fromVersion uint64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	indexes := j.streams[stream]
	out := make([]event.Event, 0, len(indexes))
	for _, idx := range indexes {
		evt := j.log[idx]
		if evt.Version < fromVersion {
			continue
		}
		out = append(out, cloneEvent(evt))
	}
	return out, nil
}

func (j *Journal) ReadAll(ctx context.Context, filter ports.ReadAllFilter) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		position := filter.AfterPosition
		for {
			if err := ctx.Err(); err != nil {
				yield(event.Event{}, err)
				return
			}
			evt, ok := j.next(position, filter)
			if !ok {
				return
			}
			position = evt.Position
			if !yield(evt, nil) {
				return
			}
		}
	}
}

// next returns the first matching event after position; the lock is not held while yielding.
func (j *Journal) next(position uint64, filter ports.ReadAllFilter) (event.Event, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for i := int(position); i < len(j.log); i++ {
		evt := j.log[i]
		if len(filter.AggregateTypes) > 0 && !slices.Contains(filter.AggregateTypes, evt.AggregateType) {
			continue
		}
		if !filter.From.IsZero() && evt.Metadata.Timestamp.Before(filter.From) {
			continue
		}
		return cloneEvent(evt), true
	}
	return event.Event{}, false
}

func (j *Journal) Version(ctx context.Context, stream event.StreamID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.streams[stream])), nil
}

func (j *Journal) Redact(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	idx, ok := j.byID[eventID]
	if !ok {
		return ports.ErrNotFound
	}
	j.log[idx].Payload = event.Tombstone()
	j.log[idx].Redacted = true
	return nil
}

func (j *Journal) PendingOutbox(ctx context.Context, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []event.Event
	for _, evt := range j.log[j.floor:] {
		if j.published[evt.ID] {
			continue
		}
		out = append(out, cloneEvent(evt))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (j *Journal) MarkPublished(ctx context.Context, eventIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, id := range eventIDs {
		j.published[id] = true
	}
	for j.floor < len(j.log) && j.published[j.log[j.floor].ID] {
		j.floor++
	}
	return nil
}

func cloneEvent(evt event.Event) event.Event {
	evt.Payload = append(json.RawMessage(nil), evt.Payload...)
	return evt
}
