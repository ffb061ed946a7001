package ports

import (
	"context"
	"iter"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

// ReadAllFilter narrows a journal-wide scan.
type ReadAllFilter struct {
	// AggregateTypes limits the scan; empty means every type.
	AggregateTypes []string
	// From skips events recorded before the timestamp.
	From time.Time
	// AfterPosition resumes a scan after the given journal position.
	AfterPosition uint64
	// PageSize bounds how many rows adapters fetch per round trip.
	PageSize int
}

// Journal is the durable, append-only event log.
type Journal interface {
	// Append writes events atomically when the stream is at expectedVersion and
	// returns the new stream version. Events must already carry consecutive versions.
	// A version mismatch returns *ConcurrencyError.
	Append(ctx context.Context, stream event.StreamID, expectedVersion uint64, events []event.Event) (uint64, error)
	// Read returns the stream's events with version >= fromVersion in version order.
	Read(ctx context.Context, stream event.StreamID, fromVersion uint64) ([]event.Event, error)
	// ReadAll lazily scans events in journal position order.
	ReadAll(ctx context.Context, filter ReadAllFilter) iter.Seq2[event.Event, error]
	// Version returns the current stream version, 0 when the stream is empty.
	Version(ctx context.Context, stream event.StreamID) (uint64, error)
	// Redact replaces the payload of one event with a tombstone.
	Redact(ctx context.Context, eventID string) error
}

// Outbox exposes committed events that have not been published yet.
type Outbox interface {
	// PendingOutbox returns unpublished events in journal position order.
	PendingOutbox(ctx context.Context, limit int) ([]event.Event, error)
	// MarkPublished records that the events reached the bus.
	MarkPublished(ctx context.Context, eventIDs []string) error
}

// JournalWithOutbox is implemented by journals that write an outbox row in the append transaction.
type JournalWithOutbox interface {
	Journal
	Outbox
}

// DefaultPageSize is used by journal scans when no page size is given.
const DefaultPageSize = 500
