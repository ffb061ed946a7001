package ports

import (
	"context"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

// DeadLetterStatus tracks whether a quarantined event was handled later.
type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterReplayed DeadLetterStatus = "replayed"
)

// DeadLetter is an event a consumer failed to process after its retry budget.
// It is unique by (Partition, EventID, FailedAt).
type DeadLetter struct {
	ID         int64
	Consumer   string
	Partition  int
	EventID    string
	Event      event.Event
	Error      string
	Attempts   int
	Status     DeadLetterStatus
	FailedAt   time.Time
	ReplayedAt *time.Time
}

// DeadLetterStore persists quarantined events.
type DeadLetterStore interface {
	// Put stores the entry; a duplicate key returns the stored entry.
	Put(ctx context.Context, entry DeadLetter) (*DeadLetter, error)
	Get(ctx context.Context, id int64) (*DeadLetter, error)
	// List returns entries for the consumer ordered by failure time. Empty status means any.
	List(ctx context.Context, consumer string, status DeadLetterStatus) ([]DeadLetter, error)
	MarkReplayed(ctx context.Context, id int64, at time.Time) error
	// RecordFailure bumps the attempt counter after a failed replay.
	RecordFailure(ctx context.Context, id int64, cause string) error
}
