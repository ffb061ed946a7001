package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/shared/projection"
)

// CommandRequest is submitted by callers outside the process.
type CommandRequest struct {
	AggregateType string
	AggregateID   string
	Command       string
	Payload       json.RawMessage
	// ExpectedVersion pins the stream version; a mismatch is reported instead of retried.
	ExpectedVersion *uint64
	Metadata        event.Metadata
	// IdempotencyKey makes resubmissions return the original result.
	IdempotencyKey string
}

// CommandResult acknowledges that events were durably appended.
type CommandResult struct {
	AggregateType  string   `json:"aggregate_type"`
	AggregateID    string   `json:"aggregate_id"`
	AppliedVersion uint64   `json:"applied_version"`
	EventIDs       []string `json:"event_ids"`
	Replayed       bool     `json:"replayed,omitempty"`
}

// RebuildReport summarizes a projection rebuild.
type RebuildReport struct {
	Projection string        `json:"projection"`
	Generation int64         `json:"generation"`
	Events     int           `json:"events"`
	Applied    int           `json:"applied"`
	DeadLetter int           `json:"dead_lettered"`
	Duration   time.Duration `json:"duration"`
}

// ReplayReport summarizes a dead-letter replay.
type ReplayReport struct {
	Consumer string `json:"consumer"`
	Replayed int    `json:"replayed"`
	Failed   int    `json:"failed"`
}

// Service is the command/query boundary exposed to callers.
type Service interface {
	SubmitCommand(ctx context.Context, req CommandRequest) (CommandResult, error)
	ReadStream(ctx context.Context, stream event.StreamID, fromVersion uint64) ([]event.Event, error)
	Query(ctx context.Context, projectionName string, filter Filter) ([]projection.Record, error)
	GetReadModel(ctx context.Context, projectionName, key string) (*projection.Record, error)
	// Subscribe streams events matching pattern until ctx ends or stop is called.
	Subscribe(ctx context.Context, pattern event.Pattern) (events <-chan event.Event, stop func(), err error)
	RebuildProjection(ctx context.Context, projectionName string) (RebuildReport, error)
	ListDeadLetters(ctx context.Context, consumer string) ([]DeadLetter, error)
	ReplayDeadLetters(ctx context.Context, consumer string) (ReplayReport, error)
	InspectSaga(ctx context.Context, sagaID string) (*SagaInstance, error)
	CancelSaga(ctx context.Context, sagaID string) (*SagaInstance, error)
}
