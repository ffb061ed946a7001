// Package postgres persists the journal, read models, sagas and dead letters with GORM.
package postgres

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

// Models lists every table of the adapter for migrations.
func Models() []any {
	return []any{
		&eventRecord{},
		&outboxRecord{},
		&generationRecord{},
		&checkpointRecord{},
		&documentRecord{},
		&sagaRecord{},
		&deadLetterRecord{},
		&idempotencyRecord{},
	}
}

type eventRecord struct {
	Position      int64          `gorm:"primaryKey;column:position;autoIncrement"`
	EventID       string         `gorm:"column:event_id;size:64;uniqueIndex"`
	AggregateType string         `gorm:"column:aggregate_type;size:128;uniqueIndex:idx_events_stream_version,priority:1"`
	AggregateID   string         `gorm:"column:aggregate_id;size:255;uniqueIndex:idx_events_stream_version,priority:2"`
	Version       int64          `gorm:"column:event_version;uniqueIndex:idx_events_stream_version,priority:3"`
	EventType     string         `gorm:"column:event_type;size:255;index"`
	SchemaVersion int            `gorm:"column:schema_version"`
	Payload       datatypes.JSON `gorm:"column:payload;type:jsonb"`
	Metadata      datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	OccurredAt    time.Time      `gorm:"column:occurred_at;index"`
	Redacted      bool           `gorm:"column:redacted"`
	RecordedAt    time.Time      `gorm:"column:recorded_at"`
}

func (eventRecord) TableName() string { return "events" }

// outboxRecord is written in the append transaction and marked once the relay published it.
type outboxRecord struct {
	EventID     string     `gorm:"primaryKey;column:event_id;size:64"`
	Position    int64      `gorm:"column:position;index"`
	PublishedAt *time.Time `gorm:"column:published_at;index"`
}

func (outboxRecord) TableName() string { return "event_outbox" }

func newEventRecord(evt event.Event, now time.Time) (eventRecord, error) {
	meta, err := json.Marshal(evt.Metadata)
	if err != nil {
		return eventRecord{}, err
	}
	return eventRecord{
		EventID:       evt.ID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		Version:       int64(evt.Version),
		EventType:     string(evt.Type),
		SchemaVersion: evt.SchemaVersion,
		Payload:       datatypes.JSON(evt.Payload),
		Metadata:      datatypes.JSON(meta),
		OccurredAt:    evt.Metadata.Timestamp.UTC(),
		Redacted:      evt.Redacted,
		RecordedAt:    now,
	}, nil
}

func (r eventRecord) toDomain() (event.Event, error) {
	evt := event.Event{
		ID:            r.EventID,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		Type:          event.Type(r.EventType),
		Version:       uint64(r.Version),
		SchemaVersion: r.SchemaVersion,
		Position:      uint64(r.Position),
		Payload:       append(json.RawMessage(nil), r.Payload...),
		Redacted:      r.Redacted,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &evt.Metadata); err != nil {
			return event.Event{}, err
		}
	}
	return evt, nil
}

func toEvents(records []eventRecord) ([]event.Event, error) {
	out := make([]event.Event, 0, len(records))
	for _, rec := range records {
		evt, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// generationRecord tracks the active and shadow generation of one projection.
type generationRecord struct {
	Projection string    `gorm:"primaryKey;column:projection;size:128"`
	Active     int64     `gorm:"column:active"`
	Shadow     int64     `gorm:"column:shadow"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (generationRecord) TableName() string { return "projection_generations" }

type checkpointRecord struct {
	Projection    string    `gorm:"primaryKey;column:projection;size:128"`
	Generation    int64     `gorm:"primaryKey;column:generation"`
	AggregateType string    `gorm:"primaryKey;column:aggregate_type;size:128"`
	AggregateID   string    `gorm:"primaryKey;column:aggregate_id;size:255"`
	Version       int64     `gorm:"column:event_version"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (checkpointRecord) TableName() string { return "projection_checkpoints" }

type documentRecord struct {
	Projection string         `gorm:"primaryKey;column:projection;size:128"`
	Generation int64          `gorm:"primaryKey;column:generation"`
	Key        string         `gorm:"primaryKey;column:key;size:255"`
	Doc        datatypes.JSON `gorm:"column:doc;type:jsonb"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (documentRecord) TableName() string { return "read_models" }

type sagaRecord struct {
	ID               string                                    `gorm:"primaryKey;column:saga_id;size:64"`
	Definition       string                                    `gorm:"column:definition;size:128"`
	CorrelationID    string                                    `gorm:"column:correlation_id;size:255;index"`
	Mode             string                                    `gorm:"column:mode;size:32"`
	Status           string                                    `gorm:"column:status;size:32;index"`
	CurrentStep      int                                       `gorm:"column:current_step"`
	Input            datatypes.JSON                            `gorm:"column:input;type:jsonb"`
	StepNames        pq.StringArray                            `gorm:"column:step_names;type:text[]"`
	CompletedSteps   datatypes.JSONSlice[ports.CompletedStep]  `gorm:"column:completed_steps;type:jsonb"`
	Awaiting         datatypes.JSON                            `gorm:"column:awaiting;type:jsonb"`
	AwaitingDeadline *time.Time                                `gorm:"column:awaiting_deadline;index"`
	LastError        string                                    `gorm:"column:last_error"`
	Transitions      datatypes.JSONSlice[ports.SagaTransition] `gorm:"column:transitions;type:jsonb"`
	Revision         int64                                     `gorm:"column:revision"`
	CreatedAt        time.Time                                 `gorm:"column:created_at;index"`
	UpdatedAt        time.Time                                 `gorm:"column:updated_at"`
}

func (sagaRecord) TableName() string { return "saga_instances" }

func newSagaRecord(inst *ports.SagaInstance) (sagaRecord, error) {
	rec := sagaRecord{
		ID:             inst.ID,
		Definition:     inst.Definition,
		CorrelationID:  inst.CorrelationID,
		Mode:           string(inst.Mode),
		Status:         string(inst.Status),
		CurrentStep:    inst.CurrentStep,
		Input:          datatypes.JSON(inst.Input),
		StepNames:      pq.StringArray(inst.StepNames()),
		CompletedSteps: datatypes.NewJSONSlice(inst.CompletedSteps),
		LastError:      inst.LastError,
		Transitions:    datatypes.NewJSONSlice(inst.Transitions),
		Revision:       inst.Revision,
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
	}
	if inst.Awaiting != nil {
		raw, err := json.Marshal(inst.Awaiting)
		if err != nil {
			return sagaRecord{}, err
		}
		deadline := inst.Awaiting.Deadline.UTC()
		rec.Awaiting = datatypes.JSON(raw)
		rec.AwaitingDeadline = &deadline
	}
	return rec, nil
}

func (r sagaRecord) toDomain() (*ports.SagaInstance, error) {
	inst := &ports.SagaInstance{
		ID:             r.ID,
		Definition:     r.Definition,
		CorrelationID:  r.CorrelationID,
		Mode:           ports.SagaMode(r.Mode),
		Status:         ports.SagaStatus(r.Status),
		CurrentStep:    r.CurrentStep,
		Input:          append(json.RawMessage(nil), r.Input...),
		CompletedSteps: append([]ports.CompletedStep{}, r.CompletedSteps...),
		LastError:      r.LastError,
		Transitions:    append([]ports.SagaTransition{}, r.Transitions...),
		Revision:       r.Revision,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Awaiting) > 0 && string(r.Awaiting) != "null" {
		var awaiting ports.Awaiting
		if err := json.Unmarshal(r.Awaiting, &awaiting); err != nil {
			return nil, err
		}
		inst.Awaiting = &awaiting
	}
	return inst, nil
}

// deadLetterRecord is unique by (partition, event id, failure time).
type deadLetterRecord struct {
	ID         int64          `gorm:"primaryKey;column:id;autoIncrement:false"`
	Consumer   string         `gorm:"column:consumer;size:255;index"`
	Partition  int            `gorm:"column:partition;uniqueIndex:idx_dead_letters_key,priority:1"`
	EventID    string         `gorm:"column:event_id;size:64;uniqueIndex:idx_dead_letters_key,priority:2"`
	FailedAt   time.Time      `gorm:"column:failed_at;uniqueIndex:idx_dead_letters_key,priority:3"`
	EventType  string         `gorm:"column:event_type;size:255"`
	Event      datatypes.JSON `gorm:"column:event;type:jsonb"`
	Error      string         `gorm:"column:error"`
	Attempts   int            `gorm:"column:attempts"`
	Status     string         `gorm:"column:status;size:32;index"`
	ReplayedAt *time.Time     `gorm:"column:replayed_at"`
}

func (deadLetterRecord) TableName() string { return "dead_letters" }

func newDeadLetterRecord(entry ports.DeadLetter) (deadLetterRecord, error) {
	raw, err := json.Marshal(entry.Event)
	if err != nil {
		return deadLetterRecord{}, err
	}
	status := entry.Status
	if status == "" {
		status = ports.DeadLetterPending
	}
	return deadLetterRecord{
		ID:         entry.ID,
		Consumer:   entry.Consumer,
		Partition:  entry.Partition,
		EventID:    entry.EventID,
		FailedAt:   entry.FailedAt.UTC().Truncate(time.Microsecond),
		EventType:  string(entry.Event.Type),
		Event:      datatypes.JSON(raw),
		Error:      entry.Error,
		Attempts:   entry.Attempts,
		Status:     string(status),
		ReplayedAt: entry.ReplayedAt,
	}, nil
}

func (r deadLetterRecord) toDomain() (ports.DeadLetter, error) {
	entry := ports.DeadLetter{
		ID:         r.ID,
		Consumer:   r.Consumer,
		Partition:  r.Partition,
		EventID:    r.EventID,
		Error:      r.Error,
		Attempts:   r.Attempts,
		Status:     ports.DeadLetterStatus(r.Status),
		FailedAt:   r.FailedAt,
		ReplayedAt: r.ReplayedAt,
	}
	if err := json.Unmarshal(r.Event, &entry.Event); err != nil {
		return ports.DeadLetter{}, err
	}
	return entry, nil
}

type idempotencyRecord struct {
	Key           string         `gorm:"primaryKey;column:key;size:255"`
	RequestHash   string         `gorm:"column:request_hash;size:128"`
	AggregateType string         `gorm:"column:aggregate_type;size:128"`
	AggregateID   string         `gorm:"column:aggregate_id;size:255"`
	Version       int64          `gorm:"column:applied_version"`
	EventIDs      pq.StringArray `gorm:"column:event_ids;type:text[]"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

func (idempotencyRecord) TableName() string { return "command_idempotency_keys" }

func notConfigured(what string) error {
	return errors.New("postgres " + what + " not configured")
}

// isDuplicate reports unique violations; the connection translates driver errors.
func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
