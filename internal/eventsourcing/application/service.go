// Package application implements the command and query boundary on top of the aggregate
// dispatcher, the event store, the projection engine and the saga runner.
package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/deadletter"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/projection"
	readmodel "github.com/Apurer/go-eventsourcing-server/internal/shared/projection"
)

const subscriberBuffer = 64

var _ ports.Service = (*Service)(nil)

// Streams reads aggregate streams.
type Streams interface {
	Read(ctx context.Context, stream event.StreamID, fromVersion uint64) ([]event.Event, error)
}

// Sagas inspects and cancels saga instances.
type Sagas interface {
	Inspect(ctx context.Context, sagaID string) (*ports.SagaInstance, error)
	Cancel(ctx context.Context, sagaID string) (*ports.SagaInstance, error)
}

// Service wires the use cases exposed to the HTTP and CLI adapters.
type Service struct {
	commands    *aggregate.Dispatcher
	streams     Streams
	projections *projection.Engine
	bus         ports.Bus
	dlq         *deadletter.Manager
	sagas       Sagas
	idempotency ports.IdempotencyStore
	replayers   map[string]ports.Handler
	now         func() time.Time
}

type Option func(*Service)

// WithIdempotency enables idempotency keys on SubmitCommand.
func WithIdempotency(store ports.IdempotencyStore) Option {
	return func(s *Service) {
		s.idempotency = store
	}
}

// WithReplayHandler registers the handler that replays dead letters of a non-projection consumer.
func WithReplayHandler(consumer string, handler ports.Handler) Option {
	return func(s *Service) {
		if handler != nil {
			s.replayers[consumer] = handler
		}
	}
}

// WithClock overrides the time source for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService wires the service with its dependencies.
func NewService(commands *aggregate.Dispatcher, streams Streams, projections *projection.Engine, bus ports.Bus, dlq *deadletter.Manager, sagas Sagas, opts ...Option) *Service {
	s := &Service{
		commands:    commands,
		streams:     streams,
		projections: projections,
		bus:         bus,
		dlq:         dlq,
		sagas:       sagas,
		replayers:   map[string]ports.Handler{},
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SubmitCommand routes the command to its aggregate. With an idempotency key, a resubmission
// of the same request returns the original result without executing the command again.
func (s *Service) SubmitCommand(ctx context.Context, req ports.CommandRequest) (ports.CommandResult, error) {
	if strings.TrimSpace(req.AggregateType) == "" || strings.TrimSpace(req.AggregateID) == "" || strings.TrimSpace(req.Command) == "" {
		return ports.CommandResult{}, fmt.Errorf("%w: aggregate type, aggregate id and command are required", ErrInvalidInput)
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	var fingerprint string
	if key != "" && s.idempotency != nil {
		var err error
		if fingerprint, err = FingerprintCommand(req); err != nil {
			return ports.CommandResult{}, fmt.Errorf("%w: payload is not valid JSON: %w", ErrInvalidInput, err)
		}
		existing, err := s.idempotency.Get(ctx, key)
		if err != nil {
			return ports.CommandResult{}, err
		}
		if existing != nil {
			return replayed(existing, fingerprint)
		}
	}

	outcome, err := s.commands.Submit(ctx, req.AggregateType, req.AggregateID, req.Command, req.Payload, req.Metadata, req.ExpectedVersion)
	if err != nil {
		return ports.CommandResult{}, err
	}
	result := ports.CommandResult{
		AggregateType:  outcome.AggregateType,
		AggregateID:    outcome.AggregateID,
		AppliedVersion: outcome.Version,
		EventIDs:       outcome.EventIDs,
	}
	if fingerprint == "" {
		return result, nil
	}
	now := s.now().UTC()
	stored, err := s.idempotency.Save(ctx, ports.IdempotencyRecord{
		Key:           key,
		RequestHash:   fingerprint,
		AggregateType: outcome.AggregateType,
		AggregateID:   outcome.AggregateID,
		Version:       outcome.Version,
		EventIDs:      outcome.EventIDs,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		if errors.Is(err, ports.ErrIdempotencyConflict) {
			return ports.CommandResult{}, err
		}
		return result, nil
	}
	if stored != nil && (stored.AggregateID != result.AggregateID || stored.Version != result.AppliedVersion) {
		// a concurrent duplicate recorded first; both executed, the first one answers
		return replayed(stored, fingerprint)
	}
	return result, nil
}

func replayed(record *ports.IdempotencyRecord, fingerprint string) (ports.CommandResult, error) {
	if record.RequestHash != fingerprint {
		return ports.CommandResult{}, fmt.Errorf("%w: key %s was used for a different request", ports.ErrIdempotencyConflict, record.Key)
	}
	return ports.CommandResult{
		AggregateType:  record.AggregateType,
		AggregateID:    record.AggregateID,
		AppliedVersion: record.Version,
		EventIDs:       slices.Clone(record.EventIDs),
		Replayed:       true,
	}, nil
}

// ReadStream returns the upcast events of one stream.
func (s *Service) ReadStream(ctx context.Context, stream event.StreamID, fromVersion uint64) ([]event.Event, error) {
	if err := stream.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return s.streams.Read(ctx, stream, fromVersion)
}

func (s *Service) Query(ctx context.Context, projectionName string, filter ports.Filter) ([]readmodel.Record, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidInput)
	}
	return s.projections.Query(ctx, projectionName, filter)
}

func (s *Service) GetReadModel(ctx context.Context, projectionName, key string) (*readmodel.Record, error) {
	return s.projections.Get(ctx, projectionName, key)
}

// Subscribe streams live events matching pattern. The channel is not closed; callers stop
// reading when ctx ends or after calling stop.
func (s *Service) Subscribe(ctx context.Context, pattern event.Pattern) (<-chan event.Event, func(), error) {
	if err := pattern.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	events := make(chan event.Event, subscriberBuffer)
	done := make(chan struct{})
	stopBus, err := s.bus.Subscribe(ctx, ports.Subscription{
		Name:    "subscriber:" + uuid.NewString(),
		Pattern: pattern,
		Start:   ports.StartLatest,
		Handler: func(ctx context.Context, evt event.Event) error {
			select {
			case events <- evt:
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			stopBus()
			close(done)
		})
	}
	return events, stop, nil
}

func (s *Service) RebuildProjection(ctx context.Context, projectionName string) (ports.RebuildReport, error) {
	return s.projections.Rebuild(ctx, projectionName)
}

// ListDeadLetters lists pending entries; a bare projection name addresses that projection.
func (s *Service) ListDeadLetters(ctx context.Context, consumer string) ([]ports.DeadLetter, error) {
	if s.dlq == nil {
		return nil, nil
	}
	if slices.Contains(s.projections.Names(), consumer) {
		consumer = projection.Consumer(consumer)
	}
	return s.dlq.List(ctx, consumer)
}

// ReplayDeadLetters re-applies a consumer's pending entries with its own handler.
func (s *Service) ReplayDeadLetters(ctx context.Context, consumer string) (ports.ReplayReport, error) {
	name := strings.TrimPrefix(consumer, projection.Consumer(""))
	if slices.Contains(s.projections.Names(), name) {
		return s.projections.ReplayDeadLetters(ctx, name)
	}
	handler, ok := s.replayers[consumer]
	if !ok {
		return ports.ReplayReport{}, fmt.Errorf("%w: consumer %s", ports.ErrNotFound, consumer)
	}
	if s.dlq == nil {
		return ports.ReplayReport{Consumer: consumer}, nil
	}
	return s.dlq.Replay(ctx, consumer, handler)
}

func (s *Service) InspectSaga(ctx context.Context, sagaID string) (*ports.SagaInstance, error) {
	return s.sagas.Inspect(ctx, sagaID)
}

func (s *Service) CancelSaga(ctx context.Context, sagaID string) (*ports.SagaInstance, error) {
	return s.sagas.Cancel(ctx, sagaID)
}
