package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/schema"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/store"
)

// EventStore is the subset of the store the runtime needs.
type EventStore interface {
	Append(ctx context.Context, stream event.StreamID, expectedVersion uint64, events []event.Event) (uint64, error)
	Read(ctx context.Context, stream event.StreamID, fromVersion uint64) ([]event.Event, error)
}

// Request is one command addressed to one aggregate.
type Request struct {
	ID       string
	Command  Command
	Metadata event.Metadata
	// ExpectedVersion pins the version the caller decided on; conflicts are returned, not retried.
	ExpectedVersion *uint64
}

// Result is the aggregate after the command's events were appended.
type Result[S any] struct {
	Root   *Root[S]
	Events []event.Event
}

// Runtime loads, decides and persists aggregates of one type.
type Runtime[S any] struct {
	def     Definition[S]
	store   EventStore
	schemas *schema.Registry
	policy  retry.Policy
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

type Option func(*runtimeOptions)

type runtimeOptions struct {
	schemas *schema.Registry
	policy  *retry.Policy
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// WithSchemas stamps new events with the registry's current schema version.
func WithSchemas(registry *schema.Registry) Option {
	return func(o *runtimeOptions) {
		o.schemas = registry
	}
}

// WithRetryPolicy bounds the reload-and-retry loop of Handle.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(o *runtimeOptions) {
		o.policy = &policy
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *runtimeOptions) {
		o.logger = logger
	}
}

// WithClock overrides the time source for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(o *runtimeOptions) {
		o.now = now
	}
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(newID func() string) Option {
	return func(o *runtimeOptions) {
		o.newID = newID
	}
}

// NewRuntime binds a definition to an event store.
func NewRuntime[S any](def Definition[S], es EventStore, opts ...Option) (*Runtime[S], error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	if es == nil {
		return nil, errors.New("aggregate runtime requires an event store")
	}
	o := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	r := &Runtime[S]{
		def:     def,
		store:   es,
		schemas: o.schemas,
		policy:  retry.DefaultPolicy(),
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	if r.schemas == nil {
		if s, ok := es.(*store.Store); ok {
			r.schemas = s.Schemas()
		} else {
			r.schemas = schema.NewRegistry()
		}
	}
	if o.policy != nil {
		r.policy = *o.policy
	}
	if o.logger != nil {
		r.logger = o.logger
	}
	if o.now != nil {
		r.now = o.now
	}
	if o.newID != nil {
		r.newID = o.newID
	}
	return r, nil
}

// AggregateType returns the type this runtime serves.
func (r *Runtime[S]) AggregateType() string {
	return r.def.Type
}

// New returns the version 0 aggregate for id.
func (r *Runtime[S]) New(id string) *Root[S] {
	return &Root[S]{ID: id, Type: r.def.Type, State: r.def.Initial(id)}
}

// Load folds the full stream. Unknown ids yield the version 0 aggregate.
func (r *Runtime[S]) Load(ctx context.Context, id string) (*Root[S], error) {
	return r.LoadAt(ctx, id, 0)
}

// LoadAt folds the stream prefix up to and including version; 0 folds everything.
func (r *Runtime[S]) LoadAt(ctx context.Context, id string, version uint64) (*Root[S], error) {
	stream := event.Stream(r.def.Type, id)
	if err := stream.Validate(); err != nil {
		return nil, err
	}
	events, err := r.store.Read(ctx, stream, 0)
	if err != nil {
		return nil, err
	}
	root := r.New(stream.ID)
	for _, evt := range events {
		if version > 0 && evt.Version > version {
			break
		}
		if err := r.Apply(root, evt); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// Apply folds one event into root. Redacted events advance the version only.
func (r *Runtime[S]) Apply(root *Root[S], evt event.Event) error {
	if evt.Version != root.Version+1 {
		return fmt.Errorf("apply %s to %s: version %d does not follow %d", evt.ID, root.Stream(), evt.Version, root.Version)
	}
	if !evt.Redacted {
		next, err := r.def.Evolve(root.State, evt)
		if err != nil {
			return fmt.Errorf("apply %s to %s: %w", evt.Type, root.Stream(), err)
		}
		root.State = next
	}
	root.Version = evt.Version
	return nil
}

// Execute runs the command against root and returns the new, not yet applied events.
// Rejections match ErrRuleViolation and leave root unchanged.
func (r *Runtime[S]) Execute(root *Root[S], cmd Command, meta event.Metadata) ([]event.Event, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	drafts, err := r.def.Decide(root.State, cmd)
	if err != nil {
		return nil, err
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = r.now().UTC()
	}
	events := make([]event.Event, 0, len(drafts))
	for i, draft := range drafts {
		payload, err := json.Marshal(draft.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", draft.Type, err)
		}
		events = append(events, event.Event{
			ID:            r.newID(),
			AggregateID:   root.ID,
			AggregateType: root.Type,
			Type:          draft.Type,
			Version:       root.Version + uint64(i) + 1,
			SchemaVersion: r.schemas.CurrentVersion(draft.Type),
			Payload:       payload,
			Metadata:      meta,
		})
	}
	return events, nil
}

// Handle loads the aggregate, executes the command and appends the result. Concurrency
// conflicts and transient store failures reload and retry within the policy budget.
func (r *Runtime[S]) Handle(ctx context.Context, req Request) (Result[S], error) {
	stream := event.Stream(r.def.Type, req.ID)
	if err := stream.Validate(); err != nil {
		return Result[S]{}, err
	}
	if req.Metadata.CorrelationID == "" {
		req.Metadata.CorrelationID = stream.ID
	}

	var result Result[S]
	attempts, err := retry.Notify(ctx, r.policy, func(ctx context.Context, attempt int) error {
		root, err := r.Load(ctx, stream.ID)
		if err != nil {
			if deterministic(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != root.Version {
			return retry.Permanent(&ports.ConcurrencyError{Stream: stream, Expected: *req.ExpectedVersion, Actual: root.Version})
		}
		events, err := r.Execute(root, req.Command, req.Metadata)
		if err != nil {
			return retry.Permanent(err)
		}
		if len(events) == 0 {
			result = Result[S]{Root: root}
			return nil
		}
		if _, err := r.store.Append(ctx, stream, root.Version, events); err != nil {
			if req.ExpectedVersion != nil && errors.Is(err, ports.ErrConcurrency) {
				return retry.Permanent(err)
			}
			if deterministic(err) {
				return retry.Permanent(err)
			}
			return err
		}
		for _, evt := range events {
			if err := r.Apply(root, evt); err != nil {
				return retry.Permanent(err)
			}
		}
		result = Result[S]{Root: root, Events: events}
		return nil
	}, func(err error, wait time.Duration) {
		r.logger.DebugContext(ctx, "retrying command",
			slog.String("stream", stream.String()),
			slog.String("command", req.Command.CommandName()),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	})
	if err == nil {
		return result, nil
	}

	switch {
	case deterministic(err):
		return Result[S]{}, err
	case req.ExpectedVersion != nil && errors.Is(err, ports.ErrConcurrency):
		return Result[S]{}, err
	case ctx.Err() != nil:
		return Result[S]{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	case errors.Is(err, ports.ErrConcurrency):
		return Result[S]{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrConflictExhausted, stream, attempts, err)
	default:
		return Result[S]{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

// deterministic reports failures that repeat identically on every attempt.
func deterministic(err error) bool {
	return errors.Is(err, ErrRuleViolation) ||
		errors.Is(err, ErrInvalidCommand) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrUnknownEvent) ||
		errors.Is(err, schema.ErrMissingUpcaster) ||
		errors.Is(err, store.ErrInvalidAppend) ||
		errors.Is(err, event.ErrInvalidStream)
}

// DecodeCommand builds a command from its registered name and JSON payload.
func (r *Runtime[S]) DecodeCommand(name string, payload json.RawMessage) (Command, error) {
	factory, ok := r.def.Commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownCommand, name, r.def.Type)
	}
	cmd := factory()
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidCommand, name, err)
		}
	}
	return cmd, nil
}

// Submit runs Handle and reports the outcome without the typed state.
func (r *Runtime[S]) Submit(ctx context.Context, id string, cmd Command, meta event.Metadata, expectedVersion *uint64) (Outcome, error) {
	res, err := r.Handle(ctx, Request{ID: id, Command: cmd, Metadata: meta, ExpectedVersion: expectedVersion})
	if err != nil {
		return Outcome{}, err
	}
	ids := make([]string, 0, len(res.Events))
	for _, evt := range res.Events {
		ids = append(ids, evt.ID)
	}
	return Outcome{
		AggregateType: r.def.Type,
		AggregateID:   res.Root.ID,
		Version:       res.Root.Version,
		EventIDs:      ids,
	}, nil
}
