// Package workflows runs orchestrated sagas as Temporal workflows.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
	"github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/sequences"
	sagaworkflows "github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/workflows/sagas"
)

var _ ports.SagaRunner = (*TemporalSagaRunner)(nil)

// Consumer names the bus subscription that forwards awaited events to workflows.
const Consumer = "saga:temporal"

// Definitions resolves saga definitions; *saga.Coordinator implements it.
type Definitions interface {
	Definition(name string) (*saga.Definition, bool)
}

// Signaler is the part of the Temporal client the runner uses.
type Signaler interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
}

// TemporalSagaRunner starts saga workflows on a Temporal cluster and forwards correlated
// events to them as signals. Instances live in the same saga store the coordinator uses.
type TemporalSagaRunner struct {
	client      Signaler
	store       ports.SagaStore
	definitions Definitions
	taskQueue   string
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*TemporalSagaRunner)

func WithTaskQueue(queue string) Option {
	return func(r *TemporalSagaRunner) {
		if queue != "" {
			r.taskQueue = queue
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *TemporalSagaRunner) {
		r.logger = logger
	}
}

// WithClock overrides the time source for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(r *TemporalSagaRunner) {
		r.now = now
	}
}

// NewTemporalSagaRunner wires a Temporal client into the runner.
func NewTemporalSagaRunner(c Signaler, store ports.SagaStore, definitions Definitions, opts ...Option) *TemporalSagaRunner {
	r := &TemporalSagaRunner{
		client:      c,
		store:       store,
		definitions: definitions,
		taskQueue:   sagaworkflows.SagaTaskQueue,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start creates the instance and starts its workflow. The workflow id is the saga id, so
// a repeated start is answered with the existing instance.
func (r *TemporalSagaRunner) Start(ctx context.Context, name, correlationID string, input any) (*ports.SagaInstance, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("temporal saga runner not configured")
	}
	def, ok := r.definitions.Definition(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", saga.ErrUnknownSaga, name)
	}
	inst, err := saga.NewInstance(name, correlationID, input, r.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := r.store.Create(ctx, inst); err != nil {
		if !errors.Is(err, ports.ErrSagaExists) {
			return nil, err
		}
		inst, err = r.store.Get(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
	}
	options := client.StartWorkflowOptions{
		ID:                    inst.ID,
		TaskQueue:             r.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	workflowInput := sagaworkflows.SagaWorkflowInput{
		Definition:    name,
		CorrelationID: correlationID,
		Plan:          PlanFor(inst.ID, def),
		TraceID:       workflowTraceID(ctx),
	}
	if _, err := r.client.ExecuteWorkflow(ctx, options, sagaworkflows.SagaWorkflowName, workflowInput); err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if !errors.As(err, &alreadyStarted) {
			return inst, err
		}
	}
	r.logger.InfoContext(ctx, "saga workflow started",
		slog.String("saga.id", inst.ID),
		slog.String("saga.definition", name),
		slog.String("correlation_id", correlationID))
	return inst, nil
}

// Deliver signals every workflow whose stored await record matches the event.
func (r *TemporalSagaRunner) Deliver(ctx context.Context, evt event.Event) error {
	correlationID := evt.Metadata.CorrelationID
	if correlationID == "" {
		return nil
	}
	waiting, err := r.store.FindAwaiting(ctx, correlationID)
	if err != nil {
		return err
	}
	var errs []error
	for _, inst := range waiting {
		if inst.Mode != ports.SagaOrchestration || inst.Awaiting == nil {
			continue
		}
		if _, ok := r.definitions.Definition(inst.Definition); !ok {
			continue
		}
		awaiting := inst.Awaiting
		if !awaiting.Success.Matches(evt.Type) && (awaiting.Failure == "" || !awaiting.Failure.Matches(evt.Type)) {
			continue
		}
		err := r.client.SignalWorkflow(ctx, inst.ID, "", sequences.EventSignal, sequences.Observed{EventID: evt.ID, Type: evt.Type})
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			r.logger.WarnContext(ctx, "saga workflow not found for awaited event",
				slog.String("saga.id", inst.ID),
				slog.String("event.id", evt.ID))
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Handle adapts Deliver to a bus handler.
func (r *TemporalSagaRunner) Handle(ctx context.Context, evt event.Event) error {
	return r.Deliver(ctx, evt)
}

// Cancel signals the workflow to compensate. The returned instance is the state before
// compensation began; the workflow records the rest.
func (r *TemporalSagaRunner) Cancel(ctx context.Context, sagaID string) (*ports.SagaInstance, error) {
	inst, err := r.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, fmt.Errorf("%w: saga %s is %s", saga.ErrSagaTerminal, sagaID, inst.Status)
	}
	if err := r.client.SignalWorkflow(ctx, sagaID, "", sequences.CancelSignal, "cancelled"); err != nil {
		return inst, err
	}
	return inst, nil
}

// Inspect returns the stored instance.
func (r *TemporalSagaRunner) Inspect(ctx context.Context, sagaID string) (*ports.SagaInstance, error) {
	return r.store.Get(ctx, sagaID)
}

// PlanFor converts a definition into the serializable plan the workflow follows.
func PlanFor(sagaID string, def *saga.Definition) sequences.Plan {
	plan := sequences.Plan{
		SagaID:            sagaID,
		Steps:             make([]sequences.StepPlan, 0, len(def.Steps)),
		StepRetry:         retryPlan(def.StepRetry),
		CompensationRetry: retryPlan(def.CompensationRetry),
	}
	for _, step := range def.Steps {
		sp := sequences.StepPlan{Name: step.Name, Timeout: step.Timeout}
		if step.Await != nil {
			sp.Await = &sequences.AwaitPlan{
				Success: step.Await.Success,
				Failure: step.Await.Failure,
				Timeout: step.Await.Timeout,
			}
		}
		plan.Steps = append(plan.Steps, sp)
	}
	return plan
}

func retryPlan(p retry.Policy) sequences.RetryPlan {
	return sequences.RetryPlan{
		MaxAttempts:     p.MaxAttempts,
		InitialInterval: p.InitialInterval,
		MaxInterval:     p.MaxInterval,
		Multiplier:      p.Multiplier,
	}
}

func workflowTraceID(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	spanCtx := span.SpanContext()
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}
