package sagas

import (
	"context"
	"encoding/json"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
)

const (
	// SuspendStepActivityName persists the await record of a step before it performs.
	SuspendStepActivityName = "sagas.activities.SuspendStep"
	// PerformStepActivityName runs one step perform and records its data.
	PerformStepActivityName = "sagas.activities.PerformStep"
	// ResumeStepActivityName advances past an awaiting step after its success event.
	ResumeStepActivityName = "sagas.activities.ResumeStep"
	// FailActivityName moves the saga to compensating.
	FailActivityName = "sagas.activities.Fail"
	// CompensateStepActivityName undoes the most recent uncompensated step.
	CompensateStepActivityName = "sagas.activities.CompensateStep"
	// EscalateActivityName parks the saga for manual intervention.
	EscalateActivityName = "sagas.activities.Escalate"

	errorTypeRejected = "SagaStepRejected"
)

// Steps advances externally driven saga instances; *saga.Coordinator implements it.
type Steps interface {
	SuspendStep(ctx context.Context, id string, step int) (*ports.SagaInstance, error)
	PerformStep(ctx context.Context, id string, step int) (json.RawMessage, error)
	ResumeStep(ctx context.Context, id string, step int) (*ports.SagaInstance, error)
	FailStep(ctx context.Context, id, reason string) (*ports.SagaInstance, error)
	CompensateStep(ctx context.Context, id string) (bool, error)
	Escalate(ctx context.Context, id, reason string) (*ports.SagaInstance, error)
}

var _ Steps = (*saga.Coordinator)(nil)

// StepInput addresses one step of one saga.
type StepInput struct {
	SagaID string
	Step   int
}

// ReasonInput carries why a saga is failing or escalating.
type ReasonInput struct {
	SagaID string
	Reason string
}

// Activities exposes saga step transitions to Temporal workflows.
type Activities struct {
	steps Steps
}

func NewActivities(steps Steps) *Activities {
	return &Activities{steps: steps}
}

func (a *Activities) ready() error {
	if a == nil || a.steps == nil {
		return errors.New("saga activities not initialized")
	}
	return nil
}

func (a *Activities) SuspendStep(ctx context.Context, input StepInput) error {
	if err := a.ready(); err != nil {
		return err
	}
	_, err := a.steps.SuspendStep(ctx, input.SagaID, input.Step)
	return classify(err)
}

// PerformStep is retried by Temporal. A completed attempt is remembered in the heartbeat so
// a retry after a lost response does not run the perform again.
func (a *Activities) PerformStep(ctx context.Context, input StepInput) (json.RawMessage, error) {
	logger := activity.GetLogger(ctx)
	if err := a.ready(); err != nil {
		return nil, err
	}
	var hb stepHeartbeat
	if activity.HasHeartbeatDetails(ctx) {
		_ = activity.GetHeartbeatDetails(ctx, &hb)
	}
	if hb.Completed {
		logger.Info("PerformStep already completed in prior attempt; skipping", "sagaId", input.SagaID, "step", input.Step)
		return hb.Data, nil
	}
	logger.Info("PerformStep activity started", "sagaId", input.SagaID, "step", input.Step)
	data, err := a.steps.PerformStep(ctx, input.SagaID, input.Step)
	if err != nil {
		logger.Error("PerformStep activity failed", "sagaId", input.SagaID, "step", input.Step, "error", err)
		return nil, classify(err)
	}
	activity.RecordHeartbeat(ctx, stepHeartbeat{Completed: true, Data: data})
	logger.Info("PerformStep activity completed", "sagaId", input.SagaID, "step", input.Step)
	return data, nil
}

func (a *Activities) ResumeStep(ctx context.Context, input StepInput) error {
	if err := a.ready(); err != nil {
		return err
	}
	_, err := a.steps.ResumeStep(ctx, input.SagaID, input.Step)
	return classify(err)
}

func (a *Activities) Fail(ctx context.Context, input ReasonInput) error {
	if err := a.ready(); err != nil {
		return err
	}
	_, err := a.steps.FailStep(ctx, input.SagaID, input.Reason)
	return classify(err)
}

// CompensateStep reports true once every completed step is undone.
func (a *Activities) CompensateStep(ctx context.Context, input StepInput) (bool, error) {
	logger := activity.GetLogger(ctx)
	if err := a.ready(); err != nil {
		return false, err
	}
	done, err := a.steps.CompensateStep(ctx, input.SagaID)
	if err != nil {
		logger.Error("CompensateStep activity failed", "sagaId", input.SagaID, "error", err)
		return false, classify(err)
	}
	return done, nil
}

func (a *Activities) Escalate(ctx context.Context, input ReasonInput) error {
	if err := a.ready(); err != nil {
		return err
	}
	_, err := a.steps.Escalate(ctx, input.SagaID, input.Reason)
	return classify(err)
}

// classify stops Temporal from retrying errors that cannot succeed later.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if saga.IsPermanent(err) ||
		errors.Is(err, saga.ErrStepMismatch) ||
		errors.Is(err, saga.ErrUnknownSaga) ||
		errors.Is(err, ports.ErrNotFound) {
		return temporal.NewNonRetryableApplicationError(err.Error(), errorTypeRejected, err)
	}
	return err
}

type stepHeartbeat struct {
	Completed bool
	Data      json.RawMessage
}
