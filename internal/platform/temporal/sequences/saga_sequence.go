package sequences

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	sagaactivities "github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/activities/sagas"
)

// Signal names understood by the saga workflow.
const (
	EventSignal  = "saga-event"
	CancelSignal = "saga-cancel"
)

// AwaitPlan mirrors saga.Await.
type AwaitPlan struct {
	Success event.Pattern
	Failure event.Pattern
	Timeout time.Duration
}

// StepPlan is what the workflow needs to know about one step; the perform and
// compensate funcs stay in the worker process.
type StepPlan struct {
	Name    string
	Timeout time.Duration
	Await   *AwaitPlan
}

// RetryPlan mirrors retry.Policy in Temporal terms.
type RetryPlan struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func (r RetryPlan) policy() *temporal.RetryPolicy {
	policy := &temporal.RetryPolicy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    5,
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.Multiplier >= 1 {
		policy.BackoffCoefficient = r.Multiplier
	}
	if r.MaxInterval > 0 {
		policy.MaximumInterval = r.MaxInterval
	}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	return policy
}

// Observed is the payload of EventSignal.
type Observed struct {
	EventID string
	Type    event.Type
}

// Plan is the workflow-side view of a saga definition.
type Plan struct {
	SagaID            string
	Steps             []StepPlan
	StepRetry         RetryPlan
	CompensationRetry RetryPlan
}

func activityOptions(timeout time.Duration, retry RetryPlan) workflow.ActivityOptions {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         retry.policy(),
	}
}

// RunStepSequence performs the steps in order. It returns an empty reason when every
// step completed, otherwise why the saga must compensate.
func RunStepSequence(ctx workflow.Context, plan Plan) (string, error) {
	logger := workflow.GetLogger(ctx)
	events := workflow.GetSignalChannel(ctx, EventSignal)
	cancels := workflow.GetSignalChannel(ctx, CancelSignal)
	bookkeeping := workflow.WithActivityOptions(ctx, activityOptions(30*time.Second, plan.StepRetry))

	for i, step := range plan.Steps {
		index := i + 1
		input := sagaactivities.StepInput{SagaID: plan.SagaID, Step: index}
		var cancelReason string
		if cancels.ReceiveAsync(&cancelReason) {
			return reasonOr(cancelReason, "cancelled"), nil
		}
		if step.Await != nil {
			if err := workflow.ExecuteActivity(bookkeeping, sagaactivities.SuspendStepActivityName, input).Get(ctx, nil); err != nil {
				return fmt.Sprintf("step %s could not suspend: %v", step.Name, err), nil
			}
		}
		performCtx := workflow.WithActivityOptions(ctx, activityOptions(step.Timeout, plan.StepRetry))
		if err := workflow.ExecuteActivity(performCtx, sagaactivities.PerformStepActivityName, input).Get(ctx, nil); err != nil {
			logger.Error("saga step failed", "sagaId", plan.SagaID, "step", step.Name, "error", err)
			return fmt.Sprintf("step %s failed: %v", step.Name, err), nil
		}
		if step.Await == nil {
			logger.Info("saga step completed", "sagaId", plan.SagaID, "step", step.Name)
			continue
		}
		if reason := awaitOutcome(ctx, step, events, cancels); reason != "" {
			return reason, nil
		}
		if err := workflow.ExecuteActivity(bookkeeping, sagaactivities.ResumeStepActivityName, input).Get(ctx, nil); err != nil {
			return "", err
		}
		logger.Info("saga step completed", "sagaId", plan.SagaID, "step", step.Name)
	}
	return "", nil
}

// awaitOutcome blocks until the success event, the failure event, a cancel or the timer.
func awaitOutcome(ctx workflow.Context, step StepPlan, events, cancels workflow.ReceiveChannel) string {
	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()
	timer := workflow.NewTimer(timerCtx, step.Await.Timeout)
	for {
		var (
			observed     Observed
			gotEvent     bool
			cancelReason string
			cancelled    bool
			timedOut     bool
		)
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(events, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, &observed)
			gotEvent = true
		})
		selector.AddReceive(cancels, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, &cancelReason)
			cancelled = true
		})
		selector.AddFuture(timer, func(workflow.Future) {
			timedOut = true
		})
		selector.Select(ctx)

		switch {
		case cancelled:
			return reasonOr(cancelReason, "cancelled")
		case timedOut:
			return fmt.Sprintf("timed out waiting for %s", step.Await.Success)
		case gotEvent && step.Await.Failure != "" && step.Await.Failure.Matches(observed.Type):
			return fmt.Sprintf("step %s failed: received %s", step.Name, observed.Type)
		case gotEvent && step.Await.Success.Matches(observed.Type):
			return ""
		}
	}
}

// RunCompensationSequence undoes completed steps in reverse. A compensation that keeps
// failing after its retry budget escalates the saga to manual intervention.
func RunCompensationSequence(ctx workflow.Context, plan Plan, reason string) (escalated bool, err error) {
	logger := workflow.GetLogger(ctx)
	bookkeeping := workflow.WithActivityOptions(ctx, activityOptions(30*time.Second, plan.StepRetry))
	if err := workflow.ExecuteActivity(bookkeeping, sagaactivities.FailActivityName,
		sagaactivities.ReasonInput{SagaID: plan.SagaID, Reason: reason}).Get(ctx, nil); err != nil {
		return false, err
	}
	compensateCtx := workflow.WithActivityOptions(ctx, activityOptions(time.Minute, plan.CompensationRetry))
	for {
		var done bool
		err := workflow.ExecuteActivity(compensateCtx, sagaactivities.CompensateStepActivityName,
			sagaactivities.StepInput{SagaID: plan.SagaID}).Get(ctx, &done)
		if err != nil {
			logger.Error("saga compensation failed", "sagaId", plan.SagaID, "error", err)
			escalation := sagaactivities.ReasonInput{SagaID: plan.SagaID, Reason: fmt.Sprintf("compensation failed: %v", err)}
			if err := workflow.ExecuteActivity(bookkeeping, sagaactivities.EscalateActivityName, escalation).Get(ctx, nil); err != nil {
				return false, err
			}
			return true, nil
		}
		if done {
			logger.Info("saga compensated", "sagaId", plan.SagaID, "reason", reason)
			return false, nil
		}
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
