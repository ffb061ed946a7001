package sagas_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	sagaactivities "github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/activities/sagas"
	"github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/sequences"
	sagaworkflows "github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/workflows/sagas"
)

type fakeSteps struct {
	mu             sync.Mutex
	calls          []string
	completed      int
	failPerform    map[int]error
	failCompensate error
}

func (f *fakeSteps) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSteps) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSteps) SuspendStep(_ context.Context, _ string, step int) (*ports.SagaInstance, error) {
	f.record(fmt.Sprintf("suspend:%d", step))
	return nil, nil
}

func (f *fakeSteps) PerformStep(_ context.Context, _ string, step int) (json.RawMessage, error) {
	if err := f.failPerform[step]; err != nil {
		return nil, err
	}
	f.record(fmt.Sprintf("perform:%d", step))
	f.mu.Lock()
	f.completed = step
	f.mu.Unlock()
	return json.RawMessage(`{}`), nil
}

func (f *fakeSteps) ResumeStep(_ context.Context, _ string, step int) (*ports.SagaInstance, error) {
	f.record(fmt.Sprintf("resume:%d", step))
	return nil, nil
}

func (f *fakeSteps) FailStep(_ context.Context, _ string, _ string) (*ports.SagaInstance, error) {
	f.record("fail")
	return nil, nil
}

func (f *fakeSteps) CompensateStep(context.Context, string) (bool, error) {
	if f.failCompensate != nil {
		return false, f.failCompensate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed == 0 {
		return true, nil
	}
	f.calls = append(f.calls, fmt.Sprintf("compensate:%d", f.completed))
	f.completed--
	return f.completed == 0, nil
}

func (f *fakeSteps) Escalate(_ context.Context, _ string, _ string) (*ports.SagaInstance, error) {
	f.record("escalate")
	return nil, nil
}

func fulfillmentPlan() sequences.Plan {
	fast := sequences.RetryPlan{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
	return sequences.Plan{
		SagaID: "saga-1",
		Steps: []sequences.StepPlan{
			{Name: "ReserveInventory", Timeout: time.Second},
			{Name: "ChargePayment", Timeout: time.Second},
			{Name: "ScheduleShipping", Timeout: time.Second, Await: &sequences.AwaitPlan{
				Success: "shipping.scheduled",
				Failure: "shipping.rejected",
				Timeout: time.Minute,
			}},
		},
		StepRetry:         fast,
		CompensationRetry: fast,
	}
}

func newEnv(t *testing.T, steps *fakeSteps) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	acts := sagaactivities.NewActivities(steps)
	env.RegisterWorkflow(sagaworkflows.SagaWorkflow)
	env.RegisterActivityWithOptions(acts.SuspendStep, activity.RegisterOptions{Name: sagaactivities.SuspendStepActivityName})
	env.RegisterActivityWithOptions(acts.PerformStep, activity.RegisterOptions{Name: sagaactivities.PerformStepActivityName})
	env.RegisterActivityWithOptions(acts.ResumeStep, activity.RegisterOptions{Name: sagaactivities.ResumeStepActivityName})
	env.RegisterActivityWithOptions(acts.Fail, activity.RegisterOptions{Name: sagaactivities.FailActivityName})
	env.RegisterActivityWithOptions(acts.CompensateStep, activity.RegisterOptions{Name: sagaactivities.CompensateStepActivityName})
	env.RegisterActivityWithOptions(acts.Escalate, activity.RegisterOptions{Name: sagaactivities.EscalateActivityName})
	return env
}

func run(t *testing.T, env *testsuite.TestWorkflowEnvironment) sagaworkflows.SagaWorkflowResult {
	t.Helper()
	env.ExecuteWorkflow(sagaworkflows.SagaWorkflow, sagaworkflows.SagaWorkflowInput{
		Definition:    "FulfillOrder",
		CorrelationID: "o-1",
		Plan:          fulfillmentPlan(),
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var result sagaworkflows.SagaWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	return result
}

func signalLater(env *testsuite.TestWorkflowEnvironment, name string, arg interface{}) {
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(name, arg)
	}, time.Second)
}

func TestSagaWorkflow_CompletesAfterAwaitedEvent(t *testing.T) {
	steps := &fakeSteps{}
	env := newEnv(t, steps)
	signalLater(env, sequences.EventSignal, sequences.Observed{EventID: "noise", Type: "payment.charged"})
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(sequences.EventSignal, sequences.Observed{EventID: "e9", Type: "shipping.scheduled"})
	}, 2*time.Second)

	result := run(t, env)

	require.Equal(t, ports.SagaCompleted, result.Status)
	require.Equal(t, []string{"perform:1", "perform:2", "suspend:3", "perform:3", "resume:3"}, steps.Calls())
}

func TestSagaWorkflow_PermanentStepFailureCompensatesCompletedSteps(t *testing.T) {
	steps := &fakeSteps{failPerform: map[int]error{2: fmt.Errorf("%w: card declined", aggregate.ErrRuleViolation)}}
	env := newEnv(t, steps)

	result := run(t, env)

	require.Equal(t, ports.SagaFailed, result.Status)
	require.Contains(t, result.Reason, "ChargePayment")
	require.Equal(t, []string{"perform:1", "fail", "compensate:1"}, steps.Calls())
}

func TestSagaWorkflow_TransientFailureExhaustsRetries(t *testing.T) {
	steps := &fakeSteps{failPerform: map[int]error{1: errors.New("warehouse unreachable")}}
	env := newEnv(t, steps)

	result := run(t, env)

	require.Equal(t, ports.SagaFailed, result.Status)
	require.Equal(t, []string{"fail"}, steps.Calls())
}

func TestSagaWorkflow_TimeoutCompensatesInReverse(t *testing.T) {
	steps := &fakeSteps{}
	env := newEnv(t, steps)

	result := run(t, env)

	require.Equal(t, ports.SagaFailed, result.Status)
	require.Contains(t, result.Reason, "timed out")
	require.Equal(t, []string{
		"perform:1", "perform:2", "suspend:3", "perform:3",
		"fail", "compensate:3", "compensate:2", "compensate:1",
	}, steps.Calls())
}

func TestSagaWorkflow_FailureEventCompensates(t *testing.T) {
	steps := &fakeSteps{}
	env := newEnv(t, steps)
	signalLater(env, sequences.EventSignal, sequences.Observed{EventID: "e7", Type: "shipping.rejected"})

	result := run(t, env)

	require.Equal(t, ports.SagaFailed, result.Status)
	require.Contains(t, result.Reason, "shipping.rejected")
}

func TestSagaWorkflow_CancelSignalCompensates(t *testing.T) {
	steps := &fakeSteps{}
	env := newEnv(t, steps)
	signalLater(env, sequences.CancelSignal, "cancelled")

	result := run(t, env)

	require.Equal(t, ports.SagaFailed, result.Status)
	require.Equal(t, "cancelled", result.Reason)
}

func TestSagaWorkflow_CompensationFailureEscalates(t *testing.T) {
	steps := &fakeSteps{
		failPerform:    map[int]error{2: fmt.Errorf("%w: card declined", aggregate.ErrRuleViolation)},
		failCompensate: errors.New("warehouse unreachable"),
	}
	env := newEnv(t, steps)

	result := run(t, env)

	require.Equal(t, ports.SagaManualIntervention, result.Status)
	require.Equal(t, []string{"perform:1", "fail", "escalate"}, steps.Calls())
}
