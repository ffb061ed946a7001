package sagas

import (
	"go.temporal.io/sdk/workflow"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/sequences"
)

const (
	// SagaWorkflowName is the public identifier for registering the workflow.
	SagaWorkflowName = "sagas.workflows.Orchestration"
	// SagaTaskQueue is the default queue consumed by the saga worker.
	SagaTaskQueue = "SAGA_ORCHESTRATION"
)

// SagaWorkflowInput identifies the instance and carries the step plan of its definition.
type SagaWorkflowInput struct {
	Definition    string
	CorrelationID string
	Plan          sequences.Plan
	TraceID       string
}

// SagaWorkflowResult is the terminal status the workflow drove the instance to.
type SagaWorkflowResult struct {
	SagaID string
	Status ports.SagaStatus
	Reason string
}

// SagaWorkflow runs one orchestrated saga: steps in order, then compensation in reverse
// when a step fails, times out or the saga is cancelled.
func SagaWorkflow(ctx workflow.Context, input SagaWorkflowInput) (SagaWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	sagaID := input.Plan.SagaID
	logger.Info("SagaWorkflow started", withTraceID(input.TraceID, "sagaId", sagaID, "definition", input.Definition)...)

	reason, err := sequences.RunStepSequence(ctx, input.Plan)
	if err != nil {
		logger.Error("SagaWorkflow failed", withTraceID(input.TraceID, "sagaId", sagaID, "error", err)...)
		return SagaWorkflowResult{}, err
	}
	if reason == "" {
		logger.Info("SagaWorkflow completed", withTraceID(input.TraceID, "sagaId", sagaID)...)
		return SagaWorkflowResult{SagaID: sagaID, Status: ports.SagaCompleted}, nil
	}

	escalated, err := sequences.RunCompensationSequence(ctx, input.Plan, reason)
	if err != nil {
		logger.Error("SagaWorkflow compensation failed", withTraceID(input.TraceID, "sagaId", sagaID, "error", err)...)
		return SagaWorkflowResult{}, err
	}
	status := ports.SagaFailed
	if escalated {
		status = ports.SagaManualIntervention
	}
	logger.Info("SagaWorkflow finished", withTraceID(input.TraceID, "sagaId", sagaID, "status", string(status))...)
	return SagaWorkflowResult{SagaID: sagaID, Status: status, Reason: reason}, nil
}

func withTraceID(traceID string, keyvals ...interface{}) []interface{} {
	if traceID == "" {
		return keyvals
	}
	return append(keyvals, "traceId", traceID)
}
