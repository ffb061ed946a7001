// Package temporal connects to Temporal and hosts the saga worker.
package temporal

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	workerlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	sagaactivities "github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/activities/sagas"
	sagaworkflows "github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/workflows/sagas"
)

// ClientConfig addresses the Temporal frontend.
type ClientConfig struct {
	HostPort  string
	Namespace string
}

// Dial connects a client with OpenTelemetry tracing and structured logging.
func Dial(cfg ClientConfig, tracer trace.Tracer, logger *slog.Logger) (client.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tracingInterceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{Tracer: tracer})
	if err != nil {
		return nil, err
	}
	options := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    workerlog.NewStructuredLogger(logger),
	}
	if options.HostPort == "" {
		options.HostPort = client.DefaultHostPort
	}
	if options.Namespace == "" {
		options.Namespace = client.DefaultNamespace
	}
	options.Interceptors = append(options.Interceptors, tracingInterceptor)
	return client.Dial(options)
}

// NewSagaWorker registers the saga workflow and its activities on taskQueue.
func NewSagaWorker(c client.Client, taskQueue string, steps sagaactivities.Steps) worker.Worker {
	if taskQueue == "" {
		taskQueue = sagaworkflows.SagaTaskQueue
	}
	activities := sagaactivities.NewActivities(steps)
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(sagaworkflows.SagaWorkflow, workflow.RegisterOptions{Name: sagaworkflows.SagaWorkflowName})
	w.RegisterActivityWithOptions(activities.SuspendStep, activity.RegisterOptions{Name: sagaactivities.SuspendStepActivityName})
	w.RegisterActivityWithOptions(activities.PerformStep, activity.RegisterOptions{Name: sagaactivities.PerformStepActivityName})
	w.RegisterActivityWithOptions(activities.ResumeStep, activity.RegisterOptions{Name: sagaactivities.ResumeStepActivityName})
	w.RegisterActivityWithOptions(activities.Fail, activity.RegisterOptions{Name: sagaactivities.FailActivityName})
	w.RegisterActivityWithOptions(activities.CompensateStep, activity.RegisterOptions{Name: sagaactivities.CompensateStepActivityName})
	w.RegisterActivityWithOptions(activities.Escalate, activity.RegisterOptions{Name: sagaactivities.EscalateActivityName})
	return w
}
