package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

// SagaStatus is the lifecycle state of a saga instance.
type SagaStatus string

const (
	SagaRunning            SagaStatus = "running"
	SagaCompensating       SagaStatus = "compensating"
	SagaCompleted          SagaStatus = "completed"
	SagaFailed             SagaStatus = "failed"
	SagaManualIntervention SagaStatus = "manual_intervention"
)

// Terminal reports whether no further transitions are expected.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaFailed || s == SagaManualIntervention
}

// SagaMode tells the coordinator how an instance is driven.
type SagaMode string

const (
	SagaOrchestration SagaMode = "orchestration"
	SagaChoreography  SagaMode = "choreography"
)

// CompletedStep records a finished step together with what is needed to compensate it.
type CompletedStep struct {
	Index       int             `json:"index"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Awaiting describes a suspended step waiting for a correlated event.
type Awaiting struct {
	Step     int             `json:"step"`
	Success  event.Pattern   `json:"success"`
	Failure  event.Pattern   `json:"failure,omitempty"`
	Deadline time.Time       `json:"deadline"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// SagaTransition is one entry of the instance audit log.
type SagaTransition struct {
	From   SagaStatus `json:"from"`
	To     SagaStatus `json:"to"`
	Step   int        `json:"step"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// SagaInstance is the durable record of one multi-aggregate transaction.
type SagaInstance struct {
	ID             string           `json:"saga_id"`
	Definition     string           `json:"definition"`
	CorrelationID  string           `json:"correlation_id"`
	Mode           SagaMode         `json:"mode"`
	Status         SagaStatus       `json:"status"`
	CurrentStep    int              `json:"current_step"`
	Input          json.RawMessage  `json:"input,omitempty"`
	CompletedSteps []CompletedStep  `json:"completed_steps"`
	Awaiting       *Awaiting        `json:"awaiting,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	Transitions    []SagaTransition `json:"transitions"`
	Revision       int64            `json:"revision"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so stores never share slices with callers.
func (s *SagaInstance) Clone() *SagaInstance {
	if s == nil {
		return nil
	}
	out := *s
	out.Input = append(json.RawMessage(nil), s.Input...)
	out.CompletedSteps = make([]CompletedStep, len(s.CompletedSteps))
	for i, step := range s.CompletedSteps {
		step.Data = append(json.RawMessage(nil), step.Data...)
		out.CompletedSteps[i] = step
	}
	out.Transitions = append([]SagaTransition(nil), s.Transitions...)
	if s.Awaiting != nil {
		awaiting := *s.Awaiting
		awaiting.Data = append(json.RawMessage(nil), s.Awaiting.Data...)
		out.Awaiting = &awaiting
	}
	return &out
}

// StepNames lists completed step names in order.
func (s *SagaInstance) StepNames() []string {
	names := make([]string, 0, len(s.CompletedSteps))
	for _, step := range s.CompletedSteps {
		names = append(names, step.Name)
	}
	return names
}

// SagaStore persists saga instances keyed by saga id.
type SagaStore interface {
	// Create inserts a new instance or returns ErrSagaExists.
	Create(ctx context.Context, instance *SagaInstance) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*SagaInstance, error)
	// Save persists the instance when its Revision matches the stored one and
	// increments Revision; otherwise it returns *ConcurrencyError.
	Save(ctx context.Context, instance *SagaInstance) error
	// FindAwaiting returns non-terminal instances suspended on the correlation id.
	FindAwaiting(ctx context.Context, correlationID string) ([]*SagaInstance, error)
	// ListExpired returns suspended instances whose deadline is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*SagaInstance, error)
	// ListByStatus returns instances in any of the statuses.
	ListByStatus(ctx context.Context, statuses []SagaStatus, limit int) ([]*SagaInstance, error)
}

// SagaRunner executes orchestrated sagas. The inline coordinator and the Temporal
// workflow runner both implement it.
type SagaRunner interface {
	// Start creates the instance for (definition, correlationID) once; repeated calls return it.
	Start(ctx context.Context, definition, correlationID string, input any) (*SagaInstance, error)
	// Deliver hands a bus event to suspended instances correlated with it.
	Deliver(ctx context.Context, evt event.Event) error
	// Cancel compensates a running instance exactly like a failure.
	Cancel(ctx context.Context, sagaID string) (*SagaInstance, error)
}
