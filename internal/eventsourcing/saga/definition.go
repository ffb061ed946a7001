// Package saga coordinates business transactions that span several aggregates. Orchestrated
// sagas run an explicit step list; choreographed chains are only supervised for timeouts.
// Both compensate completed work in reverse order when something fails.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
)

var (
	// ErrUnknownSaga is returned for definitions or chains that were never registered.
	ErrUnknownSaga = errors.New("unknown saga")
	// ErrSagaTerminal is returned when a finished saga is asked to change.
	ErrSagaTerminal = errors.New("saga already finished")
)

// StepContext is handed to every perform and compensate call.
type StepContext struct {
	SagaID        string
	Definition    string
	CorrelationID string
	// Step is the 1-based position of the step.
	Step     int
	StepName string
	Input    json.RawMessage
	// IdempotencyKey is stable across retries of the same step: "<saga id>:<step name>".
	IdempotencyKey string
	// Data is what Perform returned (or the observed hop event payload); set for compensations.
	Data json.RawMessage
	// Metadata should be attached to commands issued by the step.
	Metadata event.Metadata
}

// DecodeInput unmarshals the saga input.
func (c StepContext) DecodeInput(dest any) error {
	if len(c.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.Input, dest)
}

// DecodeData unmarshals the data recorded for the step.
func (c StepContext) DecodeData(dest any) error {
	if len(c.Data) == 0 {
		return nil
	}
	return json.Unmarshal(c.Data, dest)
}

// Await suspends a step until a correlated event arrives.
type Await struct {
	Success event.Pattern
	// Failure is optional; an empty pattern never matches.
	Failure event.Pattern
	Timeout time.Duration
}

// Step is one (perform, compensate) pair.
type Step struct {
	Name string
	// Perform must be idempotent under StepContext.IdempotencyKey. The returned value is
	// persisted before the next step starts and handed back to Compensate.
	Perform func(ctx context.Context, sc StepContext) (any, error)
	// Compensate undoes Perform; nil means there is nothing to undo.
	Compensate func(ctx context.Context, sc StepContext) error
	// Await, when set, keeps the saga suspended after Perform until the success event arrives.
	Await *Await
	// Timeout is the deadline of each Perform attempt; zero uses the retry policy's.
	Timeout time.Duration
}

// Hook runs after a saga reaches a terminal state.
type Hook func(ctx context.Context, instance *ports.SagaInstance) error

// Definition is an orchestrated saga.
type Definition struct {
	Name              string
	Steps             []Step
	StepRetry         retry.Policy
	CompensationRetry retry.Policy
	OnCompleted       Hook
	OnFailed          Hook
}

func (d *Definition) validate() error {
	if d.Name == "" || len(d.Steps) == 0 {
		return errors.New("saga definition requires a name and at least one step")
	}
	seen := map[string]bool{}
	for _, step := range d.Steps {
		if step.Name == "" || step.Perform == nil {
			return fmt.Errorf("saga %s: every step needs a name and a perform func", d.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("saga %s: duplicate step %s", d.Name, step.Name)
		}
		seen[step.Name] = true
		if step.Await != nil {
			if err := validateAwait(step.Await.Success, step.Await.Failure); err != nil {
				return fmt.Errorf("saga %s step %s: %w", d.Name, step.Name, err)
			}
			if step.Await.Timeout <= 0 {
				return fmt.Errorf("saga %s step %s: await needs a timeout", d.Name, step.Name)
			}
		}
	}
	return nil
}

// Hop is one expected event of a choreographed chain.
type Hop struct {
	Name string
	// Expect is the event that proves the hop happened.
	Expect event.Pattern
	// Failure is an event that reports the hop could not happen; empty never matches.
	Failure event.Pattern
	// Compensate undoes the hop using the payload of the Expect event as Data.
	Compensate func(ctx context.Context, sc StepContext) error
}

// Chain is a choreographed saga. Participants react to each other's events; the
// coordinator records the hops and compensates them when the next one is late or fails.
type Chain struct {
	Name string
	// Trigger opens the chain.
	Trigger event.Pattern
	Hops    []Hop
	// Window is how long each hop may take.
	Window            time.Duration
	CompensationRetry retry.Policy
	OnCompleted       Hook
	OnFailed          Hook
}

func (c *Chain) validate() error {
	if c.Name == "" || len(c.Hops) == 0 || c.Trigger == "" {
		return errors.New("saga chain requires a name, a trigger and at least one hop")
	}
	if c.Window <= 0 {
		return fmt.Errorf("saga chain %s needs a window", c.Name)
	}
	if err := c.Trigger.Validate(); err != nil {
		return err
	}
	for _, hop := range c.Hops {
		if hop.Name == "" {
			return fmt.Errorf("saga chain %s: every hop needs a name", c.Name)
		}
		if err := validateAwait(hop.Expect, hop.Failure); err != nil {
			return fmt.Errorf("saga chain %s hop %s: %w", c.Name, hop.Name, err)
		}
	}
	return nil
}

func validateAwait(success, failure event.Pattern) error {
	if success == "" {
		return errors.New("success pattern is required")
	}
	if err := success.Validate(); err != nil {
		return err
	}
	return failure.Validate()
}

// failed reports whether t matches an explicit failure pattern.
func failed(failure event.Pattern, t event.Type) bool {
	return failure != "" && failure.Matches(t)
}

// ID derives the saga id from the definition and correlation id, so duplicate triggers
// address the same instance.
func ID(definition, correlationID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("saga:"+definition+"/"+correlationID)).String()
}

// IdempotencyKey is the key steps use to deduplicate side effects.
func IdempotencyKey(sagaID, stepName string) string {
	return sagaID + ":" + stepName
}
