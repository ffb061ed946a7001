package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

// The methods below advance instances of definitions registered with External. Each
// call makes one transition and persists it; retrying a call that already took effect
// is a no-op, so an external runner may repeat them freely.

// ErrStepMismatch is returned when an external runner and the stored instance disagree
// about which step is current.
var ErrStepMismatch = errors.New("saga step does not match stored instance")

// IsPermanent reports whether a step error must not be retried.
func IsPermanent(err error) bool {
	return permanent(err)
}

func (c *Coordinator) externalDefinition(inst *ports.SagaInstance) (*Definition, error) {
	def, ok := c.Definition(inst.Definition)
	if !ok || inst.Mode != ports.SagaOrchestration {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSaga, inst.Definition)
	}
	return def, nil
}

func (c *Coordinator) loadExternal(ctx context.Context, id string) (*ports.SagaInstance, *Definition, error) {
	inst, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	def, err := c.externalDefinition(inst)
	if err != nil {
		return nil, nil, err
	}
	return inst, def, nil
}

// SuspendStep persists the await record of step before its Perform runs.
func (c *Coordinator) SuspendStep(ctx context.Context, id string, step int) (*ports.SagaInstance, error) {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, def, err := c.loadExternal(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != ports.SagaRunning || inst.CurrentStep != step {
		return inst, fmt.Errorf("%w: saga %s is %s at step %d", ErrStepMismatch, id, inst.Status, inst.CurrentStep)
	}
	spec := def.Steps[step-1]
	if spec.Await == nil {
		return inst, fmt.Errorf("saga %s step %s does not await", id, spec.Name)
	}
	if inst.Awaiting != nil && inst.Awaiting.Step == step {
		return inst, nil
	}
	inst.Awaiting = &ports.Awaiting{
		Step:     step,
		Success:  spec.Await.Success,
		Failure:  spec.Await.Failure,
		Deadline: c.now().UTC().Add(spec.Await.Timeout),
	}
	return inst, c.store.Save(ctx, inst)
}

// PerformStep runs Perform of step once and records its data. Steps without an await
// advance the saga, which may complete it.
func (c *Coordinator) PerformStep(ctx context.Context, id string, step int) (json.RawMessage, error) {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, def, err := c.loadExternal(ctx, id)
	if err != nil {
		return nil, err
	}
	if step < 1 || step > len(def.Steps) {
		return nil, fmt.Errorf("saga %s: step %d out of range", id, step)
	}
	for _, done := range inst.CompletedSteps {
		if done.Index == step {
			return done.Data, nil
		}
	}
	if inst.Status != ports.SagaRunning || inst.CurrentStep != step {
		return nil, fmt.Errorf("%w: saga %s is %s at step %d", ErrStepMismatch, id, inst.Status, inst.CurrentStep)
	}
	spec := def.Steps[step-1]
	performCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		performCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	result, err := spec.Perform(performCtx, stepContext(inst, step, spec.Name, nil))
	if err != nil {
		return nil, err
	}
	data, err := marshalData(result)
	if err != nil {
		return nil, err
	}
	record(inst, step, spec.Name, data, c.now().UTC())
	if spec.Await != nil {
		return data, c.store.Save(ctx, inst)
	}
	c.advance(inst, len(def.Steps), spec.Name)
	return data, c.commit(ctx, plan{def: def}, inst)
}

// ResumeStep moves past an awaiting step once its success event arrived.
func (c *Coordinator) ResumeStep(ctx context.Context, id string, step int) (*ports.SagaInstance, error) {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, def, err := c.loadExternal(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != ports.SagaRunning || inst.CurrentStep != step {
		return inst, nil
	}
	if !recorded(inst, step) {
		return inst, fmt.Errorf("%w: saga %s step %d", errPerformInFlight, id, step)
	}
	inst.Awaiting = nil
	c.advance(inst, len(def.Steps), def.Steps[step-1].Name)
	return inst, c.commit(ctx, plan{def: def}, inst)
}

// FailStep starts compensating a running saga. Compensating or finished sagas are returned as is.
func (c *Coordinator) FailStep(ctx context.Context, id, reason string) (*ports.SagaInstance, error) {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, def, err := c.loadExternal(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != ports.SagaRunning {
		return inst, nil
	}
	c.logger.WarnContext(ctx, "saga step failed",
		slog.String("saga.id", inst.ID),
		slog.Int("saga.step", inst.CurrentStep),
		slog.String("reason", reason))
	c.beginCompensation(inst, reason)
	return inst, c.commit(ctx, plan{def: def}, inst)
}

// CompensateStep undoes the most recent uncompensated step once. It reports true when
// nothing is left to undo and the saga is failed.
func (c *Coordinator) CompensateStep(ctx context.Context, id string) (bool, error) {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, def, err := c.loadExternal(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.Status != ports.SagaCompensating {
		return inst.Status.Terminal(), nil
	}
	p := plan{def: def}
	j := min(inst.CurrentStep, len(inst.CompletedSteps))
	if j > 0 {
		done := inst.CompletedSteps[j-1]
		if fn := p.compensation(done.Index); fn != nil {
			if err := fn(ctx, stepContext(inst, done.Index, done.Name, done.Data)); err != nil {
				return false, err
			}
		}
		j--
		inst.CurrentStep = j
		c.transition(inst, ports.SagaCompensating, "compensated "+done.Name)
	}
	if j > 0 {
		return false, c.store.Save(ctx, inst)
	}
	c.transition(inst, ports.SagaFailed, inst.LastError)
	return true, c.commit(ctx, p, inst)
}

// Escalate parks a compensating saga for manual intervention.
func (c *Coordinator) Escalate(ctx context.Context, id, reason string) (*ports.SagaInstance, error) {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, def, err := c.loadExternal(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, nil
	}
	inst.LastError = reason
	c.transition(inst, ports.SagaManualIntervention, reason)
	c.logger.ErrorContext(ctx, "saga requires manual intervention",
		slog.String("saga.id", inst.ID),
		slog.String("reason", reason))
	return inst, c.commit(ctx, plan{def: def}, inst)
}
