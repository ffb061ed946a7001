package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

func (c *Chain) involves(t event.Type) bool {
	if c.Trigger.Matches(t) {
		return true
	}
	for _, hop := range c.Hops {
		if hop.Expect.Matches(t) || failed(hop.Failure, t) {
			return true
		}
	}
	return false
}

// expectedHop returns the 1-based index of the first unrecorded hop expecting t, or 0.
func (c *Chain) expectedHop(inst *ports.SagaInstance, t event.Type) int {
	for i, hop := range c.Hops {
		if hop.Expect.Matches(t) && !recorded(inst, i+1) {
			return i + 1
		}
	}
	return 0
}

// failedHop returns the 1-based index of the hop whose failure pattern matches t, or 0.
func (c *Chain) failedHop(t event.Type) int {
	for i, hop := range c.Hops {
		if failed(hop.Failure, t) {
			return i + 1
		}
	}
	return 0
}

func (c *Chain) awaiting(step int, deadline time.Time) *ports.Awaiting {
	return &ports.Awaiting{
		Step:     step,
		Success:  c.Hops[step-1].Expect,
		Failure:  c.Hops[step-1].Failure,
		Deadline: deadline,
	}
}

// handleChainEvent records one observed event of a chain. The instance is opened by
// whichever chain event arrives first, since partitions may deliver hops before the trigger.
func (c *Coordinator) handleChainEvent(ctx context.Context, chain *Chain, correlationID string, evt event.Event) error {
	id := ID(chain.Name, correlationID)
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()

	inst, err := c.openChain(ctx, chain, correlationID, evt)
	if err != nil {
		return err
	}
	p := plan{chain: chain}
	hop := chain.expectedHop(inst, evt.Type)

	switch {
	case inst.Status.Terminal() || inst.Status == ports.SagaCompensating:
		if hop == 0 || inst.Status == ports.SagaManualIntervention {
			return nil
		}
		return c.quiet(ctx, c.compensateLate(context.WithoutCancel(ctx), p, inst, hop, evt))
	case hop > 0:
		record(inst, hop, chain.Hops[hop-1].Name, evt.Payload, c.now().UTC())
		c.advanceChain(inst, chain, evt.Type)
	case chain.failedHop(evt.Type) > 0:
		name := chain.Hops[chain.failedHop(evt.Type)-1].Name
		c.beginCompensation(inst, fmt.Sprintf("hop %s failed: received %s", name, evt.Type))
	default:
		return nil
	}
	if err := c.commit(ctx, p, inst); err != nil {
		return c.quiet(ctx, err)
	}
	return c.quiet(ctx, c.drive(context.WithoutCancel(ctx), inst))
}

// openChain loads the chain instance for the correlation id, creating it when missing.
func (c *Coordinator) openChain(ctx context.Context, chain *Chain, correlationID string, evt event.Event) (*ports.SagaInstance, error) {
	id := ID(chain.Name, correlationID)
	inst, err := c.store.Get(ctx, id)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return nil, err
	}
	now := c.now().UTC()
	inst = &ports.SagaInstance{
		ID:            id,
		Definition:    chain.Name,
		CorrelationID: correlationID,
		Mode:          ports.SagaChoreography,
		Status:        ports.SagaRunning,
		CurrentStep:   1,
		CreatedAt:     now,
	}
	if chain.Trigger.Matches(evt.Type) {
		inst.Input = append(inst.Input, evt.Payload...)
	}
	inst.Awaiting = chain.awaiting(1, now.Add(chain.Window))
	inst.Transitions = append(inst.Transitions, ports.SagaTransition{
		To: ports.SagaRunning, Step: 1, Reason: "opened by " + string(evt.Type), At: now,
	})
	if err := c.store.Create(ctx, inst); err != nil {
		if errors.Is(err, ports.ErrSagaExists) {
			return c.store.Get(ctx, id)
		}
		return nil, err
	}
	c.logger.InfoContext(ctx, "saga chain opened",
		slog.String("saga.id", id),
		slog.String("saga.definition", chain.Name),
		slog.String("correlation_id", correlationID))
	return inst, nil
}

// advanceChain moves the cursor past every recorded hop and re-arms the window.
func (c *Coordinator) advanceChain(inst *ports.SagaInstance, chain *Chain, observed event.Type) {
	next := inst.CurrentStep
	for next <= len(chain.Hops) && recorded(inst, next) {
		next++
	}
	if next > len(chain.Hops) {
		inst.Awaiting = nil
		inst.CurrentStep = len(chain.Hops)
		c.transition(inst, ports.SagaCompleted, "observed "+string(observed))
		return
	}
	if next == inst.CurrentStep {
		return
	}
	inst.CurrentStep = next
	inst.Awaiting = chain.awaiting(next, c.now().UTC().Add(chain.Window))
	c.transition(inst, ports.SagaRunning, "observed "+string(observed))
}

// compensateLate undoes a hop observed after the chain gave up. The hop is not added to
// the completed steps, so a redelivery compensates again; compensations are idempotent.
func (c *Coordinator) compensateLate(ctx context.Context, p plan, inst *ports.SagaInstance, hop int, evt event.Event) error {
	name := p.chain.Hops[hop-1].Name
	done := ports.CompletedStep{Index: hop, Name: name, Data: evt.Payload, CompletedAt: c.now().UTC()}
	if err := c.compensate(ctx, p, inst, done); err != nil {
		if errors.Is(err, errInterrupted) {
			return err
		}
		inst.LastError = fmt.Sprintf("compensation of late hop %s failed: %v", name, err)
		c.transition(inst, ports.SagaManualIntervention, inst.LastError)
		c.logger.ErrorContext(ctx, "saga requires manual intervention",
			slog.String("saga.id", inst.ID),
			slog.String("saga.step", name),
			slog.String("error", err.Error()))
		return c.save(ctx, inst)
	}
	c.transition(inst, inst.Status, "compensated late hop "+name)
	return c.save(ctx, inst)
}

// Abort is called by a choreography participant that could not take its hop. Recorded
// hops are compensated in reverse; an instance that does not exist yet is opened first.
func (c *Coordinator) Abort(ctx context.Context, chainName, correlationID, reason string) (*ports.SagaInstance, error) {
	chain, ok := c.chain(chainName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSaga, chainName)
	}
	if correlationID == "" {
		return nil, errors.New("saga abort requires a correlation id")
	}
	id := ID(chainName, correlationID)
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()

	inst, err := c.openChain(ctx, chain, correlationID, event.Event{Type: event.Type("abort")})
	if err != nil {
		return nil, err
	}
	if inst.Status != ports.SagaRunning {
		return inst, nil
	}
	p := plan{chain: chain}
	c.beginCompensation(inst, reason)
	if err := c.commit(ctx, p, inst); err != nil {
		return inst, c.quiet(ctx, err)
	}
	return inst, c.quiet(ctx, c.drive(context.WithoutCancel(ctx), inst))
}
