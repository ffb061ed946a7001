package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/deadletter"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
)

// Consumer is the bus consumer and dead-letter name of the coordinator.
const Consumer = "saga:coordinator"

const (
	lockStripes       = 64
	defaultSweepLimit = 100
)

var (
	errStale           = errors.New("saga instance changed concurrently")
	errInterrupted     = errors.New("saga drive interrupted")
	errPerformInFlight = errors.New("awaited step has not recorded its perform yet")
)

var _ ports.SagaRunner = (*Coordinator)(nil)

// Coordinator drives orchestrated sagas in-process and supervises choreographed chains.
// Instances are persisted before every wait, so no goroutine is held while a saga is suspended.
type Coordinator struct {
	store      ports.SagaStore
	dlq        *deadletter.Manager
	policy     retry.Policy
	logger     *slog.Logger
	now        func() time.Time
	sweepLimit int

	mu          sync.RWMutex
	definitions map[string]*Definition
	chains      map[string]*Chain
	external    map[string]bool

	locks [lockStripes]sync.Mutex
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock overrides the time source for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithDeadLetters quarantines events the coordinator repeatedly fails to handle.
func WithDeadLetters(dlq *deadletter.Manager) Option {
	return func(c *Coordinator) {
		c.dlq = dlq
	}
}

// WithRetryPolicy sets the budget for handling one bus event.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Coordinator) {
		c.policy = policy
	}
}

// WithSweepLimit bounds how many expired instances one CheckTimeouts call handles.
func WithSweepLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.sweepLimit = n
		}
	}
}

// NewCoordinator builds a coordinator over store.
func NewCoordinator(store ports.SagaStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		policy:      retry.DefaultPolicy(),
		logger:      slog.Default(),
		now:         time.Now,
		sweepLimit:  defaultSweepLimit,
		definitions: map[string]*Definition{},
		chains:      map[string]*Chain{},
		external:    map[string]bool{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// RegisterOption changes how a registered definition is run.
type RegisterOption func(*registration)

type registration struct {
	external bool
}

// External leaves driving the definition to another runner, which advances instances
// through SuspendStep, PerformStep and the other step methods. The coordinator still
// owns the transitions.
func External() RegisterOption {
	return func(r *registration) {
		r.external = true
	}
}

// Register adds an orchestrated saga definition.
func (c *Coordinator) Register(def Definition, opts ...RegisterOption) error {
	var reg registration
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if err := def.validate(); err != nil {
		return err
	}
	if def.StepRetry.MaxAttempts == 0 {
		def.StepRetry = retry.DefaultPolicy()
	}
	if def.CompensationRetry.MaxAttempts == 0 {
		def.CompensationRetry = retry.DefaultPolicy()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.definitions[def.Name]; exists {
		return fmt.Errorf("saga %s already registered", def.Name)
	}
	if _, exists := c.chains[def.Name]; exists {
		return fmt.Errorf("saga %s already registered as a chain", def.Name)
	}
	c.definitions[def.Name] = &def
	c.external[def.Name] = reg.external
	return nil
}

// RegisterChain adds a choreographed chain.
func (c *Coordinator) RegisterChain(chain Chain) error {
	if err := chain.validate(); err != nil {
		return err
	}
	if chain.CompensationRetry.MaxAttempts == 0 {
		chain.CompensationRetry = retry.DefaultPolicy()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.chains[chain.Name]; exists {
		return fmt.Errorf("saga chain %s already registered", chain.Name)
	}
	if _, exists := c.definitions[chain.Name]; exists {
		return fmt.Errorf("saga chain %s already registered as a definition", chain.Name)
	}
	c.chains[chain.Name] = &chain
	return nil
}

// Definition returns a registered orchestrated definition.
func (c *Coordinator) Definition(name string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.definitions[name]
	return def, ok
}

func (c *Coordinator) chain(name string) (*Chain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain, ok := c.chains[name]
	return chain, ok
}

func (c *Coordinator) chainsFor(t event.Type) []*Chain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Chain, 0, len(c.chains))
	for _, chain := range c.chains {
		if chain.involves(t) {
			out = append(out, chain)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// plan resolves what drives an instance. Instances of unknown or externally driven
// definitions (for example on Temporal) are left alone.
func (c *Coordinator) plan(inst *ports.SagaInstance) (plan, bool) {
	if inst.Mode == ports.SagaChoreography {
		chain, ok := c.chain(inst.Definition)
		return plan{chain: chain}, ok
	}
	def, ok := c.Definition(inst.Definition)
	if !ok || c.isExternal(inst.Definition) {
		return plan{}, false
	}
	return plan{def: def}, true
}

func (c *Coordinator) isExternal(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.external[name]
}

func (c *Coordinator) lock(id string) *sync.Mutex {
	return &c.locks[event.PartitionOf(id, lockStripes)]
}

// Subscription is the bus subscription feeding HandleEvent.
func (c *Coordinator) Subscription() ports.Subscription {
	handler := ports.Handler(c.HandleEvent)
	if c.dlq != nil {
		handler = c.dlq.Guard(Consumer, c.policy, handler)
	}
	return ports.Subscription{Name: Consumer, Pattern: event.MatchAll, Handler: handler, Start: ports.StartEarliest}
}

// Start opens the orchestrated saga for correlationID and runs it until it completes,
// fails or suspends. Starting an existing saga returns it unchanged.
func (c *Coordinator) Start(ctx context.Context, name, correlationID string, input any) (*ports.SagaInstance, error) {
	if _, ok := c.Definition(name); !ok || c.isExternal(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSaga, name)
	}
	inst, err := NewInstance(name, correlationID, input, c.now().UTC())
	if err != nil {
		return nil, err
	}
	mu := c.lock(inst.ID)
	mu.Lock()
	defer mu.Unlock()
	if err := c.store.Create(ctx, inst); err != nil {
		if errors.Is(err, ports.ErrSagaExists) {
			return c.store.Get(ctx, inst.ID)
		}
		return nil, err
	}
	c.logger.InfoContext(ctx, "saga started",
		slog.String("saga.id", inst.ID),
		slog.String("saga.definition", name),
		slog.String("correlation_id", correlationID))
	if err := c.quiet(ctx, c.drive(context.WithoutCancel(ctx), inst)); err != nil {
		return inst, err
	}
	return inst, nil
}

// NewInstance builds the initial record of an orchestrated saga.
func NewInstance(name, correlationID string, input any, now time.Time) (*ports.SagaInstance, error) {
	if correlationID == "" {
		return nil, errors.New("saga start requires a correlation id")
	}
	raw, err := marshalData(input)
	if err != nil {
		return nil, fmt.Errorf("encode saga input: %w", err)
	}
	inst := &ports.SagaInstance{
		ID:            ID(name, correlationID),
		Definition:    name,
		CorrelationID: correlationID,
		Mode:          ports.SagaOrchestration,
		Status:        ports.SagaRunning,
		CurrentStep:   1,
		Input:         raw,
		CreatedAt:     now,
	}
	inst.Transitions = append(inst.Transitions, ports.SagaTransition{To: ports.SagaRunning, Step: 1, Reason: "started", At: now})
	return inst, nil
}

// Deliver implements ports.SagaRunner.
func (c *Coordinator) Deliver(ctx context.Context, evt event.Event) error {
	return c.HandleEvent(ctx, evt)
}

// HandleEvent resumes suspended orchestrated sagas and records choreography hops for the
// event's correlation id.
func (c *Coordinator) HandleEvent(ctx context.Context, evt event.Event) error {
	correlationID := evt.Metadata.CorrelationID
	if correlationID == "" {
		return nil
	}
	var errs []error
	for _, chain := range c.chainsFor(evt.Type) {
		errs = append(errs, c.handleChainEvent(ctx, chain, correlationID, evt))
	}
	waiting, err := c.store.FindAwaiting(ctx, correlationID)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, found := range waiting {
		if found.Mode != ports.SagaOrchestration {
			continue
		}
		if _, ok := c.plan(found); !ok {
			continue
		}
		errs = append(errs, c.resume(ctx, found.ID, evt))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) resume(ctx context.Context, id string, evt event.Event) error {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != ports.SagaRunning || inst.Awaiting == nil {
		return nil
	}
	p, ok := c.plan(inst)
	if !ok {
		return nil
	}
	awaiting := inst.Awaiting
	switch {
	case failed(awaiting.Failure, evt.Type):
		c.beginCompensation(inst, fmt.Sprintf("step %d failed: received %s", awaiting.Step, evt.Type))
	case awaiting.Success.Matches(evt.Type):
		if !recorded(inst, awaiting.Step) {
			return fmt.Errorf("%w: saga %s step %d", errPerformInFlight, id, awaiting.Step)
		}
		inst.Awaiting = nil
		inst.CurrentStep = awaiting.Step
		c.advance(inst, len(p.def.Steps), p.def.Steps[awaiting.Step-1].Name)
	default:
		return nil
	}
	if err := c.commit(ctx, p, inst); err != nil {
		return c.quiet(ctx, err)
	}
	return c.quiet(ctx, c.drive(context.WithoutCancel(ctx), inst))
}

// CheckTimeouts fails every suspended instance whose deadline passed and returns how many it expired.
func (c *Coordinator) CheckTimeouts(ctx context.Context) (int, error) {
	expired, err := c.store.ListExpired(ctx, c.now().UTC(), c.sweepLimit)
	if err != nil {
		return 0, err
	}
	count := 0
	var errs []error
	for _, found := range expired {
		ok, err := c.expire(ctx, found.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			count++
		}
	}
	return count, errors.Join(errs...)
}

func (c *Coordinator) expire(ctx context.Context, id string) (bool, error) {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.Status != ports.SagaRunning || inst.Awaiting == nil || inst.Awaiting.Deadline.After(c.now().UTC()) {
		return false, nil
	}
	p, ok := c.plan(inst)
	if !ok {
		return false, nil
	}
	c.logger.WarnContext(ctx, "saga step timed out",
		slog.String("saga.id", inst.ID),
		slog.Int("saga.step", inst.Awaiting.Step),
		slog.String("awaiting", string(inst.Awaiting.Success)))
	c.beginCompensation(inst, fmt.Sprintf("timed out waiting for %s", inst.Awaiting.Success))
	if err := c.commit(ctx, p, inst); err != nil {
		return false, c.quiet(ctx, err)
	}
	return true, c.quiet(ctx, c.drive(context.WithoutCancel(ctx), inst))
}

// Run sweeps timeouts every interval until ctx ends. Instances left behind by a previous
// process are recovered first.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	if n, err := c.Recover(ctx); err != nil {
		c.logger.WarnContext(ctx, "saga recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		c.logger.InfoContext(ctx, "sagas recovered", slog.Int("count", n))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.CheckTimeouts(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "saga timeout sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Recover continues running and compensating instances that are not waiting on an event.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	found, err := c.store.ListByStatus(ctx, []ports.SagaStatus{ports.SagaRunning, ports.SagaCompensating}, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	var errs []error
	for _, candidate := range found {
		resumed, err := c.recoverOne(ctx, candidate.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if resumed {
			count++
		}
	}
	return count, errors.Join(errs...)
}

func (c *Coordinator) recoverOne(ctx context.Context, id string) (bool, error) {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if _, ok := c.plan(inst); !ok {
		return false, nil
	}
	if inst.Status == ports.SagaRunning {
		if inst.Mode == ports.SagaChoreography {
			return false, nil
		}
		if inst.Awaiting != nil && recorded(inst, inst.Awaiting.Step) {
			return false, nil
		}
	}
	if inst.Status != ports.SagaRunning && inst.Status != ports.SagaCompensating {
		return false, nil
	}
	return true, c.quiet(ctx, c.drive(ctx, inst))
}

// Cancel compensates a running saga exactly like a failed one.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*ports.SagaInstance, error) {
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()
	inst, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, fmt.Errorf("%w: saga %s is %s", ErrSagaTerminal, id, inst.Status)
	}
	if inst.Status == ports.SagaCompensating {
		return inst, nil
	}
	p, ok := c.plan(inst)
	if !ok {
		return inst, fmt.Errorf("%w: %s", ErrUnknownSaga, inst.Definition)
	}
	c.beginCompensation(inst, "cancelled")
	if err := c.commit(ctx, p, inst); err != nil {
		return inst, err
	}
	if err := c.quiet(ctx, c.drive(context.WithoutCancel(ctx), inst)); err != nil {
		return inst, err
	}
	return inst, nil
}

// Inspect returns the stored instance.
func (c *Coordinator) Inspect(ctx context.Context, id string) (*ports.SagaInstance, error) {
	return c.store.Get(ctx, id)
}

// drive advances inst until it suspends or reaches a terminal state. Callers hold the instance lock.
func (c *Coordinator) drive(ctx context.Context, inst *ports.SagaInstance) error {
	p, ok := c.plan(inst)
	if !ok {
		return nil
	}
	for {
		switch inst.Status {
		case ports.SagaRunning:
			if p.def == nil {
				return nil
			}
			suspended, err := c.runStep(ctx, p, inst)
			if err != nil || suspended {
				return err
			}
		case ports.SagaCompensating:
			if err := c.compensateNext(ctx, p, inst); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Coordinator) runStep(ctx context.Context, p plan, inst *ports.SagaInstance) (bool, error) {
	def := p.def
	i := inst.CurrentStep
	if i < 1 || i > len(def.Steps) {
		return true, fmt.Errorf("saga %s: step %d out of range", inst.ID, i)
	}
	step := def.Steps[i-1]
	if step.Await != nil {
		if inst.Awaiting != nil && inst.Awaiting.Step == i && recorded(inst, i) {
			return true, nil
		}
		if inst.Awaiting == nil || inst.Awaiting.Step != i {
			// suspend before the command is issued so the completion event always finds the instance
			inst.Awaiting = &ports.Awaiting{
				Step:     i,
				Success:  step.Await.Success,
				Failure:  step.Await.Failure,
				Deadline: c.now().UTC().Add(step.Await.Timeout),
			}
			if err := c.save(ctx, inst); err != nil {
				return true, err
			}
		}
	}

	data, err := c.perform(ctx, def, inst, step, i)
	if err != nil {
		if errors.Is(err, errInterrupted) {
			return true, err
		}
		c.logger.WarnContext(ctx, "saga step failed",
			slog.String("saga.id", inst.ID),
			slog.String("saga.step", step.Name),
			slog.String("error", err.Error()))
		c.beginCompensation(inst, fmt.Sprintf("step %s failed: %v", step.Name, err))
		return false, c.commit(ctx, p, inst)
	}
	record(inst, i, step.Name, data, c.now().UTC())
	if step.Await != nil {
		return true, c.save(ctx, inst)
	}
	c.advance(inst, len(def.Steps), step.Name)
	if err := c.commit(ctx, p, inst); err != nil {
		return true, err
	}
	return inst.Status != ports.SagaRunning, nil
}

func (c *Coordinator) perform(ctx context.Context, def *Definition, inst *ports.SagaInstance, step Step, index int) (json.RawMessage, error) {
	policy := def.StepRetry
	if step.Timeout > 0 {
		policy.AttemptTimeout = step.Timeout
	}
	sc := stepContext(inst, index, step.Name, nil)
	var out any
	_, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		result, err := step.Perform(ctx, sc)
		if err != nil {
			if permanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errInterrupted, err)
		}
		return nil, err
	}
	return marshalData(out)
}

// advance moves a running orchestration past the current step.
func (c *Coordinator) advance(inst *ports.SagaInstance, total int, stepName string) {
	if inst.CurrentStep >= total {
		inst.CurrentStep = total
		c.transition(inst, ports.SagaCompleted, "completed "+stepName)
		return
	}
	inst.CurrentStep++
	c.transition(inst, ports.SagaRunning, "completed "+stepName)
}

func (c *Coordinator) beginCompensation(inst *ports.SagaInstance, reason string) {
	inst.Awaiting = nil
	inst.LastError = reason
	inst.CurrentStep = len(inst.CompletedSteps)
	c.transition(inst, ports.SagaCompensating, reason)
}

// compensateNext undoes the most recent uncompensated step. CurrentStep counts the
// completed steps still to undo.
func (c *Coordinator) compensateNext(ctx context.Context, p plan, inst *ports.SagaInstance) error {
	j := inst.CurrentStep
	if j <= 0 {
		c.transition(inst, ports.SagaFailed, inst.LastError)
		c.logger.InfoContext(ctx, "saga failed and compensated",
			slog.String("saga.id", inst.ID),
			slog.String("reason", inst.LastError))
		return c.commit(ctx, p, inst)
	}
	if j > len(inst.CompletedSteps) {
		j = len(inst.CompletedSteps)
		inst.CurrentStep = j
	}
	done := inst.CompletedSteps[j-1]
	if err := c.compensate(ctx, p, inst, done); err != nil {
		if errors.Is(err, errInterrupted) {
			return err
		}
		inst.LastError = fmt.Sprintf("compensation of %s failed: %v", done.Name, err)
		c.transition(inst, ports.SagaManualIntervention, inst.LastError)
		c.logger.ErrorContext(ctx, "saga requires manual intervention",
			slog.String("saga.id", inst.ID),
			slog.String("saga.step", done.Name),
			slog.String("error", err.Error()))
		return c.commit(ctx, p, inst)
	}
	inst.CurrentStep = j - 1
	c.transition(inst, ports.SagaCompensating, "compensated "+done.Name)
	return c.save(ctx, inst)
}

func (c *Coordinator) compensate(ctx context.Context, p plan, inst *ports.SagaInstance, done ports.CompletedStep) error {
	fn := p.compensation(done.Index)
	if fn == nil {
		return nil
	}
	sc := stepContext(inst, done.Index, done.Name, done.Data)
	_, err := retry.Do(ctx, p.compensationPolicy(), func(ctx context.Context, _ int) error {
		if err := fn(ctx, sc); err != nil {
			if permanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", errInterrupted, err)
	}
	return err
}

func (c *Coordinator) transition(inst *ports.SagaInstance, to ports.SagaStatus, reason string) {
	inst.Transitions = append(inst.Transitions, ports.SagaTransition{
		From:   inst.Status,
		To:     to,
		Step:   inst.CurrentStep,
		Reason: reason,
		At:     c.now().UTC(),
	})
	inst.Status = to
}

func (c *Coordinator) save(ctx context.Context, inst *ports.SagaInstance) error {
	if err := c.store.Save(ctx, inst); err != nil {
		if errors.Is(err, ports.ErrConcurrency) {
			return fmt.Errorf("%w: %s", errStale, inst.ID)
		}
		return err
	}
	return nil
}

// commit saves inst and runs the terminal hook when it just finished.
func (c *Coordinator) commit(ctx context.Context, p plan, inst *ports.SagaInstance) error {
	if err := c.save(ctx, inst); err != nil {
		return err
	}
	var hook Hook
	switch inst.Status {
	case ports.SagaCompleted:
		hook = p.onCompleted()
		c.logger.InfoContext(ctx, "saga completed", slog.String("saga.id", inst.ID), slog.String("saga.definition", inst.Definition))
	case ports.SagaFailed:
		hook = p.onFailed()
	}
	if hook == nil {
		return nil
	}
	snapshot := inst.Clone()
	_, err := retry.Do(ctx, p.compensationPolicy(), func(ctx context.Context, _ int) error {
		if err := hook(ctx, snapshot); err != nil {
			if permanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "saga hook failed",
			slog.String("saga.id", inst.ID),
			slog.String("saga.status", string(inst.Status)),
			slog.String("error", err.Error()))
	}
	return nil
}

// quiet swallows the outcomes another actor is responsible for finishing.
func (c *Coordinator) quiet(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errStale):
		c.logger.DebugContext(ctx, "saga advanced elsewhere", slog.String("error", err.Error()))
		return nil
	case errors.Is(err, errInterrupted):
		c.logger.WarnContext(ctx, "saga drive interrupted; recovery will resume it", slog.String("error", err.Error()))
		return nil
	default:
		return err
	}
}

func permanent(err error) bool {
	return errors.Is(err, aggregate.ErrRuleViolation) ||
		errors.Is(err, aggregate.ErrUnknownAggregate) ||
		errors.Is(err, aggregate.ErrUnknownCommand) ||
		errors.Is(err, aggregate.ErrInvalidCommand)
}

func stepContext(inst *ports.SagaInstance, index int, name string, data json.RawMessage) StepContext {
	key := IdempotencyKey(inst.ID, name)
	return StepContext{
		SagaID:         inst.ID,
		Definition:     inst.Definition,
		CorrelationID:  inst.CorrelationID,
		Step:           index,
		StepName:       name,
		Input:          inst.Input,
		IdempotencyKey: key,
		Data:           data,
		Metadata:       event.Metadata{CorrelationID: inst.CorrelationID, CausationID: key},
	}
}

func recorded(inst *ports.SagaInstance, index int) bool {
	for _, step := range inst.CompletedSteps {
		if step.Index == index {
			return true
		}
	}
	return false
}

func record(inst *ports.SagaInstance, index int, name string, data json.RawMessage, at time.Time) {
	inst.CompletedSteps = append(inst.CompletedSteps, ports.CompletedStep{Index: index, Name: name, Data: data, CompletedAt: at})
	sort.SliceStable(inst.CompletedSteps, func(i, j int) bool {
		return inst.CompletedSteps[i].Index < inst.CompletedSteps[j].Index
	})
}

func marshalData(v any) (json.RawMessage, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return value, nil
	default:
		return json.Marshal(value)
	}
}

// plan is either an orchestrated definition or a chain.
type plan struct {
	def   *Definition
	chain *Chain
}

func (p plan) compensation(index int) func(context.Context, StepContext) error {
	if p.def != nil {
		if index >= 1 && index <= len(p.def.Steps) {
			return p.def.Steps[index-1].Compensate
		}
		return nil
	}
	if index >= 1 && index <= len(p.chain.Hops) {
		return p.chain.Hops[index-1].Compensate
	}
	return nil
}

func (p plan) compensationPolicy() retry.Policy {
	if p.def != nil {
		return p.def.CompensationRetry
	}
	return p.chain.CompensationRetry
}

func (p plan) onCompleted() Hook {
	if p.def != nil {
		return p.def.OnCompleted
	}
	return p.chain.OnCompleted
}

func (p plan) onFailed() Hook {
	if p.def != nil {
		return p.def.OnFailed
	}
	return p.chain.OnFailed
}
