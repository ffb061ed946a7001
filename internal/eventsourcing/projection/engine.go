// Package projection maintains read models from the event stream and rebuilds them from the journal.
package projection

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/deadletter"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
	readmodel "github.com/Apurer/go-eventsourcing-server/internal/shared/projection"
)

// catchUpMargin is how many journal positions the post-swap catch-up re-reads. Positions
// can become visible out of order across streams; re-reading is safe because applies skip
// versions at or below the checkpoint.
const catchUpMargin = 1000

// Projector builds one read model.
type Projector struct {
	Name string
	// AggregateTypes limits rebuild scans; empty scans the whole journal.
	AggregateTypes []string
	// Events selects the event types the projector handles.
	Events []event.Pattern
	// Project mutates documents for one event. It must be deterministic.
	Project func(ctx context.Context, docs ports.Documents, evt event.Event) error
}

func (p Projector) handles(t event.Type) bool {
	if len(p.Events) == 0 {
		return true
	}
	return event.AnyOf(t, p.Events...)
}

// Source is the journal view used for rebuilds.
type Source interface {
	ReadAll(ctx context.Context, filter ports.ReadAllFilter) iter.Seq2[event.Event, error]
}

type registered struct {
	projector Projector
	// live handlers hold the read side; rebuild catch-up and swap hold the write side.
	lock sync.RWMutex
}

// Engine applies events to registered projectors.
type Engine struct {
	store  ports.ReadModelStore
	source Source
	dlq    *deadletter.Manager
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	projectors map[string]*registered
}

type Option func(*Engine)

// WithRetryPolicy sets the handler retry budget; AttemptTimeout is the per-call deadline.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the time source for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine builds an engine. dlq receives events that exhaust the retry budget.
func NewEngine(store ports.ReadModelStore, source Source, dlq *deadletter.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		source:     source,
		dlq:        dlq,
		policy:     retry.DefaultPolicy(),
		logger:     slog.Default(),
		now:        time.Now,
		projectors: map[string]*registered{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Register adds a projector.
func (e *Engine) Register(p Projector) error {
	if p.Name == "" || p.Project == nil {
		return errors.New("projector requires a name and a project func")
	}
	for _, pattern := range p.Events {
		if err := pattern.Validate(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.projectors[p.Name]; exists {
		return fmt.Errorf("projection %s already registered", p.Name)
	}
	e.projectors[p.Name] = &registered{projector: p}
	return nil
}

// Names lists registered projections.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.projectors))
	for name := range e.projectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) lookup(name string) (*registered, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.projectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: projection %s", ports.ErrNotFound, name)
	}
	return r, nil
}

// Consumer is the dead-letter consumer name of a projection.
func Consumer(name string) string {
	return "projection:" + name
}

// Handle applies evt to the active generation of the projection. Redelivered events are skipped.
func (e *Engine) Handle(ctx context.Context, name string, evt event.Event) error {
	r, err := e.lookup(name)
	if err != nil {
		return err
	}
	if !r.projector.handles(evt.Type) {
		return nil
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, err = e.apply(ctx, r.projector, ports.Target{Projection: name}, evt, false)
	return err
}

// Reprocess force-applies evt to the active generation without lowering the checkpoint.
func (e *Engine) Reprocess(ctx context.Context, name string, evt event.Event) error {
	r, err := e.lookup(name)
	if err != nil {
		return err
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, err = e.apply(ctx, r.projector, ports.Target{Projection: name}, evt, true)
	return err
}

func (e *Engine) apply(ctx context.Context, p Projector, target ports.Target, evt event.Event, force bool) (bool, error) {
	return e.store.Apply(ctx, target, evt, force, func(docs ports.Documents) error {
		return p.Project(ctx, docs, evt)
	})
}

// Subscriptions returns one guarded bus subscription per projection.
func (e *Engine) Subscriptions() []ports.Subscription {
	names := e.Names()
	subs := make([]ports.Subscription, 0, len(names))
	for _, name := range names {
		name := name
		handler := func(ctx context.Context, evt event.Event) error {
			return e.Handle(ctx, name, evt)
		}
		if e.dlq != nil {
			handler = e.dlq.Guard(Consumer(name), e.policy, handler)
		}
		subs = append(subs, ports.Subscription{
			Name:    Consumer(name),
			Pattern: event.MatchAll,
			Handler: handler,
			Start:   ports.StartEarliest,
		})
	}
	return subs
}

// Rebuild replays the journal into a shadow generation and swaps it in. Live traffic keeps
// reading and updating the active generation until the swap.
func (e *Engine) Rebuild(ctx context.Context, name string) (ports.RebuildReport, error) {
	started := e.now()
	report := ports.RebuildReport{Projection: name}
	r, err := e.lookup(name)
	if err != nil {
		return report, err
	}
	shadow, err := e.store.BeginRebuild(ctx, name)
	if err != nil {
		return report, err
	}
	report.Generation = shadow
	e.logger.InfoContext(ctx, "projection rebuild started", slog.String("projection", name), slog.Int64("generation", shadow))

	quarantined := map[string]struct{}{}
	last, err := e.replay(ctx, r.projector, ports.Target{Projection: name, Generation: shadow}, 0, &report, quarantined)
	if err != nil {
		return report, e.abort(ctx, name, shadow, err)
	}

	r.lock.Lock()
	_, err = e.replay(ctx, r.projector, ports.Target{Projection: name, Generation: shadow}, last, &report, quarantined)
	if err == nil {
		err = e.store.CompleteRebuild(ctx, name, shadow)
	}
	r.lock.Unlock()
	if err != nil {
		return report, e.abort(ctx, name, shadow, err)
	}

	after := uint64(0)
	if last > catchUpMargin {
		after = last - catchUpMargin
	}
	r.lock.RLock()
	var catchUp ports.RebuildReport
	_, err = e.replay(ctx, r.projector, ports.Target{Projection: name}, after, &catchUp, quarantined)
	r.lock.RUnlock()
	if err != nil {
		e.logger.WarnContext(ctx, "projection catch-up after swap failed; live delivery continues",
			slog.String("projection", name), slog.String("error", err.Error()))
	}
	report.DeadLetter += catchUp.DeadLetter

	report.Duration = e.now().Sub(started)
	e.logger.InfoContext(ctx, "projection rebuild completed",
		slog.String("projection", name),
		slog.Int64("generation", shadow),
		slog.Int("events", report.Events),
		slog.Int("applied", report.Applied),
		slog.Int("dead_lettered", report.DeadLetter))
	return report, nil
}

func (e *Engine) abort(ctx context.Context, name string, shadow int64, cause error) error {
	if err := e.store.AbortRebuild(context.WithoutCancel(ctx), name, shadow); err != nil {
		return errors.Join(cause, fmt.Errorf("abort rebuild: %w", err))
	}
	return fmt.Errorf("rebuild %s: %w", name, cause)
}

// replay applies journal events after position to target and returns the last position read.
// Events that exhaust the retry budget are dead-lettered so one poison event cannot stall a rebuild;
// quarantined collects their ids so later passes of the same rebuild skip them.
func (e *Engine) replay(ctx context.Context, p Projector, target ports.Target, after uint64, report *ports.RebuildReport, quarantined map[string]struct{}) (uint64, error) {
	last := after
	filter := ports.ReadAllFilter{AggregateTypes: p.AggregateTypes, AfterPosition: after}
	for evt, err := range e.source.ReadAll(ctx, filter) {
		if err != nil {
			return last, err
		}
		if evt.Position > last {
			last = evt.Position
		}
		if !p.handles(evt.Type) {
			continue
		}
		if _, skip := quarantined[evt.ID]; skip {
			continue
		}
		report.Events++
		var applied bool
		attempts, err := retry.Do(ctx, e.policy, func(ctx context.Context, _ int) error {
			var aerr error
			applied, aerr = e.apply(ctx, p, target, evt, false)
			return aerr
		})
		if err != nil {
			if ctx.Err() != nil || e.dlq == nil {
				return last, err
			}
			// rebuild scans are not partitioned
			if _, qerr := e.dlq.Quarantine(ctx, Consumer(p.Name), 0, evt, err, attempts); qerr != nil {
				return last, qerr
			}
			quarantined[evt.ID] = struct{}{}
			report.DeadLetter++
			continue
		}
		if applied {
			report.Applied++
		}
	}
	return last, nil
}

// ReplayDeadLetters force-applies the projection's pending dead letters.
func (e *Engine) ReplayDeadLetters(ctx context.Context, name string) (ports.ReplayReport, error) {
	if _, err := e.lookup(name); err != nil {
		return ports.ReplayReport{}, err
	}
	if e.dlq == nil {
		return ports.ReplayReport{Consumer: Consumer(name)}, nil
	}
	return e.dlq.Replay(ctx, Consumer(name), func(ctx context.Context, evt event.Event) error {
		return e.Reprocess(ctx, name, evt)
	})
}

// Get returns one row of the active generation.
func (e *Engine) Get(ctx context.Context, name, key string) (*readmodel.Record, error) {
	if _, err := e.lookup(name); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, name, key)
}

// Query filters rows of the active generation.
func (e *Engine) Query(ctx context.Context, name string, filter ports.Filter) ([]readmodel.Record, error) {
	if _, err := e.lookup(name); err != nil {
		return nil, err
	}
	return e.store.Query(ctx, name, filter)
}

// Upsert loads key (or a zero placeholder), mutates it and writes it back. Projections that
// join several aggregates use it so events may arrive in any cross-aggregate order.
func Upsert[T any](docs ports.Documents, key string, mutate func(doc *T) error) error {
	var doc T
	if _, err := docs.Get(key, &doc); err != nil {
		return err
	}
	if err := mutate(&doc); err != nil {
		return err
	}
	return docs.Put(key, doc)
}
