package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.temporal.io/sdk/client"
	"golang.org/x/sync/errgroup"

	"github.com/Apurer/go-eventsourcing-server/internal/domains/fulfillment"
	inventorydomain "github.com/Apurer/go-eventsourcing-server/internal/domains/inventory/domain"
	orderdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	paymentdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/payments/domain"
	shippingdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/shipping/domain"
	esobs "github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/observability"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/workflows"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/application"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/deadletter"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/projection"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/schema"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/store"
	"github.com/Apurer/go-eventsourcing-server/internal/platform/observability"
	platformtemporal "github.com/Apurer/go-eventsourcing-server/internal/platform/temporal"
)

const tracerName = "internal.eventsourcing.application"

// Node is one wired process: storage, bus, runtimes, projections, sagas and the service.
type Node struct {
	Config      Config
	Logger      *slog.Logger
	Storage     *Storage
	Bus         Bus
	Store       *store.Store
	Commands    *aggregate.Dispatcher
	Orders      *aggregate.Runtime[orderdomain.Order]
	Projections *projection.Engine
	Sagas       *saga.Coordinator
	DeadLetters *deadletter.Manager
	Fulfillment *fulfillment.Module
	// Runner and Temporal are nil when sagas run inline.
	Runner   *workflows.TemporalSagaRunner
	Temporal client.Client
	Service  ports.Service

	sharedBus bool
	closers   []func()
	ready     chan struct{}
	readyOnce sync.Once
}

type buildOptions struct {
	temporal bool
}

type BuildOption func(*buildOptions)

// WithoutTemporal keeps orchestrations inline even when Temporal is configured.
func WithoutTemporal() BuildOption {
	return func(o *buildOptions) {
		o.temporal = false
	}
}

// Build wires a node from cfg. Close releases everything it opened.
func Build(ctx context.Context, cfg Config, instruments *observability.Instruments, opts ...BuildOption) (*Node, error) {
	o := buildOptions{temporal: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := slog.Default()
	if instruments != nil && instruments.Logger != nil {
		logger = instruments.Logger
	}
	n := &Node{Config: cfg, Logger: logger, ready: make(chan struct{})}
	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	storage, err := OpenStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	n.Storage = storage
	n.closers = append(n.closers, storage.Close)

	bus, shared, closeBus := OpenBus(ctx, cfg, logger)
	n.Bus, n.sharedBus = bus, shared
	n.closers = append(n.closers, bus.Close, closeBus)

	schemas := schema.NewRegistry()
	if err := orderdomain.RegisterSchemas(schemas); err != nil {
		return nil, fmt.Errorf("register order schemas: %w", err)
	}
	n.Store = store.New(storage.Journal,
		store.WithBus(bus),
		store.WithSchemas(schemas),
		store.WithLogger(instruments.Component("event-store")))

	if err := n.buildRuntimes(instruments); err != nil {
		return nil, err
	}

	n.DeadLetters, err = deadletter.NewManager(storage.DeadLetters,
		deadletter.WithNode(cfg.SnowflakeNode),
		deadletter.WithLogger(instruments.Component("dead-letters")))
	if err != nil {
		return nil, err
	}
	n.Projections = projection.NewEngine(storage.ReadModels, n.Store, n.DeadLetters,
		projection.WithRetryPolicy(cfg.HandlerPolicy()),
		projection.WithLogger(instruments.Component("projections")))
	n.Sagas = saga.NewCoordinator(storage.Sagas,
		saga.WithDeadLetters(n.DeadLetters),
		saga.WithRetryPolicy(cfg.HandlerPolicy()),
		saga.WithLogger(instruments.Component("sagas")))

	if o.temporal && !cfg.TemporalDisabled {
		n.connectTemporal(instruments)
	}

	moduleOpts := []fulfillment.Option{
		fulfillment.WithDeadLetters(n.DeadLetters),
		fulfillment.WithRetryPolicy(cfg.HandlerPolicy()),
		fulfillment.WithLogger(instruments.Component("fulfillment")),
	}
	if n.Runner != nil {
		moduleOpts = append(moduleOpts, fulfillment.WithRunner(n.Runner))
	}
	n.Fulfillment, err = fulfillment.New(cfg.Fulfillment(), n.Commands, n.Orders, n.Sagas, moduleOpts...)
	if err != nil {
		return nil, err
	}
	if err := n.Fulfillment.Register(n.Sagas, n.Projections); err != nil {
		return nil, err
	}

	serviceOpts := []application.Option{
		application.WithIdempotency(storage.Idempotency),
		application.WithReplayHandler(saga.Consumer, n.Sagas.HandleEvent),
	}
	for _, sub := range n.Fulfillment.Subscriptions() {
		if handler, found := n.Fulfillment.Handler(sub.Name); found {
			serviceOpts = append(serviceOpts, application.WithReplayHandler(sub.Name, handler))
		}
	}
	if n.Runner != nil {
		serviceOpts = append(serviceOpts, application.WithReplayHandler(workflows.Consumer, n.Runner.Handle))
	}
	core := application.NewService(n.Commands, n.Store, n.Projections, bus, n.DeadLetters, sagaControl{node: n}, serviceOpts...)
	n.Service = esobs.New(core,
		esobs.WithLogger(logger),
		esobs.WithTracer(instruments.Tracer(tracerName)),
		esobs.WithMeter(instruments.Meter(tracerName)))

	logger.Info("node wired",
		slog.Bool("storage.durable", storage.Durable()),
		slog.Bool("bus.shared", shared),
		slog.Bool("temporal", n.Temporal != nil),
		slog.String("fulfillment.mode", string(n.Fulfillment.Mode())))
	ok = true
	return n, nil
}

func (n *Node) buildRuntimes(instruments *observability.Instruments) error {
	runtimeOpts := []aggregate.Option{
		aggregate.WithRetryPolicy(n.Config.CommandPolicy()),
		aggregate.WithLogger(instruments.Component("aggregates")),
	}
	orders, err := aggregate.NewRuntime(orderdomain.Definition(), n.Store, runtimeOpts...)
	if err != nil {
		return err
	}
	inventory, err := aggregate.NewRuntime(inventorydomain.Definition(), n.Store, runtimeOpts...)
	if err != nil {
		return err
	}
	payments, err := aggregate.NewRuntime(paymentdomain.Definition(), n.Store, runtimeOpts...)
	if err != nil {
		return err
	}
	shipments, err := aggregate.NewRuntime(shippingdomain.Definition(), n.Store, runtimeOpts...)
	if err != nil {
		return err
	}
	n.Orders = orders
	n.Commands = aggregate.NewDispatcher()
	for _, h := range []aggregate.Handler{orders, inventory, payments, shipments} {
		if err := n.Commands.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) connectTemporal(instruments *observability.Instruments) {
	c, err := platformtemporal.Dial(platformtemporal.ClientConfig{
		HostPort:  n.Config.TemporalAddress,
		Namespace: n.Config.TemporalNamespace,
	}, instruments.Tracer("temporal-client"), n.Logger)
	if err != nil {
		n.Logger.Warn("Temporal unavailable, running sagas inline", slog.String("error", err.Error()))
		return
	}
	n.Temporal = c
	n.closers = append(n.closers, c.Close)
	n.Runner = workflows.NewTemporalSagaRunner(c, n.Storage.Sagas, n.Sagas,
		workflows.WithTaskQueue(n.Config.TemporalTaskQueue),
		workflows.WithLogger(instruments.Component("temporal-sagas")))
	n.Logger.Info("Temporal saga runner enabled",
		slog.String("namespace", n.Config.TemporalNamespace),
		slog.String("taskQueue", n.Config.TemporalTaskQueue))
}

// Embedded reports whether this process must run the consumers itself. An in-process bus
// or in-memory storage is only visible to the process that owns it.
func (n *Node) Embedded() bool {
	return n.Config.EmbeddedWorkers || !n.sharedBus || !n.Storage.Durable()
}

// Subscriptions lists every bus consumer of the node, each guarded by the dead-letter manager.
func (n *Node) Subscriptions() []ports.Subscription {
	subs := n.Projections.Subscriptions()
	subs = append(subs, n.Sagas.Subscription())
	subs = append(subs, n.Fulfillment.Subscriptions()...)
	if n.Runner != nil {
		subs = append(subs, ports.Subscription{
			Name:    workflows.Consumer,
			Pattern: event.MatchAll,
			Handler: n.DeadLetters.Guard(workflows.Consumer, n.Config.HandlerPolicy(), n.Runner.Handle),
			Start:   ports.StartEarliest,
		})
	}
	return subs
}

// Ready is closed once every consumer is subscribed.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

func (n *Node) subscribe(ctx context.Context) (func(), error) {
	var stops []func()
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}
	for _, sub := range n.Subscriptions() {
		stop, err := n.Bus.Subscribe(ctx, sub)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("subscribe %s: %w", sub.Name, err)
		}
		stops = append(stops, stop)
	}
	n.Logger.Info("consumers subscribed", slog.Int("count", len(stops)))
	n.readyOnce.Do(func() { close(n.ready) })
	return stopAll, nil
}

// RunWorkers subscribes the consumers, then runs the outbox relay, the saga sweeper and,
// when connected, the Temporal saga worker until ctx ends or one of them fails. Nothing
// is relayed before every consumer is subscribed.
func (n *Node) RunWorkers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	stop, err := n.subscribe(gctx)
	if err != nil {
		return err
	}
	defer stop()
	g.Go(func() error { return n.Store.RunRelay(gctx, n.Config.RelayInterval) })
	g.Go(func() error { return n.Sagas.Run(gctx, n.Config.SweepInterval) })
	if n.Temporal != nil {
		g.Go(func() error {
			w := platformtemporal.NewSagaWorker(n.Temporal, n.Config.TemporalTaskQueue, n.Sagas)
			if err := w.Start(); err != nil {
				return fmt.Errorf("start temporal worker: %w", err)
			}
			n.Logger.Info("Temporal worker listening", slog.String("taskQueue", n.Config.TemporalTaskQueue))
			<-gctx.Done()
			w.Stop()
			return nil
		})
	}
	return g.Wait()
}

// Close releases resources in reverse order of acquisition.
func (n *Node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

// sagaControl routes cancellation of externally driven orchestrations to the Temporal runner.
type sagaControl struct {
	node *Node
}

func (s sagaControl) Inspect(ctx context.Context, sagaID string) (*ports.SagaInstance, error) {
	return s.node.Sagas.Inspect(ctx, sagaID)
}

func (s sagaControl) Cancel(ctx context.Context, sagaID string) (*ports.SagaInstance, error) {
	if s.node.Runner == nil {
		return s.node.Sagas.Cancel(ctx, sagaID)
	}
	inst, err := s.node.Sagas.Inspect(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if inst.Mode == ports.SagaOrchestration {
		return s.node.Runner.Cancel(ctx, sagaID)
	}
	return s.node.Sagas.Cancel(ctx, sagaID)
}
