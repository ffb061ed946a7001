package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

var _ ports.Bus = (*Bus)(nil)

const defaultRedeliveries = 3

// Bus delivers events in-process with one worker goroutine per subscription partition.
// Queues are unbounded so publishers never block on slow consumers. Published events are
// retained so StartEarliest subscriptions see everything published before they joined.
type Bus struct {
	partitions   int
	redeliveries int
	retain       bool
	logger       *slog.Logger

	mu      sync.Mutex
	subs    map[int64]*subscriber
	nextID  int64
	history []event.Event
	wg      sync.WaitGroup

	pending atomic.Int64
}

type BusOption func(*Bus)

func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithRedeliveries sets how many times a failing handler sees the same event before it is dropped.
func WithRedeliveries(n int) BusOption {
	return func(b *Bus) {
		if n >= 0 {
			b.redeliveries = n
		}
	}
}

// WithoutRetention drops history. Publish then fails with ports.ErrNoSubscribers while
// nobody is subscribed, and StartEarliest behaves like StartLatest.
func WithoutRetention() BusOption {
	return func(b *Bus) {
		b.retain = false
	}
}

// NewBus builds a bus with the given number of partitions.
func NewBus(partitions int, opts ...BusOption) *Bus {
	if partitions < 1 {
		partitions = 1
	}
	b := &Bus{
		partitions:   partitions,
		redeliveries: defaultRedeliveries,
		retain:       true,
		logger:       slog.Default(),
		subs:         map[int64]*subscriber{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Partitions returns the partition count.
func (b *Bus) Partitions() int {
	return b.partitions
}

type subscriber struct {
	sub    ports.Subscription
	queues []*partitionQueue
	cancel context.CancelFunc
}

type partitionQueue struct {
	mu     sync.Mutex
	items  []event.Event
	signal chan struct{}
}

func (q *partitionQueue) push(evt event.Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *partitionQueue) pop() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event.Event{}, false
	}
	evt := q.items[0]
	q.items[0] = event.Event{}
	q.items = q.items[1:]
	return evt, true
}

func (b *Bus) Publish(ctx context.Context, events ...event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.retain && len(b.subs) == 0 {
		return ports.ErrNoSubscribers
	}
	for _, evt := range events {
		if b.retain {
			b.history = append(b.history, cloneEvent(evt))
		}
		for _, s := range b.subs {
			b.enqueue(s, evt)
		}
	}
	return nil
}

func (b *Bus) enqueue(s *subscriber, evt event.Event) {
	if !s.sub.Pattern.Matches(evt.Type) {
		return
	}
	b.pending.Add(1)
	s.queues[evt.Partition(b.partitions)].push(cloneEvent(evt))
}

func (b *Bus) Subscribe(ctx context.Context, sub ports.Subscription) (func(), error) {
	if sub.Handler == nil {
		return nil, errors.New("subscription handler is nil")
	}
	if err := sub.Pattern.Validate(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscriber{sub: sub, cancel: cancel, queues: make([]*partitionQueue, b.partitions)}
	for i := range s.queues {
		s.queues[i] = &partitionQueue{signal: make(chan struct{}, 1)}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	if sub.Start == ports.StartEarliest {
		for _, evt := range b.history {
			b.enqueue(s, evt)
		}
	}
	b.mu.Unlock()

	for p, q := range s.queues {
		b.wg.Add(1)
		go b.work(subCtx, s, p, q)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			cancel()
		})
	}
	go func() {
		<-subCtx.Done()
		stop()
	}()
	return stop, nil
}

func (b *Bus) work(ctx context.Context, s *subscriber, partition int, q *partitionQueue) {
	defer b.wg.Done()
	defer b.discard(q)
	for {
		for {
			evt, ok := q.pop()
			if !ok {
				break
			}
			b.deliver(ctx, s, partition, evt)
			b.pending.Add(-1)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscriber, partition int, evt event.Event) {
	handlerCtx := ports.WithPartition(ctx, partition)
	for attempt := 0; attempt <= b.redeliveries; attempt++ {
		err := s.sub.Handler(handlerCtx, evt)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		b.logger.WarnContext(ctx, "bus handler failed",
			slog.String("subscription", s.sub.Name),
			slog.Int("partition", partition),
			slog.String("event.id", evt.ID),
			slog.String("event.type", string(evt.Type)),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	b.logger.ErrorContext(ctx, "bus dropped event after redeliveries",
		slog.String("subscription", s.sub.Name),
		slog.String("event.id", evt.ID))
}

func (b *Bus) discard(q *partitionQueue) {
	for {
		if _, ok := q.pop(); !ok {
			return
		}
		b.pending.Add(-1)
	}
}

// WaitIdle blocks until every published event has been handled or ctx ends.
func (b *Bus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops every subscription and waits for workers to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
	b.wg.Wait()
}
