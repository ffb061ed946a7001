// Package redisbus implements the partitioned event bus on Redis Streams. Every
// partition is one stream and every subscription is one consumer group per stream.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

var _ ports.Bus = (*Bus)(nil)

const (
	fieldEvent = "event"

	defaultPrefix       = "es:events"
	defaultBlock        = 2 * time.Second
	defaultBatch        = 64
	defaultRedeliveries = 3
)

// Bus publishes journal events to Redis Streams.
type Bus struct {
	client       redis.UniversalClient
	prefix       string
	partitions   int
	consumer     string
	block        time.Duration
	batch        int64
	maxLen       int64
	redeliveries int
	logger       *slog.Logger

	wg sync.WaitGroup
}

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPrefix sets the stream key prefix; partition p lives at "<prefix>:<p>".
func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		if strings.TrimSpace(prefix) != "" {
			b.prefix = prefix
		}
	}
}

// WithConsumer names this process inside every consumer group.
func WithConsumer(name string) Option {
	return func(b *Bus) {
		if strings.TrimSpace(name) != "" {
			b.consumer = name
		}
	}
}

// WithBlock sets how long one XREADGROUP call waits for new entries.
func WithBlock(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.block = d
		}
	}
}

// WithMaxLen trims each stream approximately to n entries on publish. Zero keeps everything.
func WithMaxLen(n int64) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.maxLen = n
		}
	}
}

func WithRedeliveries(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.redeliveries = n
		}
	}
}

// New builds a bus over the client with the given partition count.
func New(client redis.UniversalClient, partitions int, opts ...Option) *Bus {
	if partitions < 1 {
		partitions = 1
	}
	b := &Bus{
		client:       client,
		prefix:       defaultPrefix,
		partitions:   partitions,
		consumer:     "consumer-1",
		block:        defaultBlock,
		batch:        defaultBatch,
		redeliveries: defaultRedeliveries,
		logger:       slog.Default(),
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

// Stream returns the stream key of one partition.
func (b *Bus) Stream(partition int) string {
	return fmt.Sprintf("%s:%d", b.prefix, partition)
}

// Publish appends every event to the stream of its partition in one pipeline.
func (b *Bus) Publish(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, evt := range events {
			raw, err := json.Marshal(evt)
			if err != nil {
				return fmt.Errorf("encode event %s: %w", evt.ID, err)
			}
			args := &redis.XAddArgs{
				Stream: b.Stream(evt.Partition(b.partitions)),
				Values: map[string]any{fieldEvent: string(raw)},
			}
			if b.maxLen > 0 {
				args.MaxLen = b.maxLen
				args.Approx = true
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Subscribe creates the consumer group on every partition stream and starts one
// reader per partition, so events of one aggregate are handled in order.
func (b *Bus) Subscribe(ctx context.Context, sub ports.Subscription) (func(), error) {
	if sub.Handler == nil {
		return nil, errors.New("subscription handler is nil")
	}
	if strings.TrimSpace(sub.Name) == "" {
		return nil, errors.New("subscription name is required for consumer groups")
	}
	if err := sub.Pattern.Validate(); err != nil {
		return nil, err
	}
	start := "$"
	if sub.Start == ports.StartEarliest {
		start = "0"
	}
	for p := 0; p < b.partitions; p++ {
		if err := b.ensureGroup(ctx, b.Stream(p), sub.Name, start); err != nil {
			return nil, err
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	var readers sync.WaitGroup
	for p := 0; p < b.partitions; p++ {
		readers.Add(1)
		b.wg.Add(1)
		go func(partition int) {
			defer b.wg.Done()
			defer readers.Done()
			b.consume(subCtx, sub, partition)
		}(p)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			readers.Wait()
		})
	}, nil
}

func (b *Bus) ensureGroup(ctx context.Context, stream, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *Bus) consume(ctx context.Context, sub ports.Subscription, partition int) {
	stream := b.Stream(partition)
	logger := b.logger.With(
		slog.String("subscription", sub.Name),
		slog.String("stream", stream))

	// Entries delivered before a restart but never acknowledged come first.
	cursor := "0"
	for ctx.Err() == nil {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.Name,
			Consumer: b.consumer,
			Streams:  []string{stream, cursor},
			Count:    b.batch,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.WarnContext(ctx, "xreadgroup failed", slog.String("error", err.Error()))
			sleep(ctx, b.block)
			continue
		}

		delivered := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				delivered++
				if !b.handle(ctx, logger, sub, partition, msg) {
					return
				}
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

// handle runs the handler and acknowledges the entry. It reports false when the
// subscription stopped before the entry could be acknowledged.
func (b *Bus) handle(ctx context.Context, logger *slog.Logger, sub ports.Subscription, partition int, msg redis.XMessage) bool {
	evt, err := decode(msg)
	if err != nil {
		logger.ErrorContext(ctx, "dropping undecodable stream entry",
			slog.String("entry", msg.ID),
			slog.String("error", err.Error()))
		return b.ack(ctx, logger, sub.Name, partition, msg.ID)
	}
	if sub.Pattern.Matches(evt.Type) {
		handlerCtx := ports.WithPartition(ctx, partition)
		handled := false
		for attempt := 0; attempt <= b.redeliveries; attempt++ {
			err := sub.Handler(handlerCtx, evt)
			if err == nil {
				handled = true
				break
			}
			if ctx.Err() != nil {
				return false
			}
			logger.WarnContext(ctx, "bus handler failed",
				slog.Int("partition", partition),
				slog.String("event.id", evt.ID),
				slog.String("event.type", string(evt.Type)),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
		}
		if !handled {
			logger.ErrorContext(ctx, "bus dropped event after redeliveries", slog.String("event.id", evt.ID))
		}
	}
	return b.ack(ctx, logger, sub.Name, partition, msg.ID)
}

func (b *Bus) ack(ctx context.Context, logger *slog.Logger, group string, partition int, id string) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := b.client.XAck(ctx, b.Stream(partition), group, id).Err(); err != nil {
		logger.WarnContext(ctx, "xack failed", slog.String("entry", id), slog.String("error", err.Error()))
	}
	return true
}

func decode(msg redis.XMessage) (event.Event, error) {
	raw, ok := msg.Values[fieldEvent]
	if !ok {
		return event.Event{}, fmt.Errorf("missing %s field", fieldEvent)
	}
	var evt event.Event
	if err := json.Unmarshal([]byte(fmt.Sprint(raw)), &evt); err != nil {
		return event.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Close waits for every reader to exit. Subscriptions must be stopped or their
// contexts cancelled first; the client is owned by the caller.
func (b *Bus) Close() {
	b.wg.Wait()
}
