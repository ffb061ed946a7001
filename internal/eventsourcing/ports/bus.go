package ports

import (
	"context"
	"errors"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

// Handler consumes one delivered event.
type Handler func(ctx context.Context, evt event.Event) error

// StartPosition controls where a new subscription begins on brokers that retain history.
type StartPosition int

const (
	// StartLatest delivers only events published after the subscription was created.
	StartLatest StartPosition = iota
	// StartEarliest delivers retained history first.
	StartEarliest
)

// Subscription describes a named consumer of the bus.
type Subscription struct {
	// Name identifies the consumer; brokers use it as the consumer group.
	Name    string
	Pattern event.Pattern
	Handler Handler
	Start   StartPosition
}

// ErrNoSubscribers is returned by buses that neither retain events nor have a consumer
// to hand them to. Publishers must treat the events as not delivered.
var ErrNoSubscribers = errors.New("bus has no subscribers")

// Bus delivers events at least once, in order within a partition.
type Bus interface {
	Publish(ctx context.Context, events ...event.Event) error
	// Subscribe starts delivery until ctx is cancelled or the returned stop func is called.
	Subscribe(ctx context.Context, sub Subscription) (stop func(), err error)
}

type partitionKey struct{}

// WithPartition records the bus partition that delivered the current event.
func WithPartition(ctx context.Context, partition int) context.Context {
	return context.WithValue(ctx, partitionKey{}, partition)
}

// PartitionFromContext returns the delivering partition, or 0 when unknown.
func PartitionFromContext(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	if p, ok := ctx.Value(partitionKey{}).(int); ok {
		return p
	}
	return 0
}
