// Package deadletter quarantines events a consumer could not process and replays them on demand.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
)

// Manager owns the dead-letter store.
type Manager struct {
	store  ports.DeadLetterStore
	node   *snowflake.Node
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*managerOptions)

type managerOptions struct {
	nodeID int64
	logger *slog.Logger
	now    func() time.Time
}

// WithNode sets the snowflake node id used for entry ids; processes sharing a store need distinct ids.
func WithNode(id int64) Option {
	return func(o *managerOptions) {
		o.nodeID = id
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// WithClock overrides the time source for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) {
		o.now = now
	}
}

// NewManager builds a manager over store.
func NewManager(store ports.DeadLetterStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("dead-letter manager requires a store")
	}
	o := managerOptions{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	node, err := snowflake.NewNode(o.nodeID)
	if err != nil {
		return nil, fmt.Errorf("dead-letter id node: %w", err)
	}
	return &Manager{store: store, node: node, logger: o.logger, now: o.now}, nil
}

// Quarantine records evt as failed for consumer.
func (m *Manager) Quarantine(ctx context.Context, consumer string, partition int, evt event.Event, cause error, attempts int) (*ports.DeadLetter, error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	entry, err := m.store.Put(ctx, ports.DeadLetter{
		ID:        m.node.Generate().Int64(),
		Consumer:  consumer,
		Partition: partition,
		EventID:   evt.ID,
		Event:     evt,
		Error:     reason,
		Attempts:  attempts,
		Status:    ports.DeadLetterPending,
		FailedAt:  m.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("quarantine %s for %s: %w", evt.ID, consumer, err)
	}
	m.logger.WarnContext(ctx, "event dead-lettered",
		slog.String("consumer", consumer),
		slog.Int("partition", partition),
		slog.String("event.id", evt.ID),
		slog.String("event.type", string(evt.Type)),
		slog.Int("attempts", attempts),
		slog.String("error", reason))
	return entry, nil
}

// List returns the pending entries of consumer; an empty consumer lists all of them.
func (m *Manager) List(ctx context.Context, consumer string) ([]ports.DeadLetter, error) {
	return m.store.List(ctx, consumer, ports.DeadLetterPending)
}

// Replay hands every pending entry of consumer to handler in failure order. Entries that
// fail again stay pending with their attempt count bumped.
func (m *Manager) Replay(ctx context.Context, consumer string, handler ports.Handler) (ports.ReplayReport, error) {
	report := ports.ReplayReport{Consumer: consumer}
	entries, err := m.store.List(ctx, consumer, ports.DeadLetterPending)
	if err != nil {
		return report, err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		handlerCtx := ports.WithPartition(ctx, entry.Partition)
		if herr := handler(handlerCtx, entry.Event); herr != nil {
			report.Failed++
			if err := m.store.RecordFailure(ctx, entry.ID, herr.Error()); err != nil {
				return report, err
			}
			m.logger.WarnContext(ctx, "dead-letter replay failed",
				slog.String("consumer", entry.Consumer),
				slog.Int64("dead_letter.id", entry.ID),
				slog.String("error", herr.Error()))
			continue
		}
		if err := m.store.MarkReplayed(ctx, entry.ID, m.now().UTC()); err != nil {
			return report, err
		}
		report.Replayed++
	}
	return report, nil
}

// Guard wraps handler so failures are retried under policy and then quarantined. The
// returned handler only fails when quarantining itself fails or ctx ends, which leaves
// the event to the bus for redelivery.
func (m *Manager) Guard(consumer string, policy retry.Policy, handler ports.Handler) ports.Handler {
	return func(ctx context.Context, evt event.Event) error {
		attempts, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
			return handler(ctx, evt)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, qerr := m.Quarantine(ctx, consumer, ports.PartitionFromContext(ctx), evt, err, attempts); qerr != nil {
			return qerr
		}
		return nil
	}
}
