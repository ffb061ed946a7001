package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

var _ ports.SagaStore = (*SagaStore)(nil)

// SagaStore keeps saga instances in memory.
type SagaStore struct {
	mu        sync.RWMutex
	instances map[string]*ports.SagaInstance
	now       func() time.Time
}

// NewSagaStore constructs an empty store.
func NewSagaStore() *SagaStore {
	return &SagaStore{instances: map[string]*ports.SagaInstance{}, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (s *SagaStore) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *SagaStore) Create(ctx context.Context, instance *ports.SagaInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[instance.ID]; exists {
		return ports.ErrSagaExists
	}
	now := s.now()
	instance.Revision = 1
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now
	s.instances[instance.ID] = instance.Clone()
	return nil
}

func (s *SagaStore) Get(ctx context.Context, id string) (*ports.SagaInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return instance.Clone(), nil
}

func (s *SagaStore) Save(ctx context.Context, instance *ports.SagaInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.instances[instance.ID]
	if !ok {
		return ports.ErrNotFound
	}
	if stored.Revision != instance.Revision {
		return &ports.ConcurrencyError{
			Stream:   event.StreamID{Type: "saga", ID: instance.ID},
			Expected: uint64(instance.Revision),
			Actual:   uint64(stored.Revision),
		}
	}
	instance.Revision++
	instance.UpdatedAt = s.now()
	s.instances[instance.ID] = instance.Clone()
	return nil
}

func (s *SagaStore) FindAwaiting(ctx context.Context, correlationID string) ([]*ports.SagaInstance, error) {
	return s.list(ctx, 0, func(i *ports.SagaInstance) bool {
		return i.CorrelationID == correlationID && i.Awaiting != nil && !i.Status.Terminal()
	})
}

func (s *SagaStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*ports.SagaInstance, error) {
	return s.list(ctx, limit, func(i *ports.SagaInstance) bool {
		return i.Awaiting != nil && !i.Status.Terminal() && !i.Awaiting.Deadline.After(now)
	})
}

func (s *SagaStore) ListByStatus(ctx context.Context, statuses []ports.SagaStatus, limit int) ([]*ports.SagaInstance, error) {
	return s.list(ctx, limit, func(i *ports.SagaInstance) bool {
		return slices.Contains(statuses, i.Status)
	})
}

func (s *SagaStore) list(ctx context.Context, limit int, keep func(*ports.SagaInstance) bool) ([]*ports.SagaInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*ports.SagaInstance, 0)
	for _, instance := range s.instances {
		if keep(instance) {
			out = append(out, instance.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
