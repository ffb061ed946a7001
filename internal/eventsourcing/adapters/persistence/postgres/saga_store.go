package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

var _ ports.SagaStore = (*SagaStore)(nil)

// SagaStore persists saga instances with revision-checked updates.
type SagaStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSagaStore(db *gorm.DB) *SagaStore {
	return &SagaStore{db: db, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (s *SagaStore) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *SagaStore) Create(ctx context.Context, instance *ports.SagaInstance) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	now := s.now().UTC()
	draft := instance.Clone()
	draft.Revision = 1
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	rec, err := newSagaRecord(draft)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicate(err) {
			return ports.ErrSagaExists
		}
		return err
	}
	instance.Revision = draft.Revision
	instance.CreatedAt = draft.CreatedAt
	instance.UpdatedAt = draft.UpdatedAt
	return nil
}

func (s *SagaStore) Get(ctx context.Context, id string) (*ports.SagaInstance, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	var rec sagaRecord
	if err := s.db.WithContext(ctx).First(&rec, "saga_id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return rec.toDomain()
}

// Save writes every column when the stored revision still equals instance.Revision.
func (s *SagaStore) Save(ctx context.Context, instance *ports.SagaInstance) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	now := s.now().UTC()
	rec, err := newSagaRecord(instance)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Model(&sagaRecord{}).
		Where("saga_id = ? AND revision = ?", instance.ID, instance.Revision).
		Updates(map[string]any{
			"status":            rec.Status,
			"current_step":      rec.CurrentStep,
			"step_names":        rec.StepNames,
			"completed_steps":   rec.CompletedSteps,
			"awaiting":          rec.Awaiting,
			"awaiting_deadline": rec.AwaitingDeadline,
			"last_error":        rec.LastError,
			"transitions":       rec.Transitions,
			"revision":          instance.Revision + 1,
			"updated_at":        now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		stored, err := s.Get(ctx, instance.ID)
		if err != nil {
			return err
		}
		return &ports.ConcurrencyError{
			Stream:   event.StreamID{Type: "saga", ID: instance.ID},
			Expected: uint64(instance.Revision),
			Actual:   uint64(stored.Revision),
		}
	}
	instance.Revision++
	instance.UpdatedAt = now
	return nil
}

func (s *SagaStore) FindAwaiting(ctx context.Context, correlationID string) ([]*ports.SagaInstance, error) {
	return s.list(ctx, 0, func(q *gorm.DB) *gorm.DB {
		return q.Where("correlation_id = ? AND awaiting_deadline IS NOT NULL AND status IN ?", correlationID, openStatuses())
	})
}

func (s *SagaStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*ports.SagaInstance, error) {
	return s.list(ctx, limit, func(q *gorm.DB) *gorm.DB {
		return q.Where("awaiting_deadline <= ? AND status IN ?", now.UTC(), openStatuses())
	})
}

func (s *SagaStore) ListByStatus(ctx context.Context, statuses []ports.SagaStatus, limit int) ([]*ports.SagaInstance, error) {
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, string(status))
	}
	return s.list(ctx, limit, func(q *gorm.DB) *gorm.DB {
		return q.Where("status IN ?", names)
	})
}

func (s *SagaStore) list(ctx context.Context, limit int, scope func(*gorm.DB) *gorm.DB) ([]*ports.SagaInstance, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Scopes(scope).Order("created_at ASC, saga_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []sagaRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]*ports.SagaInstance, 0, len(records))
	for _, rec := range records {
		inst, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func openStatuses() []string {
	return []string{string(ports.SagaRunning), string(ports.SagaCompensating)}
}

func (s *SagaStore) ensureDB() error {
	if s == nil || s.db == nil {
		return notConfigured("saga store")
	}
	return nil
}
