package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

var _ ports.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetterStore persists quarantined events.
type DeadLetterStore struct {
	db *gorm.DB
}

func NewDeadLetterStore(db *gorm.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func (s *DeadLetterStore) Put(ctx context.Context, entry ports.DeadLetter) (*ports.DeadLetter, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	rec, err := newDeadLetterRecord(entry)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if !isDuplicate(err) {
			return nil, err
		}
		var existing deadLetterRecord
		if err := s.db.WithContext(ctx).First(&existing,
			"partition = ? AND event_id = ? AND failed_at = ?", rec.Partition, rec.EventID, rec.FailedAt).Error; err != nil {
			return nil, notFound(err)
		}
		rec = existing
	}
	stored, err := rec.toDomain()
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id int64) (*ports.DeadLetter, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	var rec deadLetterRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	entry, err := rec.toDomain()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *DeadLetterStore) List(ctx context.Context, consumer string, status ports.DeadLetterStatus) ([]ports.DeadLetter, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx)
	if consumer != "" {
		query = query.Where("consumer = ?", consumer)
	}
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	var records []deadLetterRecord
	if err := query.Order("failed_at ASC, id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]ports.DeadLetter, 0, len(records))
	for _, rec := range records {
		entry, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *DeadLetterStore) MarkReplayed(ctx context.Context, id int64, at time.Time) error {
	return s.update(ctx, id, map[string]any{
		"status":      string(ports.DeadLetterReplayed),
		"replayed_at": at.UTC(),
	})
}

func (s *DeadLetterStore) RecordFailure(ctx context.Context, id int64, cause string) error {
	return s.update(ctx, id, map[string]any{
		"attempts": gorm.Expr("attempts + 1"),
		"error":    cause,
	})
}

func (s *DeadLetterStore) update(ctx context.Context, id int64, values map[string]any) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&deadLetterRecord{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *DeadLetterStore) ensureDB() error {
	if s == nil || s.db == nil {
		return notConfigured("dead-letter store")
	}
	return nil
}
