package postgres

import (
	"context"
	"errors"
	"iter"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

var _ ports.JournalWithOutbox = (*Journal)(nil)

// Journal stores events in PostgreSQL and writes an outbox row in the same transaction.
// Appends take no lock: two writers racing on one stream collide on the
// (aggregate_type, aggregate_id, event_version) unique index and the loser gets a
// *ports.ConcurrencyError. Writers on different streams never wait on each other, so
// positions may become visible out of order; position scans re-read a margin to cover that.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

func NewJournal(db *gorm.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (j *Journal) WithClock(now func() time.Time) {
	if now != nil {
		j.now = now
	}
}

func (j *Journal) Append(ctx context.Context, stream event.StreamID, expectedVersion uint64, events []event.Event) (uint64, error) {
	if err := j.ensureDB(); err != nil {
		return 0, err
	}
	var next uint64
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := streamVersion(tx, stream)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return &ports.ConcurrencyError{Stream: stream, Expected: expectedVersion, Actual: current}
		}
		now := j.now().UTC()
		records := make([]eventRecord, 0, len(events))
		for _, evt := range events {
			rec, err := newEventRecord(evt, now)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		if err := tx.Create(&records).Error; err != nil {
			if isDuplicate(err) {
				return &ports.ConcurrencyError{Stream: stream, Expected: expectedVersion, Actual: current}
			}
			return err
		}
		outbox := make([]outboxRecord, 0, len(records))
		for _, rec := range records {
			outbox = append(outbox, outboxRecord{EventID: rec.EventID, Position: rec.Position})
		}
		if err := tx.Create(&outbox).Error; err != nil {
			return err
		}
		next = current + uint64(len(events))
		return nil
	})
	if err != nil {
		var conflict *ports.ConcurrencyError
		if errors.As(err, &conflict) && conflict.Actual == expectedVersion {
			// lost the insert race; report the version the winner committed
			if actual, verr := streamVersion(j.db.WithContext(ctx), stream); verr == nil {
				conflict.Actual = actual
			}
		}
		return 0, err
	}
	return next, nil
}

func streamVersion(tx *gorm.DB, stream event.StreamID) (uint64, error) {
	var version int64
	err := tx.Model(&eventRecord{}).
		Select("COALESCE(MAX(event_version), 0)").
		Where("aggregate_type = ? AND aggregate_id = ?", stream.Type, stream.ID).
		Scan(&version).Error
	if err != nil {
		return 0, err
	}
	return uint64(version), nil
}

func (j *Journal) Read(ctx context.Context, stream event.StreamID, fromVersion uint64) ([]event.Event, error) {
	if err := j.ensureDB(); err != nil {
		return nil, err
	}
	var records []eventRecord
	if err := j.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ? AND event_version >= ?", stream.Type, stream.ID, int64(fromVersion)).
		Order("event_version ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return toEvents(records)
}

// ReadAll pages through the journal by position; each page is a separate query.
func (j *Journal) ReadAll(ctx context.Context, filter ports.ReadAllFilter) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		if err := j.ensureDB(); err != nil {
			yield(event.Event{}, err)
			return
		}
		pageSize := filter.PageSize
		if pageSize <= 0 {
			pageSize = ports.DefaultPageSize
		}
		after := int64(filter.AfterPosition)
		for {
			query := j.db.WithContext(ctx).Where("position > ?", after)
			if len(filter.AggregateTypes) > 0 {
				query = query.Where("aggregate_type IN ?", filter.AggregateTypes)
			}
			if !filter.From.IsZero() {
				query = query.Where("occurred_at >= ?", filter.From.UTC())
			}
			var records []eventRecord
			if err := query.Order("position ASC").Limit(pageSize).Find(&records).Error; err != nil {
				yield(event.Event{}, err)
				return
			}
			for _, rec := range records {
				evt, err := rec.toDomain()
				if !yield(evt, err) || err != nil {
					return
				}
				after = rec.Position
			}
			if len(records) < pageSize {
				return
			}
		}
	}
}

func (j *Journal) Version(ctx context.Context, stream event.StreamID) (uint64, error) {
	if err := j.ensureDB(); err != nil {
		return 0, err
	}
	return streamVersion(j.db.WithContext(ctx), stream)
}

func (j *Journal) Redact(ctx context.Context, eventID string) error {
	if err := j.ensureDB(); err != nil {
		return err
	}
	result := j.db.WithContext(ctx).
		Model(&eventRecord{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{"payload": datatypes.JSON(event.Tombstone()), "redacted": true})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (j *Journal) PendingOutbox(ctx context.Context, limit int) ([]event.Event, error) {
	if err := j.ensureDB(); err != nil {
		return nil, err
	}
	query := j.db.WithContext(ctx).
		Model(&eventRecord{}).
		Joins("JOIN event_outbox ON event_outbox.event_id = events.event_id").
		Where("event_outbox.published_at IS NULL").
		Order("events.position ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []eventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return toEvents(records)
}

func (j *Journal) MarkPublished(ctx context.Context, eventIDs []string) error {
	if err := j.ensureDB(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}
	return j.db.WithContext(ctx).
		Model(&outboxRecord{}).
		Where("event_id IN ? AND published_at IS NULL", eventIDs).
		Update("published_at", j.now().UTC()).Error
}

// PurgePublished deletes outbox rows published before cutoff.
func (j *Journal) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := j.ensureDB(); err != nil {
		return 0, err
	}
	result := j.db.WithContext(ctx).
		Where("published_at IS NOT NULL AND published_at < ?", cutoff.UTC()).
		Delete(&outboxRecord{})
	return result.RowsAffected, result.Error
}

func (j *Journal) ensureDB() error {
	if j == nil || j.db == nil {
		return notConfigured("journal")
	}
	return nil
}

// lockRow is shared by stores that read-modify-write a single row inside a transaction.
func lockRow(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ports.ErrNotFound
	}
	return err
}
