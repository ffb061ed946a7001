package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/shared/projection"
)

var _ ports.ReadModelStore = (*ReadModelStore)(nil)

// ReadModelStore keeps projection documents as jsonb rows. A document write and the
// stream checkpoint it belongs to commit in one transaction.
type ReadModelStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewReadModelStore(db *gorm.DB) *ReadModelStore {
	return &ReadModelStore{db: db, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (s *ReadModelStore) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// generation loads (creating on first use) the generation row, locking it when lock is set.
func (s *ReadModelStore) generation(tx *gorm.DB, name string, lock bool) (generationRecord, error) {
	seed := generationRecord{Projection: name, Active: 1, UpdatedAt: s.now().UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return generationRecord{}, err
	}
	query := tx
	if lock {
		query = lockRow(tx)
	}
	var rec generationRecord
	if err := query.First(&rec, "projection = ?", name).Error; err != nil {
		return generationRecord{}, err
	}
	return rec, nil
}

func (s *ReadModelStore) resolve(tx *gorm.DB, target ports.Target) (int64, error) {
	if target.Generation != 0 {
		return target.Generation, nil
	}
	rec, err := s.generation(tx, target.Projection, false)
	if err != nil {
		return 0, err
	}
	return rec.Active, nil
}

func (s *ReadModelStore) Apply(ctx context.Context, target ports.Target, evt event.Event, force bool, fn ports.ApplyFunc) (bool, error) {
	if err := s.ensureDB(); err != nil {
		return false, err
	}
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		generation, err := s.resolve(tx, target)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		stream := evt.Stream()
		seed := checkpointRecord{
			Projection:    target.Projection,
			Generation:    generation,
			AggregateType: stream.Type,
			AggregateID:   stream.ID,
			UpdatedAt:     now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		var checkpoint checkpointRecord
		if err := lockRow(tx).First(&checkpoint,
			"projection = ? AND generation = ? AND aggregate_type = ? AND aggregate_id = ?",
			target.Projection, generation, stream.Type, stream.ID).Error; err != nil {
			return err
		}
		last := uint64(checkpoint.Version)
		if !force && evt.Version <= last {
			return nil
		}
		docs := &documents{tx: tx, projection: target.Projection, generation: generation, now: now}
		if err := fn(docs); err != nil {
			return err
		}
		if evt.Version > last {
			if err := tx.Model(&checkpointRecord{}).
				Where("projection = ? AND generation = ? AND aggregate_type = ? AND aggregate_id = ?",
					target.Projection, generation, stream.Type, stream.ID).
				Updates(map[string]any{"event_version": int64(evt.Version), "updated_at": now}).Error; err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *ReadModelStore) Checkpoint(ctx context.Context, target ports.Target, stream event.StreamID) (uint64, error) {
	if err := s.ensureDB(); err != nil {
		return 0, err
	}
	db := s.db.WithContext(ctx)
	generation, err := s.resolve(db, target)
	if err != nil {
		return 0, err
	}
	var checkpoint checkpointRecord
	err = db.First(&checkpoint,
		"projection = ? AND generation = ? AND aggregate_type = ? AND aggregate_id = ?",
		target.Projection, generation, stream.Type, stream.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(checkpoint.Version), nil
}

func (s *ReadModelStore) ActiveGeneration(ctx context.Context, name string) (int64, error) {
	if err := s.ensureDB(); err != nil {
		return 0, err
	}
	rec, err := s.generation(s.db.WithContext(ctx), name, false)
	if err != nil {
		return 0, err
	}
	return rec.Active, nil
}

func (s *ReadModelStore) BeginRebuild(ctx context.Context, name string) (int64, error) {
	if err := s.ensureDB(); err != nil {
		return 0, err
	}
	var shadow int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.generation(tx, name, true)
		if err != nil {
			return err
		}
		if rec.Shadow != 0 {
			return fmt.Errorf("%w: %s", ports.ErrRebuildInProgress, name)
		}
		shadow = rec.Active + 1
		if err := dropGeneration(tx, name, shadow); err != nil {
			return err
		}
		return tx.Model(&generationRecord{}).
			Where("projection = ?", name).
			Updates(map[string]any{"shadow": shadow, "updated_at": s.now().UTC()}).Error
	})
	if err != nil {
		return 0, err
	}
	return shadow, nil
}

func (s *ReadModelStore) CompleteRebuild(ctx context.Context, name string, shadow int64) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.generation(tx, name, true)
		if err != nil {
			return err
		}
		if shadow == 0 || rec.Shadow != shadow {
			return fmt.Errorf("no rebuild of %s with generation %d in progress", name, shadow)
		}
		if err := tx.Model(&generationRecord{}).
			Where("projection = ?", name).
			Updates(map[string]any{"active": shadow, "shadow": 0, "updated_at": s.now().UTC()}).Error; err != nil {
			return err
		}
		return dropGeneration(tx, name, rec.Active)
	})
}

func (s *ReadModelStore) AbortRebuild(ctx context.Context, name string, shadow int64) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&generationRecord{}).
			Where("projection = ? AND shadow = ?", name, shadow).
			Updates(map[string]any{"shadow": 0, "updated_at": s.now().UTC()}).Error; err != nil {
			return err
		}
		return dropGeneration(tx, name, shadow)
	})
}

func dropGeneration(tx *gorm.DB, name string, generation int64) error {
	if err := tx.Where("projection = ? AND generation = ?", name, generation).Delete(&documentRecord{}).Error; err != nil {
		return err
	}
	return tx.Where("projection = ? AND generation = ?", name, generation).Delete(&checkpointRecord{}).Error
}

func (s *ReadModelStore) Get(ctx context.Context, name, key string) (*projection.Record, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	generation, err := s.resolve(db, ports.Target{Projection: name})
	if err != nil {
		return nil, err
	}
	var doc documentRecord
	if err := db.First(&doc, "projection = ? AND generation = ? AND key = ?", name, generation, key).Error; err != nil {
		return nil, notFound(err)
	}
	rec := doc.toRecord()
	return &rec, nil
}

// Query filters with jsonb containment, so Equals only matches top-level values exactly.
func (s *ReadModelStore) Query(ctx context.Context, name string, filter ports.Filter) ([]projection.Record, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	generation, err := s.resolve(db, ports.Target{Projection: name})
	if err != nil {
		return nil, err
	}
	query := db.Where("projection = ? AND generation = ?", name, generation)
	if filter.Key != "" {
		query = query.Where("key = ?", filter.Key)
	}
	if len(filter.Equals) > 0 {
		raw, err := json.Marshal(filter.Equals)
		if err != nil {
			return nil, err
		}
		query = query.Where("doc @> ?", datatypes.JSON(raw))
	}
	query = query.Order("key ASC")
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var docs []documentRecord
	if err := query.Find(&docs).Error; err != nil {
		return nil, err
	}
	out := make([]projection.Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toRecord())
	}
	return out, nil
}

func (s *ReadModelStore) ensureDB() error {
	if s == nil || s.db == nil {
		return notConfigured("read model store")
	}
	return nil
}

func (r documentRecord) toRecord() projection.Record {
	return projection.Record{
		Key: r.Key,
		Doc: append(json.RawMessage(nil), r.Doc...),
		Metadata: projection.Metadata{
			Generation: r.Generation,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		},
	}
}

// documents is the transactional view handed to projectors.
type documents struct {
	tx         *gorm.DB
	projection string
	generation int64
	now        time.Time
}

func (d *documents) Get(key string, dest any) (bool, error) {
	var doc documentRecord
	err := d.tx.First(&doc, "projection = ? AND generation = ? AND key = ?", d.projection, d.generation, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(doc.Doc, dest); err != nil {
		return false, fmt.Errorf("decode read model %q: %w", key, err)
	}
	return true, nil
}

func (d *documents) Put(key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode read model %q: %w", key, err)
	}
	rec := documentRecord{
		Projection: d.projection,
		Generation: d.generation,
		Key:        key,
		Doc:        datatypes.JSON(raw),
		CreatedAt:  d.now,
		UpdatedAt:  d.now,
	}
	return d.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "projection"}, {Name: "generation"}, {Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{"doc": rec.Doc, "updated_at": d.now}),
	}).Create(&rec).Error
}

func (d *documents) Delete(key string) error {
	return d.tx.Where("projection = ? AND generation = ? AND key = ?", d.projection, d.generation, key).
		Delete(&documentRecord{}).Error
}
