// Package migrations owns the database schema. Adapters never migrate on their own.
package migrations

import (
	"gorm.io/gorm"

	espostgres "github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/persistence/postgres"
)

// indexes are not expressible as gorm tags.
var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_read_models_doc ON read_models USING GIN (doc jsonb_path_ops)`,
	`CREATE INDEX IF NOT EXISTS idx_event_outbox_pending ON event_outbox (position) WHERE published_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_saga_instances_step_names ON saga_instances USING GIN (step_names)`,
}

// Run applies the schema of the journal, read models, sagas, dead letters and idempotency keys.
func Run(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := db.AutoMigrate(espostgres.Models()...); err != nil {
		return err
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
