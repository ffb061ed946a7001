package ports

import (
	"context"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/shared/projection"
)

// Target addresses one generation of a projection. Generation 0 resolves to the
// active generation inside the store's transaction.
type Target struct {
	Projection string
	Generation int64
}

// Documents is the read-model view handed to a projector while it applies one event.
// Writes become visible only if the surrounding apply commits.
type Documents interface {
	Get(key string, dest any) (bool, error)
	Put(key string, doc any) error
	Delete(key string) error
}

// Filter selects read-model rows. Equals matches top-level document fields.
type Filter struct {
	Key    string
	Equals map[string]any
	Limit  int
	Offset int
}

// ApplyFunc mutates documents for one event.
type ApplyFunc func(docs Documents) error

// ReadModelStore persists projection documents, per-stream checkpoints and generations.
type ReadModelStore interface {
	// Apply runs fn and advances the checkpoint for evt's stream atomically.
	// Unless force is set, events at or below the checkpoint are skipped and
	// applied reports false.
	Apply(ctx context.Context, target Target, evt event.Event, force bool, fn ApplyFunc) (applied bool, err error)
	// Checkpoint returns the last applied version for a stream.
	Checkpoint(ctx context.Context, target Target, stream event.StreamID) (uint64, error)
	ActiveGeneration(ctx context.Context, projection string) (int64, error)
	// BeginRebuild allocates and clears a shadow generation or returns ErrRebuildInProgress.
	BeginRebuild(ctx context.Context, projection string) (int64, error)
	// CompleteRebuild swaps the shadow generation in and drops the previous one.
	CompleteRebuild(ctx context.Context, projection string, shadow int64) error
	// AbortRebuild drops the shadow generation and clears the rebuild marker.
	AbortRebuild(ctx context.Context, projection string, shadow int64) error
	Get(ctx context.Context, projection, key string) (*projection.Record, error)
	Query(ctx context.Context, projection string, filter Filter) ([]projection.Record, error)
}
