package ports

import (
	"errors"
	"fmt"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
)

var (
	// ErrConcurrency indicates the expected version did not match the stored version.
	ErrConcurrency = errors.New("concurrency conflict")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSagaExists indicates a saga instance with the same id was already created.
	ErrSagaExists = errors.New("saga already exists")
	// ErrRebuildInProgress indicates a projection rebuild is already running.
	ErrRebuildInProgress = errors.New("projection rebuild already running")
	// ErrIdempotencyConflict indicates the same key was used with a different request.
	ErrIdempotencyConflict = errors.New("idempotency conflict")
)

// ConcurrencyError describes an optimistic concurrency failure on one stream.
type ConcurrencyError struct {
	Stream   event.StreamID
	Expected uint64
	Actual   uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s: stream %s expected version %d, current version %d", ErrConcurrency, e.Stream, e.Expected, e.Actual)
}

// Is lets errors.Is match ErrConcurrency.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}
