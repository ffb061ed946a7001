package ports

import (
	"context"
	"time"
)

// IdempotencyRecord associates a client-supplied key with the command result it produced.
type IdempotencyRecord struct {
	Key           string
	RequestHash   string
	AggregateType string
	AggregateID   string
	Version       uint64
	EventIDs      []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IdempotencyStore persists idempotency keys so command retries can be answered safely.
type IdempotencyStore interface {
	// Get returns the stored record for the key, or nil when unknown.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	// Save persists the record; if the key already exists with the same hash the stored record is returned.
	// When the key exists for a different request, ErrIdempotencyConflict is returned with the stored record.
	Save(ctx context.Context, record IdempotencyRecord) (*IdempotencyRecord, error)
}
