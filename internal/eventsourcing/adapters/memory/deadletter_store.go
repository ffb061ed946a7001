package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

var _ ports.DeadLetterStore = (*DeadLetterStore)(nil)

type deadLetterKey struct {
	partition int
	eventID   string
	failedAt  int64
}

// DeadLetterStore keeps quarantined events in memory.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries map[int64]ports.DeadLetter
	keys    map[deadLetterKey]int64
}

// NewDeadLetterStore constructs an empty store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{entries: map[int64]ports.DeadLetter{}, keys: map[deadLetterKey]int64{}}
}

func (s *DeadLetterStore) Put(ctx context.Context, entry ports.DeadLetter) (*ports.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deadLetterKey{partition: entry.Partition, eventID: entry.EventID, failedAt: entry.FailedAt.UnixNano()}
	if id, ok := s.keys[key]; ok {
		existing := s.entries[id]
		return &existing, nil
	}
	if entry.Status == "" {
		entry.Status = ports.DeadLetterPending
	}
	s.entries[entry.ID] = entry
	s.keys[key] = entry.ID
	stored := entry
	return &stored, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id int64) (*ports.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &entry, nil
}

func (s *DeadLetterStore) List(ctx context.Context, consumer string, status ports.DeadLetterStatus) ([]ports.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]ports.DeadLetter, 0)
	for _, entry := range s.entries {
		if consumer != "" && entry.Consumer != consumer {
			continue
		}
		if status != "" && entry.Status != status {
			continue
		}
		out = append(out, entry)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out, nil
}

func (s *DeadLetterStore) MarkReplayed(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ports.ErrNotFound
	}
	entry.Status = ports.DeadLetterReplayed
	entry.ReplayedAt = &at
	s.entries[id] = entry
	return nil
}

func (s *DeadLetterStore) RecordFailure(ctx context.Context, id int64, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ports.ErrNotFound
	}
	entry.Attempts++
	entry.Error = cause
	s.entries[id] = entry
	return nil
}
