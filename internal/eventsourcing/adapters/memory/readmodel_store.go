package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/shared/projection"
)

var _ ports.ReadModelStore = (*ReadModelStore)(nil)

type generationKey struct {
	projection string
	generation int64
}

type generationState struct {
	active int64
	shadow int64
}

type storedDoc struct {
	doc       json.RawMessage
	createdAt time.Time
	updatedAt time.Time
}

// ReadModelStore keeps projection documents and checkpoints in memory.
type ReadModelStore struct {
	mu          sync.RWMutex
	generations map[string]*generationState
	docs        map[generationKey]map[string]storedDoc
	checkpoints map[generationKey]map[event.StreamID]uint64
	now         func() time.Time
}

// NewReadModelStore constructs an empty store.
func NewReadModelStore() *ReadModelStore {
	return &ReadModelStore{
		generations: map[string]*generationState{},
		docs:        map[generationKey]map[string]storedDoc{},
		checkpoints: map[generationKey]map[event.StreamID]uint64{},
		now:         time.Now,
	}
}

// WithClock overrides the time source for deterministic testing.
func (s *ReadModelStore) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *ReadModelStore) state(name string) *generationState {
	st, ok := s.generations[name]
	if !ok {
		st = &generationState{active: 1}
		s.generations[name] = st
	}
	return st
}

func (s *ReadModelStore) resolve(target ports.Target) generationKey {
	generation := target.Generation
	if generation == 0 {
		generation = s.state(target.Projection).active
	}
	return generationKey{projection: target.Projection, generation: generation}
}

func (s *ReadModelStore) Apply(ctx context.Context, target ports.Target, evt event.Event, force bool, fn ports.ApplyFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.resolve(target)
	stream := evt.Stream()
	last := s.checkpoints[key][stream]
	if !force && evt.Version <= last {
		return false, nil
	}
	tx := &docTx{base: s.docs[key], writes: map[string]json.RawMessage{}, deletes: map[string]bool{}}
	if err := fn(tx); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	docs := s.docs[key]
	if docs == nil {
		docs = map[string]storedDoc{}
		s.docs[key] = docs
	}
	for k := range tx.deletes {
		delete(docs, k)
	}
	for k, raw := range tx.writes {
		existing, ok := docs[k]
		created := now
		if ok {
			created = existing.createdAt
		}
		docs[k] = storedDoc{doc: raw, createdAt: created, updatedAt: now}
	}
	cps := s.checkpoints[key]
	if cps == nil {
		cps = map[event.StreamID]uint64{}
		s.checkpoints[key] = cps
	}
	if evt.Version > last {
		cps[stream] = evt.Version
	}
	return true, nil
}

func (s *ReadModelStore) Checkpoint(ctx context.Context, target ports.Target, stream event.StreamID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[s.resolve(target)][stream], nil
}

func (s *ReadModelStore) ActiveGeneration(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(name).active, nil
}

func (s *ReadModelStore) BeginRebuild(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(name)
	if st.shadow != 0 {
		return 0, fmt.Errorf("%w: %s", ports.ErrRebuildInProgress, name)
	}
	st.shadow = st.active + 1
	key := generationKey{projection: name, generation: st.shadow}
	delete(s.docs, key)
	delete(s.checkpoints, key)
	return st.shadow, nil
}

func (s *ReadModelStore) CompleteRebuild(ctx context.Context, name string, shadow int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(name)
	if st.shadow != shadow || shadow == 0 {
		return fmt.Errorf("no rebuild of %s with generation %d in progress", name, shadow)
	}
	old := generationKey{projection: name, generation: st.active}
	st.active = shadow
	st.shadow = 0
	delete(s.docs, old)
	delete(s.checkpoints, old)
	return nil
}

func (s *ReadModelStore) AbortRebuild(ctx context.Context, name string, shadow int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(name)
	if st.shadow == shadow {
		st.shadow = 0
	}
	key := generationKey{projection: name, generation: shadow}
	delete(s.docs, key)
	delete(s.checkpoints, key)
	return nil
}

func (s *ReadModelStore) Get(ctx context.Context, name, key string) (*projection.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.resolve(ports.Target{Projection: name})
	doc, ok := s.docs[gen][key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	rec := toRecord(key, gen.generation, doc)
	return &rec, nil
}

func (s *ReadModelStore) Query(ctx context.Context, name string, filter ports.Filter) ([]projection.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	gen := s.resolve(ports.Target{Projection: name})
	matched := make([]projection.Record, 0)
	for key, doc := range s.docs[gen] {
		if filter.Key != "" && key != filter.Key {
			continue
		}
		ok, err := matchesEquals(doc.doc, filter.Equals)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if ok {
			matched = append(matched, toRecord(key, gen.generation, doc))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []projection.Record{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matchesEquals(doc json.RawMessage, equals map[string]any) (bool, error) {
	if len(equals) == 0 {
		return true, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false, err
	}
	for field, want := range equals {
		got, ok := fields[field]
		if !ok {
			return false, nil
		}
		wantRaw, err := json.Marshal(want)
		if err != nil {
			return false, err
		}
		if !jsonEqual(got, wantRaw) {
			return false, nil
		}
	}
	return true, nil
}

func jsonEqual(a, b []byte) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	ar, _ := json.Marshal(av)
	br, _ := json.Marshal(bv)
	return bytes.Equal(ar, br)
}

func toRecord(key string, generation int64, doc storedDoc) projection.Record {
	return projection.Record{
		Key: key,
		Doc: append(json.RawMessage(nil), doc.doc...),
		Metadata: projection.Metadata{
			Generation: generation,
			CreatedAt:  doc.createdAt,
			UpdatedAt:  doc.updatedAt,
		},
	}
}

// docTx stages writes until the surrounding Apply commits.
type docTx struct {
	base    map[string]storedDoc
	writes  map[string]json.RawMessage
	deletes map[string]bool
}

func (t *docTx) Get(key string, dest any) (bool, error) {
	if t.deletes[key] {
		return false, nil
	}
	raw, ok := t.writes[key]
	if !ok {
		doc, exists := t.base[key]
		if !exists {
			return false, nil
		}
		raw = doc.doc
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (t *docTx) Put(key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	delete(t.deletes, key)
	t.writes[key] = raw
	return nil
}

func (t *docTx) Delete(key string) error {
	delete(t.writes, key)
	t.deletes[key] = true
	return nil
}
