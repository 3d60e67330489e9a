package store

import (
	"context"
	"sort"
	"sync"

	"reteul/internal/types"
)

// MemoryStore keeps facts in maps with a per-field value index.
type MemoryStore struct {
	mu    sync.RWMutex
	facts map[types.FactID]types.Fact
	index [len(types.Fields)]map[string]map[types.FactID]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{facts: make(map[types.FactID]types.Fact)}
	for i := range s.index {
		s.index[i] = make(map[string]map[types.FactID]struct{})
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id types.FactID) (types.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[id]
	if !ok {
		return types.Fact{}, types.ErrFactNotFound
	}
	return f, nil
}

func (s *MemoryStore) Put(_ context.Context, f types.Fact) (types.Fact, error) {
	if f.ID == "" {
		f.ID = types.NewFactID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.facts[f.ID]; ok {
		s.unindex(old)
	}
	s.facts[f.ID] = f
	for _, field := range types.Fields {
		v := f.Field(field)
		ids, ok := s.index[field][v]
		if !ok {
			ids = make(map[types.FactID]struct{})
			s.index[field][v] = ids
		}
		ids[f.ID] = struct{}{}
	}
	return f, nil
}

func (s *MemoryStore) Delete(_ context.Context, id types.FactID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.facts[id]; ok {
		s.unindex(f)
		delete(s.facts, id)
	}
	return nil
}

func (s *MemoryStore) unindex(f types.Fact) {
	for _, field := range types.Fields {
		v := f.Field(field)
		if ids, ok := s.index[field][v]; ok {
			delete(ids, f.ID)
			if len(ids) == 0 {
				delete(s.index[field], v)
			}
		}
	}
}

// FindByField returns the ids of facts whose field equals value, sorted.
func (s *MemoryStore) FindByField(_ context.Context, field types.Field, value string) ([]types.FactID, error) {
	if !field.Valid() {
		return nil, errUnknownField(field)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.FactID, 0, len(s.index[field][value]))
	for id := range s.index[field][value] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// MemoryQueue is an in-process FIFO per network.
type MemoryQueue struct {
	mu      sync.Mutex
	pending map[string][]types.QueuedFact
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{pending: make(map[string][]types.QueuedFact)}
}

func (q *MemoryQueue) Push(_ context.Context, network string, f types.Fact, del bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[network] = append(q.pending[network], types.QueuedFact{Fact: f, Delete: del})
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context, network string) (types.QueuedFact, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.pending[network]
	if len(items) == 0 {
		return types.QueuedFact{}, false, nil
	}
	head := items[0]
	if len(items) == 1 {
		delete(q.pending, network)
	} else {
		q.pending[network] = items[1:]
	}
	return head, true, nil
}

func (q *MemoryQueue) Len(_ context.Context, network string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[network]), nil
}

// All returns every stored fact ordered by id.
func (s *MemoryStore) All(_ context.Context) ([]types.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
