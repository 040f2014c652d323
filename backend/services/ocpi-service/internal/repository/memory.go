package repository

import (
	"context"
	"hash/fnv"
	"sync"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

const lockShards = 256

// MemoryStore keeps resources in process memory. Writes are serialized per key through a
// sharded lock table; reads only take the map lock.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]models.VersionedResource
	shards [lockShards]sync.Mutex
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]models.VersionedResource)}
}

func (s *MemoryStore) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%lockShards]
}

func (s *MemoryStore) TryGet(_ context.Context, key models.ResourceKey) (models.VersionedResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.items[key.Root().String()]
	if !ok {
		return models.VersionedResource{}, ErrNotFound
	}
	return res, nil
}

func (s *MemoryStore) AddOrUpdate(ctx context.Context, res models.VersionedResource, allowDowngrade bool) (WriteResult, error) {
	return s.Mutate(ctx, res.Key, GuardedWrite(res, allowDowngrade))
}

func (s *MemoryStore) Mutate(ctx context.Context, key models.ResourceKey, fn MutateFunc) (WriteResult, error) {
	id := key.Root().String()
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	s.mu.RLock()
	current, exists := s.items[id]
	s.mu.RUnlock()

	var currentPtr *models.VersionedResource
	if exists {
		currentPtr = &current
	}
	next, err := fn(currentPtr)
	if err != nil {
		return WriteResult{}, err
	}
	next.Key = key.Root()

	s.mu.Lock()
	s.items[id] = next
	s.mu.Unlock()
	return WriteResult{Resource: next, Created: !exists}, nil
}

func (s *MemoryStore) Remove(_ context.Context, key models.ResourceKey) error {
	id := key.Root().String()
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) (Page, error) {
	s.mu.RLock()
	matched := make([]models.VersionedResource, 0)
	for _, res := range s.items {
		if filter.matches(res) {
			matched = append(matched, res)
		}
	}
	s.mu.RUnlock()

	sortResources(matched)
	return Page{Items: paginate(matched, filter.Offset, filter.Limit), Total: len(matched)}, nil
}
