package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 构建进程内缓存存储，进程退出后数据即丢失。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	entries map[string]*Response
	deleted bool
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	store := s.stores[name]
	if store == nil {
		store = &memoryStore{name: name, entries: make(map[string]*Response)}
		s.stores[name] = store
	}
	return store, nil
}

func (s *memoryStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		return nil, ErrNotFound
	}
	return store, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	store, ok := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	store.mu.Lock()
	store.deleted = true
	store.entries = nil
	store.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (m *memoryStore) Name() string {
	return m.name
}

func (m *memoryStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	hit := resp.Clone()
	hit.Cached = true
	return hit, nil
}

func (m *memoryStore) Put(ctx context.Context, key string, resp *Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	stored := resp.Clone()
	if stored == nil {
		return ErrNotStorable
	}
	stored.Cached = false
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted {
		return ErrStoreDeleted
	}
	m.entries[key] = stored
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
