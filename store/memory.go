package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend keeps every collection in memory. Data is lost on restart.
// Safe for concurrent use.
type MemoryBackend struct {
	mu          sync.Mutex
	collections map[string]*memoryEngine
	defaults    collectionConfig
}

// memoryEngine guards one collection's engine.
type memoryEngine struct {
	mu  sync.RWMutex
	eng *engine
}

func (m *memoryEngine) read(_ context.Context, fn func(*engine) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.eng)
}

func (m *memoryEngine) write(_ context.Context, fn func(*engine) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.eng)
}

// memoryCollection is the in-memory adapter.
type memoryCollection struct {
	localCollection
}

func NewMemoryBackend(opts ...CollectionOption) *MemoryBackend {
	b := &MemoryBackend{collections: make(map[string]*memoryEngine)}
	for _, opt := range opts {
		opt(&b.defaults)
	}
	return b
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Collection(_ context.Context, name string, opts ...CollectionOption) (Collection, error) {
	bs, err := newBase(b.Name(), name, b.defaults, opts)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	eng, ok := b.collections[name]
	if !ok {
		eng = &memoryEngine{eng: newEngine()}
		b.collections[name] = eng
	}
	b.mu.Unlock()
	bs.logger.Debug("collection opened")
	return &memoryCollection{localCollection{base: bs, access: eng}}, nil
}

func (b *MemoryBackend) Collections(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name, eng := range b.collections {
		if strings.HasPrefix(name, "_") {
			continue
		}
		eng.mu.RLock()
		n := len(eng.eng.docs)
		eng.mu.RUnlock()
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBackend) Close() error { return nil }
