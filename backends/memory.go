package backends

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Backend. Entries are copied on the way in and on
// the way out.
type Memory struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*Entry
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[string]map[string]*Entry),
	}
}

func (m *Memory) Open(ctx context.Context, partition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partitions[partition]; !ok {
		m.partitions[partition] = make(map[string]*Entry)
	}
	return nil
}

func (m *Memory) Put(ctx context.Context, partition, key string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[partition]
	if !ok {
		p = make(map[string]*Entry)
		m.partitions[partition] = p
	}
	p[key] = entry.clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, partition, key string) (*Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.partitions[partition][key]
	if !ok {
		return nil, true, nil
	}
	return entry.clone(), false, nil
}

func (m *Memory) Partitions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Delete(ctx context.Context, partition string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.partitions[partition]
	delete(m.partitions, partition)
	return ok, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions = make(map[string]map[string]*Entry)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
