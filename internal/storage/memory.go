package storage

import (
	"context"
	"sync"
)

// Memory is an in-process store. Mutations and their notifications are
// serialized so listeners observe changes in write order.
type Memory struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	data    map[string][]byte
	subs    listeners
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return clone(v), ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	old, had := m.data[key]
	m.data[key] = clone(value)
	m.mu.Unlock()

	c := Change{Area: AreaLocal, Key: key, NewValue: clone(value)}
	if had {
		c.OldValue = old
	}
	m.subs.notify(c)
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	old, had := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if had {
		m.subs.notify(Change{Area: AreaLocal, Key: key, OldValue: old, Removed: true})
	}
	return nil
}

func (m *Memory) OnChanged(fn Listener) func() {
	return m.subs.add(fn)
}
