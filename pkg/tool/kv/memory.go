package kv

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store for tests and single-instance development.
// Records are kept as encoded JSON so callers never share maps with the store.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
	Now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{tables: map[string]map[string][]byte{}, Now: time.Now}
}

func (m *Memory) live(table, key string) (Item, bool) {
	raw, ok := m.tables[table][key]
	if !ok {
		return nil, false
	}
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, false
	}
	if it.Expired(m.Now()) {
		return nil, false
	}
	return it, true
}

func (m *Memory) write(table, key string, it Item) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return err
	}
	if m.tables[table] == nil {
		m.tables[table] = map[string][]byte{}
	}
	m.tables[table][key] = raw
	return nil
}

func (m *Memory) Get(_ context.Context, table, key string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.live(table, key)
	if !ok {
		return nil, ErrNotFound
	}
	return it, nil
}

func (m *Memory) Put(_ context.Context, table, key string, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(table, key, item)
}

func (m *Memory) Create(_ context.Context, table, key string, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.Expired(m.Now()) {
		return ErrExpired
	}
	if _, ok := m.live(table, key); ok {
		return ErrConditionFailed
	}
	return m.write(table, key, item)
}

func (m *Memory) ConditionalUpdate(_ context.Context, table, key string, expect, set Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(table, key)
	if !ok {
		return ErrNotFound
	}
	if !it.Matches(expect) {
		return ErrConditionFailed
	}
	return m.write(table, key, it.Merge(set))
}

func (m *Memory) Delete(_ context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
	return nil
}

func (m *Memory) Scan(_ context.Context, table string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.tables[table]))
	for k := range m.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		if it, ok := m.live(table, k); ok {
			out = append(out, it)
		}
	}
	return out, nil
}
