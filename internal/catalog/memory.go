package catalog

import (
	"context"
	"sync"

	"wallhost/internal/wallpaper"
)

// MemoryStore keeps the catalog in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	defs   map[string]wallpaper.Definition
	active map[int64]string
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:   make(map[string]wallpaper.Definition),
		active: make(map[int64]string),
	}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, def wallpaper.Definition) error {
	if err := validateID(def.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def
	return nil
}

// Delete implements Store. Deleting an unknown id is not an error.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.defs, id)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (wallpaper.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[id]
	if !ok {
		return wallpaper.Definition{}, notFound(id)
	}
	return def, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]wallpaper.Definition, error) {
	o := buildOptions(opts)
	m.mu.RLock()
	out := make([]wallpaper.Definition, 0, len(m.defs))
	for _, def := range m.defs {
		if o.match(def) {
			out = append(out, def)
		}
	}
	m.mu.RUnlock()
	return o.finish(out), nil
}

// SetActive implements Store.
func (m *MemoryStore) SetActive(_ context.Context, hwnd int64, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return notFound(id)
	}
	m.active[hwnd] = id
	return nil
}

// Active implements Store.
func (m *MemoryStore) Active(_ context.Context, hwnd int64) (wallpaper.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[hwnd]
	if !ok {
		return wallpaper.Definition{}, noActive(hwnd)
	}
	def, ok := m.defs[id]
	if !ok {
		return wallpaper.Definition{}, notFound(id)
	}
	return def, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
