// SPDX-License-Identifier:Apache-2.0

// Package store holds the in-memory, versioned copy of the flag data.
package store

import (
	"sync"

	"github.com/flagsync/flagsync/internal/datamodel"
)

// DataStore is a versioned, category-partitioned item store.
//
// Writes carrying a version that is not strictly greater than the store
// version are rejected with false; that is ordinary traffic, not an error.
// An error means the store itself failed.
type DataStore interface {
	// Init replaces the whole contents of the store.
	Init(data datamodel.Snapshot, version int64) (bool, error)
	// Upsert replaces a single item, if both the store version and the
	// item timestamp move forward.
	Upsert(cat datamodel.Category, id string, item *datamodel.Item, version int64) (bool, error)
	// Get returns the live item, or nil if it is absent or archived.
	Get(cat datamodel.Category, id string) (*datamodel.Item, error)
	// GetAll returns all live items of a category.
	GetAll(cat datamodel.Category) (map[string]*datamodel.Item, error)
	IsInitialized() bool
	Version() int64
}

// Memory is the in-memory DataStore. Readers share an immutable snapshot
// that writers replace wholesale, so a reader never observes a partially
// applied write.
type Memory struct {
	mu          sync.RWMutex
	snapshot    datamodel.Snapshot
	version     int64
	initialized bool
}

var _ DataStore = &Memory{}

// NewMemory returns an empty, uninitialized store.
func NewMemory() *Memory {
	return &Memory{snapshot: datamodel.Snapshot{}}
}

func (m *Memory) Init(data datamodel.Snapshot, version int64) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if version <= m.version {
		return false, nil
	}

	snap := make(datamodel.Snapshot, len(data))
	for cat, items := range data {
		c := make(map[string]*datamodel.Item, len(items))
		for id, it := range items {
			if it != nil {
				c[id] = it
			}
		}
		snap[cat] = c
	}
	m.snapshot = snap
	m.version = version
	m.initialized = true
	return true, nil
}

func (m *Memory) Upsert(cat datamodel.Category, id string, item *datamodel.Item, version int64) (bool, error) {
	if item == nil {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if version <= m.version {
		return false, nil
	}
	if old, ok := m.snapshot[cat][id]; ok && old.Timestamp >= item.Timestamp {
		return false, nil
	}

	// Copy-on-write: only the touched category map is duplicated, the
	// others are shared with the previous snapshot.
	snap := make(datamodel.Snapshot, len(m.snapshot)+1)
	for c, items := range m.snapshot {
		snap[c] = items
	}
	items := make(map[string]*datamodel.Item, len(m.snapshot[cat])+1)
	for k, v := range m.snapshot[cat] {
		items[k] = v
	}
	items[id] = item
	snap[cat] = items

	m.snapshot = snap
	m.version = version
	m.initialized = true
	return true, nil
}

func (m *Memory) Get(cat datamodel.Category, id string) (*datamodel.Item, error) {
	it := m.current()[cat][id]
	if it == nil || it.Archived {
		return nil, nil
	}
	return it, nil
}

func (m *Memory) GetAll(cat datamodel.Category) (map[string]*datamodel.Item, error) {
	items := m.current()[cat]
	ret := make(map[string]*datamodel.Item, len(items))
	for id, it := range items {
		if !it.Archived {
			ret[id] = it
		}
	}
	return ret, nil
}

func (m *Memory) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *Memory) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// current returns the live snapshot. The returned maps must not be
// modified.
func (m *Memory) current() datamodel.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
