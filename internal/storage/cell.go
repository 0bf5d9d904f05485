package storage

import "sync"

// ConfigCell holds the active ObjectStore behind a version counter so the
// store can be swapped at runtime. Callers snapshot once per operation;
// a transfer that started on version N keeps using N even if a swap lands
// mid-stream.
type ConfigCell struct {
	mu      sync.RWMutex
	version int64
	store   ObjectStore
}

func NewConfigCell(initial ObjectStore) *ConfigCell {
	return &ConfigCell{version: 1, store: initial}
}

// Current returns the active store and its version.
func (c *ConfigCell) Current() (ObjectStore, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store, c.version
}

// Swap installs a new store and bumps the version. The previous store is
// returned so the caller can close it once in-flight transfers drain.
func (c *ConfigCell) Swap(next ObjectStore) (previous ObjectStore, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.store
	c.store = next
	c.version++
	return previous, c.version
}
