// Package projection translates chain events and reconciliation decisions
// into store operations, enforcing the one-way position lifecycle
// ORDER -> OPEN -> CLOSED/CANCELLED.
package projection

import (
	"context"
	"fmt"
	"sync"

	"github.com/perpdex/perpindexer/internal/domain"
)

// AssetCache is an in-process read-through cache over the assets table.
// Assets are immutable after creation, so entries are monotonic: once
// resolved they are never invalidated within a run.
type AssetCache struct {
	store domain.AssetStore

	mu     sync.RWMutex
	assets map[uint32]domain.Asset
}

// NewAssetCache creates an AssetCache resolving misses through store.
func NewAssetCache(store domain.AssetStore) *AssetCache {
	return &AssetCache{
		store:  store,
		assets: make(map[uint32]domain.Asset),
	}
}

// Resolve returns the asset metadata for id, loading it from the store on
// first use. A missing asset is a configuration defect surfaced as
// ErrNotFound.
func (c *AssetCache) Resolve(ctx context.Context, id uint32) (domain.Asset, error) {
	c.mu.RLock()
	a, ok := c.assets[id]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	a, err := c.store.Get(ctx, id)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("projection: resolve asset %d: %w", id, err)
	}

	c.mu.Lock()
	c.assets[id] = a
	c.mu.Unlock()
	return a, nil
}
