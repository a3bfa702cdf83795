package cache

import (
	"sync"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
)

type MapCache struct {
	m *TypedSyncMap
}

type TypedSyncMap struct {
	m sync.Map
}

func (c *TypedSyncMap) Load(k tile.MapTile) (TileCacheValue, bool) {
	v, exists := c.m.Load(k)
	if !exists {
		return TileCacheValue{}, false
	}
	return v.(TileCacheValue), exists
}

func (c *TypedSyncMap) Store(k tile.MapTile, v TileCacheValue) {
	c.m.Store(k, v)
}

func NewMapCache() *MapCache {
	return &MapCache{
		m: &TypedSyncMap{},
	}
}

var _ TileCache = (*MapCache)(nil)

func (c *MapCache) Get(k tile.MapTile) (TileCacheValue, bool, error) {
	v, exists := c.m.Load(k)
	return v, exists, nil
}

func (c *MapCache) Set(k tile.MapTile, v TileCacheValue) error {
	c.m.Store(k, v)
	return nil
}

func (c *MapCache) Close() error {
	return nil
}
