// Package memcache is the synchronous in-memory tile layer consulted before
// any provider is asked for a tile.
package memcache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
)

type Cache struct {
	lru *lru.Cache[tile.MapTile, *tile.Image]
}

func New(size int) (*Cache, error) {
	l, err := lru.New[tile.MapTile, *tile.Image](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &Cache{lru: l}, nil
}

// Lookup returns the cached image, stale or not. Callers check
// Valid/Expired themselves.
func (c *Cache) Lookup(t tile.MapTile) (*tile.Image, bool) {
	return c.lru.Get(t)
}

func (c *Cache) Put(t tile.MapTile, img *tile.Image) {
	c.lru.Add(t, img)
}

func (c *Cache) Remove(t tile.MapTile) {
	c.lru.Remove(t)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
