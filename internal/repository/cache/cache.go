package cache

import (
	"errors"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
)

var ErrUnknownBackend = errors.New("unknown tile store backend")

// TileCacheValue is what the store keeps for a tile: raw bytes plus the
// instant after which they should be refreshed.
type TileCacheValue struct {
	Data    []byte
	Expires time.Time
}

func (v TileCacheValue) Image() *tile.Image {
	return tile.NewImage(v.Data, v.Expires)
}

// TileCache is a persistent tile store. Get returns (value, true, nil) on a
// hit and (zero, false, nil) on a miss; stale values are still returned.
type TileCache interface {
	Get(tile.MapTile) (TileCacheValue, bool, error)
	Set(tile.MapTile, TileCacheValue) error
	Close() error
}
