// Package tile holds the identity and payload types shared by every layer
// of the tile pipeline.
package tile

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level a MapTile may address.
const MaxZoom = 22

// MapTile addresses a single tile. It is comparable and used directly as a
// map key by the caches and the dispatcher's working set.
type MapTile struct {
	Zoom int
	X    int
	Y    int
}

func New(z, x, y int) MapTile {
	return MapTile{Zoom: z, X: x, Y: y}
}

// Valid reports whether the tile lies inside the XYZ grid of its zoom level.
func (t MapTile) Valid() bool {
	if t.Zoom < 0 || t.Zoom > MaxZoom {
		return false
	}
	n := 1 << t.Zoom
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// TMSRow converts the XYZ row to the flipped TMS row used by MBTiles.
func (t MapTile) TMSRow() int {
	return (1 << t.Zoom) - 1 - t.Y
}

// Bound returns the tile's extent in longitude/latitude.
func (t MapTile) Bound() orb.Bound {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Zoom)).Bound()
}

func (t MapTile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// Image is an opaque tile payload. A nil Image is "absent".
type Image struct {
	Data    []byte
	Expires time.Time

	inUse atomic.Bool
}

func NewImage(data []byte, expires time.Time) *Image {
	return &Image{Data: data, Expires: expires}
}

// Valid reports whether the image carries any bytes.
func (i *Image) Valid() bool {
	return i != nil && len(i.Data) > 0
}

// Expired reports whether the image is past its expiry. A zero Expires never
// expires.
func (i *Image) Expired(now time.Time) bool {
	if i == nil {
		return true
	}
	return !i.Expires.IsZero() && now.After(i.Expires)
}

func (i *Image) MarkInUse() {
	i.inUse.Store(true)
}

func (i *Image) InUse() bool {
	return i.inUse.Load()
}
