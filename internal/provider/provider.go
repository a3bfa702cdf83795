// Package provider defines the tile provider contract used by the dispatcher
// and the concrete fetch strategies: MBTiles archives, the persistent tile
// store and the upstream tile server.
package provider

import (
	"errors"

	"github.com/paulmach/orb"
)

var (
	ErrTileNotFound = errors.New("tile not found")
	ErrDetached     = errors.New("provider detached")
	ErrTileTooLarge = errors.New("tile exceeds maximum size")
)

// Provider resolves tiles asynchronously. FetchAsync must return without
// blocking and report the outcome through the RequestState exactly once.
type Provider interface {
	Name() string
	CacheKey() string
	MinZoom() int
	MaxZoom() int
	RequiresNetwork() bool

	FetchAsync(state *RequestState)
	// Detach releases the provider's resources. Safe to call more than once.
	Detach() error

	BoundingBox() (orb.Bound, bool)
	CenterCoordinate() (orb.Point, bool)
	CenterZoom() (float64, bool)
	TileSizePixels() int
}

// Eligible reports whether p may be asked for a tile at zoom. networkUsable
// is false when the network is down or the consumer opted out of data
// connections.
func Eligible(p Provider, zoom int, networkUsable bool) bool {
	if p.RequiresNetwork() && !networkUsable {
		return false
	}
	return zoom >= p.MinZoom() && zoom <= p.MaxZoom()
}

const defaultTileSize = 256

// Info carries the static description every provider shares and implements
// the metadata half of Provider.
type Info struct {
	name       string
	minZoom    int
	maxZoom    int
	tileSize   int
	bounds     *orb.Bound
	center     *orb.Point
	centerZoom *float64
}

func NewInfo(name string, minZoom, maxZoom, tileSize int) Info {
	if tileSize <= 0 {
		tileSize = defaultTileSize
	}
	return Info{
		name:     name,
		minZoom:  minZoom,
		maxZoom:  maxZoom,
		tileSize: tileSize,
	}
}

func (i *Info) SetBounds(b orb.Bound) {
	i.bounds = &b
}

func (i *Info) SetCenter(p orb.Point, zoom float64) {
	i.center = &p
	i.centerZoom = &zoom
}

func (i *Info) Name() string     { return i.name }
func (i *Info) CacheKey() string { return i.name }
func (i *Info) MinZoom() int     { return i.minZoom }
func (i *Info) MaxZoom() int     { return i.maxZoom }

func (i *Info) TileSizePixels() int { return i.tileSize }

func (i *Info) BoundingBox() (orb.Bound, bool) {
	if i.bounds == nil {
		return orb.Bound{}, false
	}
	return *i.bounds, true
}

func (i *Info) CenterCoordinate() (orb.Point, bool) {
	if i.center == nil {
		return orb.Point{}, false
	}
	return *i.center, true
}

func (i *Info) CenterZoom() (float64, bool) {
	if i.centerZoom == nil {
		return 0, false
	}
	return *i.centerZoom, true
}
