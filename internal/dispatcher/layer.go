package dispatcher

import (
	"github.com/paulmach/orb"
)

// The aggregate queries below fold over the live provider list.

// MinZoom is the lowest zoom every provider can serve.
func (d *TileLayerArray) MinZoom() int {
	result := MinimumZoomLevel

	d.providersMu.RLock()
	defer d.providersMu.RUnlock()

	for _, p := range d.providers {
		result = max(result, p.MinZoom())
	}
	return result
}

// MaxZoom is the highest zoom every provider can serve.
func (d *TileLayerArray) MaxZoom() int {
	result := MaximumZoomLevel

	d.providersMu.RLock()
	defer d.providersMu.RUnlock()

	for _, p := range d.providers {
		result = min(result, p.MaxZoom())
	}
	return result
}

func (d *TileLayerArray) BoundingBox() (orb.Bound, bool) {
	d.providersMu.RLock()
	defer d.providersMu.RUnlock()

	var (
		result orb.Bound
		found  bool
	)
	for _, p := range d.providers {
		b, ok := p.BoundingBox()
		if !ok {
			continue
		}
		if !found {
			result, found = b, true
			continue
		}
		result = result.Union(b)
	}
	return result, found
}

func (d *TileLayerArray) CenterCoordinate() (orb.Point, bool) {
	d.providersMu.RLock()
	defer d.providersMu.RUnlock()

	var lon, lat float64
	n := 0
	for _, p := range d.providers {
		c, ok := p.CenterCoordinate()
		if !ok {
			continue
		}
		lon += c.Lon()
		lat += c.Lat()
		n++
	}

	if n == 0 {
		return orb.Point{}, false
	}
	return orb.Point{lon / float64(n), lat / float64(n)}, true
}

// CenterZoom averages the providers that report a center zoom, zero
// included. With no reports it falls back to the middle of the zoom range.
func (d *TileLayerArray) CenterZoom() float64 {
	var sum float64
	n := 0

	d.providersMu.RLock()
	for _, p := range d.providers {
		if z, ok := p.CenterZoom(); ok {
			sum += z
			n++
		}
	}
	d.providersMu.RUnlock()

	if n > 0 {
		return sum / float64(n)
	}
	return float64(d.MaxZoom()+d.MinZoom()) / 2
}

// TileSizePixels is the first provider's tile size, 0 without providers.
func (d *TileLayerArray) TileSizePixels() int {
	d.providersMu.RLock()
	defer d.providersMu.RUnlock()

	if len(d.providers) == 0 {
		return 0
	}
	return d.providers[0].TileSizePixels()
}
