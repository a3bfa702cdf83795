package usecase

import (
	"context"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
	"github.com/paulmach/orb"
)

// TileLayer is the dispatcher as seen by the use case.
type TileLayer interface {
	GetTile(t tile.MapTile, allowRemote bool) (*tile.Image, bool)
	InFlight(t tile.MapTile) bool
	IsUnreachable(t tile.MapTile) bool

	CacheKey() string
	MinZoom() int
	MaxZoom() int
	BoundingBox() (orb.Bound, bool)
	CenterCoordinate() (orb.Point, bool)
	CenterZoom() float64
	TileSizePixels() int
}

type TileResult struct {
	Image *tile.Image
	Stale bool
}

type LayerInfo struct {
	Name       string    `json:"name"`
	MinZoom    int       `json:"minzoom"`
	MaxZoom    int       `json:"maxzoom"`
	Bounds     []float64 `json:"bounds,omitempty"`
	Center     []float64 `json:"center,omitempty"`
	CenterZoom float64   `json:"center_zoom"`
	TileSize   int       `json:"tile_size"`
}

type TileUseCase struct {
	layer       TileLayer
	notifier    *Notifier
	waitTimeout time.Duration
	logger      logger.Logger
}

func NewTileUseCase(layer TileLayer, n *Notifier, waitTimeout time.Duration, l logger.Logger) *TileUseCase {
	return &TileUseCase{
		layer:       layer,
		notifier:    n,
		waitTimeout: waitTimeout,
		logger:      l,
	}
}

// GetTile serves t from memory when possible and otherwise waits for the
// provider chain to report back, bounded by ctx and the configured timeout.
// A stale image is returned as soon as it is known; the refresh continues in
// the background.
func (uc *TileUseCase) GetTile(ctx context.Context, t tile.MapTile) (TileResult, error) {
	if !t.Valid() {
		return TileResult{}, ErrInvalidTile
	}

	// subscribe first so a failure reported inside GetTile is not missed
	results, cancel := uc.notifier.Subscribe(t)
	defer cancel()

	if img, ok := uc.layer.GetTile(t, true); ok {
		return TileResult{Image: img}, nil
	}

	select {
	case r := <-results:
		return uc.resolve(t, r)
	default:
	}

	if uc.layer.IsUnreachable(t) && !uc.layer.InFlight(t) {
		uc.logger.Debug("tile rejected while offline", "tile", t.String())
		return TileResult{}, ErrTileUnavailable
	}

	if uc.waitTimeout > 0 {
		var cancelWait context.CancelFunc
		ctx, cancelWait = context.WithTimeout(ctx, uc.waitTimeout)
		defer cancelWait()
	}

	select {
	case r := <-results:
		return uc.resolve(t, r)
	case <-ctx.Done():
		uc.logger.Warn("timed out waiting for tile", "tile", t.String(), "error", ctx.Err())
		return TileResult{}, ErrTimeout
	}
}

func (uc *TileUseCase) resolve(t tile.MapTile, r Result) (TileResult, error) {
	if r.Err != nil {
		return TileResult{}, r.Err
	}
	if r.Stale {
		uc.logger.Debug("serving stale tile", "tile", t.String())
	}
	return TileResult{Image: r.Image, Stale: r.Stale}, nil
}

// Layer describes the combined coverage of every provider in the chain.
func (uc *TileUseCase) Layer() LayerInfo {
	info := LayerInfo{
		Name:       uc.layer.CacheKey(),
		MinZoom:    uc.layer.MinZoom(),
		MaxZoom:    uc.layer.MaxZoom(),
		CenterZoom: uc.layer.CenterZoom(),
		TileSize:   uc.layer.TileSizePixels(),
	}
	if b, ok := uc.layer.BoundingBox(); ok {
		info.Bounds = []float64{b.Left(), b.Bottom(), b.Right(), b.Top()}
	}
	if c, ok := uc.layer.CenterCoordinate(); ok {
		info.Center = []float64{c.Lon(), c.Lat()}
	}
	return info
}
