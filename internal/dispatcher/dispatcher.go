// Package dispatcher chains tile providers behind a single GetTile call.
//
// When a tile is requested the TileLayerArray first checks the memory cache
// synchronously and returns the tile if it is there. Otherwise it returns
// nothing and sends the request down the asynchronous provider chain. Each
// provider reports success or failure back; on failure the next eligible
// provider in the chain is tried, and once the chain is exhausted the failure
// is passed to the ResultSink. Only one request per tile is ever in the chain
// at a time.
package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/connectivity"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/provider"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/metrics"
)

const (
	MinimumZoomLevel = 0
	MaximumZoomLevel = tile.MaxZoom
)

// ResultSink receives terminal and intermediate results of tile requests.
type ResultSink interface {
	RequestCompleted(t tile.MapTile, img *tile.Image)
	RequestFailed(t tile.MapTile)
	RequestExpired(t tile.MapTile, img *tile.Image)
}

// MemoryCache is the synchronous lookup consulted before any provider.
type MemoryCache interface {
	Lookup(t tile.MapTile) (*tile.Image, bool)
}

// TileSource describes the layer being served.
type TileSource interface {
	Name() string
	Detach() error
}

type Options struct {
	Cache MemoryCache
	Sink  ResultSink
	// Oracle may be nil, meaning the network is always available.
	Oracle            connectivity.Oracle
	UseDataConnection bool
	Logger            logger.Logger
}

// TileLayerArray owns the provider chain, the working set of in-flight
// requests and the set of tiles that failed while offline. Each of the three
// is guarded by its own lock and no lock is held while calling a provider or
// the sink.
type TileLayerArray struct {
	cache             MemoryCache
	sink              ResultSink
	oracle            connectivity.Oracle
	useDataConnection atomic.Bool
	logger            logger.Logger
	now               func() time.Time

	sourceMu sync.RWMutex
	source   TileSource
	cacheKey string

	workingMu sync.RWMutex
	working   map[tile.MapTile]*provider.RequestState

	unreachableMu sync.RWMutex
	unreachable   map[tile.MapTile]struct{}

	providersMu sync.RWMutex
	providers   []provider.Provider
}

var _ provider.Callback = (*TileLayerArray)(nil)

// New builds a dispatcher over providers, tried in the given order. The first
// provider's cache key becomes the dispatcher's.
func New(source TileSource, providers []provider.Provider, opts Options) *TileLayerArray {
	d := &TileLayerArray{
		cache:       opts.Cache,
		sink:        opts.Sink,
		oracle:      opts.Oracle,
		logger:      opts.Logger,
		now:         time.Now,
		source:      source,
		working:     make(map[tile.MapTile]*provider.RequestState),
		unreachable: make(map[tile.MapTile]struct{}),
		providers:   append([]provider.Provider(nil), providers...),
	}
	if d.sink == nil {
		d.sink = nopSink{}
	}
	if d.logger == nil {
		d.logger = logger.NewNoOpLogger()
	}
	d.useDataConnection.Store(opts.UseDataConnection)

	switch {
	case len(providers) > 0:
		d.cacheKey = providers[0].CacheKey()
	case source != nil:
		d.cacheKey = source.Name()
	}

	return d
}

func (d *TileLayerArray) CacheKey() string {
	d.sourceMu.RLock()
	defer d.sourceMu.RUnlock()
	return d.cacheKey
}

func (d *TileLayerArray) TileSource() TileSource {
	d.sourceMu.RLock()
	defer d.sourceMu.RUnlock()
	return d.source
}

// SetUseDataConnection lets the consumer opt out of providers that need the
// network. Opting out also forgets every unreachable tile on the next GetTile.
func (d *TileLayerArray) SetUseDataConnection(use bool) {
	d.useDataConnection.Store(use)
}

func (d *TileLayerArray) UseDataConnection() bool {
	return d.useDataConnection.Load()
}

func (d *TileLayerArray) networkAvailable() bool {
	return d.oracle == nil || d.oracle.Available()
}

// GetTile returns the tile if the memory cache holds a fresh copy. Otherwise,
// when allowRemote is set, it starts a request down the provider chain and
// returns nothing; the result arrives later through the ResultSink.
func (d *TileLayerArray) GetTile(t tile.MapTile, allowRemote bool) (*tile.Image, bool) {
	if d.tileUnavailable(t) {
		metrics.UnreachableRejections.Inc()
		return nil, false
	}

	if d.cache != nil {
		if img, ok := d.cache.Lookup(t); ok && img.Valid() && !img.Expired(d.now()) {
			img.MarkInUse()
			metrics.MemCacheHits.Inc()
			return img, true
		}
	}
	metrics.MemCacheMisses.Inc()

	if !allowRemote {
		return nil, false
	}

	if d.InFlight(t) {
		metrics.DeduplicatedRequests.Inc()
		return nil, false
	}

	state := provider.NewRequestState(t, d.snapshotProviders(), d)

	if !d.startWorking(t, state) {
		metrics.DeduplicatedRequests.Inc()
		return nil, false
	}

	if p := d.findNextAppropriateProvider(state); p != nil {
		d.logger.Debug("tile request started", "tile", t.String(), "provider", p.Name())
		p.FetchAsync(state)
	} else {
		d.RequestFailed(state)
	}

	return nil, false
}

// tileUnavailable reports whether t failed while offline and the network is
// still down. The set may be cleared here, so the write lock is taken up
// front rather than upgrading from a read lock.
func (d *TileLayerArray) tileUnavailable(t tile.MapTile) bool {
	d.unreachableMu.Lock()
	defer d.unreachableMu.Unlock()

	if len(d.unreachable) == 0 {
		return false
	}

	if d.networkAvailable() || !d.useDataConnection.Load() {
		clear(d.unreachable)
		return false
	}

	_, ok := d.unreachable[t]
	return ok
}

func (d *TileLayerArray) markUnreachable(t tile.MapTile) {
	d.unreachableMu.Lock()
	defer d.unreachableMu.Unlock()

	d.unreachable[t] = struct{}{}
	metrics.UnreachableAdditions.Inc()
}

// IsUnreachable reports set membership without the lazy clearing done by
// GetTile.
func (d *TileLayerArray) IsUnreachable(t tile.MapTile) bool {
	d.unreachableMu.RLock()
	defer d.unreachableMu.RUnlock()

	_, ok := d.unreachable[t]
	return ok
}

func (d *TileLayerArray) InFlight(t tile.MapTile) bool {
	d.workingMu.RLock()
	defer d.workingMu.RUnlock()

	_, ok := d.working[t]
	return ok
}

func (d *TileLayerArray) WorkingCount() int {
	d.workingMu.RLock()
	defer d.workingMu.RUnlock()

	return len(d.working)
}

// startWorking inserts state unless another request for t got there first.
func (d *TileLayerArray) startWorking(t tile.MapTile, state *provider.RequestState) bool {
	d.workingMu.Lock()
	defer d.workingMu.Unlock()

	if _, exists := d.working[t]; exists {
		return false
	}
	d.working[t] = state
	metrics.WorkingSetSize.Set(float64(len(d.working)))
	return true
}

// stopWorking removes state from the working set. An entry that belongs to a
// newer request for the same tile is left alone.
func (d *TileLayerArray) stopWorking(state *provider.RequestState) {
	d.workingMu.Lock()
	defer d.workingMu.Unlock()

	t := state.Tile()
	if d.working[t] == state {
		delete(d.working, t)
	}
	metrics.WorkingSetSize.Set(float64(len(d.working)))
}

func (d *TileLayerArray) RequestCompleted(state *provider.RequestState, img *tile.Image) {
	d.stopWorking(state)
	metrics.RequestOutcomes.WithLabelValues("completed").Inc()
	d.sink.RequestCompleted(state.Tile(), img)
}

func (d *TileLayerArray) RequestFailed(state *provider.RequestState) {
	t := state.Tile()

	if next := d.findNextAppropriateProvider(state); next != nil {
		d.logger.Debug("tile request falling back", "tile", t.String(), "provider", next.Name())
		next.FetchAsync(state)
		return
	}

	d.stopWorking(state)

	// teardown failures say nothing about the tile
	if !d.networkAvailable() && !state.HitDetachedProvider() {
		d.markUnreachable(t)
	}

	d.logger.Debug("tile request failed", "tile", t.String())
	metrics.RequestOutcomes.WithLabelValues("failed").Inc()
	d.sink.RequestFailed(t)
}

// RequestExpiredButUsable hands the stale image to the sink first so the
// consumer has something to show, then keeps walking the chain to refresh it.
func (d *TileLayerArray) RequestExpiredButUsable(state *provider.RequestState, img *tile.Image) {
	t := state.Tile()

	d.sink.RequestExpired(t, img)

	if next := d.findNextAppropriateProvider(state); next != nil {
		d.logger.Debug("refreshing expired tile", "tile", t.String(), "provider", next.Name())
		next.FetchAsync(state)
		return
	}

	d.stopWorking(state)
	metrics.RequestOutcomes.WithLabelValues("expired").Inc()
}

// findNextAppropriateProvider skips providers that were removed from the
// chain, that need a data connection that is not there, or that cannot serve
// the tile's zoom level.
func (d *TileLayerArray) findNextAppropriateProvider(state *provider.RequestState) provider.Provider {
	networkUsable := d.useDataConnection.Load() && d.networkAvailable()
	zoom := state.Tile().Zoom

	for p := state.NextProvider(); p != nil; p = state.NextProvider() {
		if !d.ProviderExists(p) {
			continue
		}
		if !provider.Eligible(p, zoom, networkUsable) {
			continue
		}
		return p
	}
	return nil
}

func (d *TileLayerArray) ProviderExists(p provider.Provider) bool {
	d.providersMu.RLock()
	defer d.providersMu.RUnlock()

	for _, candidate := range d.providers {
		if candidate == p {
			return true
		}
	}
	return false
}

func (d *TileLayerArray) snapshotProviders() []provider.Provider {
	d.providersMu.RLock()
	defer d.providersMu.RUnlock()

	return append([]provider.Provider(nil), d.providers...)
}

// AddProvider appends p to the end of the chain.
func (d *TileLayerArray) AddProvider(p provider.Provider) {
	d.providersMu.Lock()
	defer d.providersMu.Unlock()

	d.providers = append(d.providers, p)
}

func (d *TileLayerArray) HasNoSource() bool {
	d.providersMu.RLock()
	defer d.providersMu.RUnlock()

	return len(d.providers) == 0
}

// SetTileSource swaps the layer description, forgets unreachable tiles and
// empties the provider chain. Callers register the new providers with
// AddProvider. Requests already in flight keep their own snapshot.
func (d *TileLayerArray) SetTileSource(source TileSource) {
	d.sourceMu.Lock()
	d.source = source
	if source != nil {
		d.cacheKey = source.Name()
	}
	d.sourceMu.Unlock()

	d.unreachableMu.Lock()
	clear(d.unreachable)
	d.unreachableMu.Unlock()

	d.providersMu.Lock()
	d.providers = nil
	d.providersMu.Unlock()
}

// Detach tears down the tile source and every provider, then forgets all
// in-flight requests. A provider that fails to detach is logged and skipped.
func (d *TileLayerArray) Detach() {
	if source := d.TileSource(); source != nil {
		if err := source.Detach(); err != nil {
			d.logger.Warn("failed to detach tile source", "source", source.Name(), "error", err)
		}
	}

	// providers wait for their fetches on Detach and those fetches call back
	// into the dispatcher, so the list lock must not be held here
	for _, p := range d.snapshotProviders() {
		d.detachProvider(p)
	}

	d.workingMu.Lock()
	clear(d.working)
	metrics.WorkingSetSize.Set(0)
	d.workingMu.Unlock()
}

func (d *TileLayerArray) detachProvider(p provider.Provider) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("provider panicked on detach", "provider", p.Name(), "panic", r)
		}
	}()

	if err := p.Detach(); err != nil {
		d.logger.Warn("failed to detach provider", "provider", p.Name(), "error", err)
	}
}

type nopSink struct{}

func (nopSink) RequestCompleted(tile.MapTile, *tile.Image) {}
func (nopSink) RequestFailed(tile.MapTile)                 {}
func (nopSink) RequestExpired(tile.MapTile, *tile.Image)   {}
