package dispatcher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/provider"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGetTileMemoryHit(t *testing.T) {
	p := newFakeProvider("p", 0, 20)
	cache := newMapCache()
	img := tile.NewImage([]byte("cached"), time.Now().Add(time.Hour))
	cache.put(tile.New(5, 1, 1), img)

	d := newTestDispatcher(newRecordingSink(), cache, nil, p)

	got, ok := d.GetTile(tile.New(5, 1, 1), true)
	require.True(t, ok)
	assert.Same(t, img, got)
	assert.True(t, got.InUse())
	assert.Zero(t, p.calls())
	assert.Zero(t, d.WorkingCount())
}

func TestGetTileWithoutRemote(t *testing.T) {
	p := newFakeProvider("p", 0, 20)
	d := newTestDispatcher(newRecordingSink(), newMapCache(), nil, p)

	_, ok := d.GetTile(tile.New(5, 1, 1), false)
	assert.False(t, ok)
	assert.Zero(t, p.calls())
	assert.False(t, d.InFlight(tile.New(5, 1, 1)))
}

func TestConcurrentRequestsAreDeduplicated(t *testing.T) {
	p := newFakeProvider("p", 0, 20)
	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), nil, p)
	target := tile.New(14, 9000, 5000)

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			if _, ok := d.GetTile(target, true); ok {
				return errors.New("unexpected synchronous tile")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	state := p.next(t)
	assert.Equal(t, 1, p.calls())
	assert.Equal(t, 1, d.WorkingCount())
	assert.True(t, d.InFlight(target))

	state.Completed(tile.NewImage([]byte("png"), time.Time{}))

	e := sink.next(t)
	assert.Equal(t, "completed", e.kind)
	assert.Equal(t, target, e.tile)
	assert.False(t, d.InFlight(target))
	assert.Equal(t, 1, sink.count("completed"))
}

func TestFallbackWalksChainInOrder(t *testing.T) {
	p1 := newFakeProvider("p1", 0, 20)
	p1.handle = failWith
	p2 := newFakeProvider("p2", 0, 20)
	p2.handle = completeWith("from p2")

	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), nil, p1, p2)

	_, ok := d.GetTile(tile.New(3, 2, 1), true)
	assert.False(t, ok)

	e := sink.next(t)
	require.Equal(t, "completed", e.kind)
	assert.Equal(t, []byte("from p2"), e.image.Data)

	require.Equal(t, 1, p1.calls())
	require.Equal(t, 1, p2.calls())
	assert.Same(t, p1.fetched()[0], p2.fetched()[0])
	assert.False(t, d.InFlight(tile.New(3, 2, 1)))
}

func TestChainExhaustionFailsOnce(t *testing.T) {
	p1 := newFakeProvider("p1", 0, 20)
	p1.handle = failWith
	p2 := newFakeProvider("p2", 0, 20)
	p2.handle = failWith

	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), newOracle(true), p1, p2)

	d.GetTile(tile.New(3, 2, 1), true)

	assert.Equal(t, "failed", sink.next(t).kind)
	assert.Equal(t, 1, p1.calls())
	assert.Equal(t, 1, p2.calls())
	assert.Equal(t, 1, sink.count("failed"))
	assert.False(t, d.InFlight(tile.New(3, 2, 1)))
	// online failures are not blacklisted
	assert.False(t, d.IsUnreachable(tile.New(3, 2, 1)))
}

func TestOfflineArchiveAndNetworkScenario(t *testing.T) {
	archive := newFakeProvider("archive", 0, 10)
	network := newFakeProvider("network", 0, 20)
	network.network = true

	sink := newRecordingSink()
	net := newOracle(false)
	d := newTestDispatcher(sink, newMapCache(), net, archive, network)
	target := tile.New(15, 100, 100)

	_, ok := d.GetTile(target, true)
	assert.False(t, ok)

	// nothing was eligible, so the failure is reported before GetTile returns
	require.Equal(t, 1, sink.count("failed"))
	assert.Zero(t, archive.calls())
	assert.Zero(t, network.calls())
	assert.True(t, d.IsUnreachable(target))
	assert.False(t, d.InFlight(target))

	_, ok = d.GetTile(target, true)
	assert.False(t, ok)
	assert.Equal(t, 1, sink.count("failed"))
	assert.Zero(t, network.calls())

	net.up.Store(true)
	d.GetTile(target, true)
	assert.False(t, d.IsUnreachable(target))
	network.next(t)
	assert.Zero(t, archive.calls())
}

func TestUnreachableClearedWhenDataConnectionDisabled(t *testing.T) {
	network := newFakeProvider("network", 0, 20)
	network.network = true
	archive := newFakeProvider("archive", 0, 20)

	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), newOracle(false), network, archive)
	archive.handle = failWith
	target := tile.New(8, 3, 3)

	d.GetTile(target, true)
	require.Equal(t, "failed", sink.next(t).kind)
	require.True(t, d.IsUnreachable(target))

	// opting out forgets the blacklist, so the archive is asked again
	d.SetUseDataConnection(false)
	d.GetTile(target, true)
	assert.Equal(t, 2, archive.calls())
	assert.Equal(t, "failed", sink.next(t).kind)
	assert.Zero(t, network.calls())
}

func TestSetTileSourceResetsChain(t *testing.T) {
	p := newFakeProvider("p", 0, 20)
	p.handle = failWith
	sink := newRecordingSink()
	net := newOracle(false)
	d := newTestDispatcher(sink, newMapCache(), net, p)

	d.GetTile(tile.New(2, 1, 1), true)
	require.Equal(t, "failed", sink.next(t).kind)
	require.True(t, d.IsUnreachable(tile.New(2, 1, 1)))

	src := &fakeSource{name: "replacement"}
	d.SetTileSource(src)

	assert.False(t, d.IsUnreachable(tile.New(2, 1, 1)))
	assert.True(t, d.HasNoSource())
	assert.Equal(t, "replacement", d.CacheKey())
	assert.Same(t, src, d.TileSource())

	_, ok := d.GetTile(tile.New(2, 1, 1), true)
	assert.False(t, ok)
	assert.Equal(t, "failed", sink.next(t).kind)
	assert.Equal(t, 1, p.calls())
}

func TestInFlightSnapshotSurvivesSetTileSource(t *testing.T) {
	p1 := newFakeProvider("p1", 0, 20)
	p2 := newFakeProvider("p2", 0, 20)
	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), nil, p1, p2)

	d.GetTile(tile.New(4, 4, 4), true)
	state := p1.next(t)

	d.SetTileSource(&fakeSource{name: "new"})
	replacement := newFakeProvider("p3", 0, 20)
	d.AddProvider(replacement)

	// p2 left the live chain, so the in-flight request ends instead of using it
	state.Failed()
	assert.Equal(t, "failed", sink.next(t).kind)
	assert.Zero(t, p2.calls())
	assert.Zero(t, replacement.calls())
	assert.False(t, d.InFlight(tile.New(4, 4, 4)))
}

func TestExpiredButUsableDeliversThenRefreshes(t *testing.T) {
	stale := tile.NewImage([]byte("stale"), time.Now().Add(-time.Hour))
	store := newFakeProvider("store", 0, 20)
	store.handle = func(state *provider.RequestState) { state.ExpiredButUsable(stale) }
	network := newFakeProvider("network", 0, 20)
	network.network = true

	cache := newMapCache()
	cache.put(tile.New(6, 6, 6), stale)
	sink := newRecordingSink()
	d := newTestDispatcher(sink, cache, newOracle(true), store, network)
	target := tile.New(6, 6, 6)

	_, ok := d.GetTile(target, true)
	assert.False(t, ok)

	e := sink.next(t)
	require.Equal(t, "expired", e.kind)
	assert.Same(t, stale, e.image)

	refresh := network.next(t)
	assert.True(t, d.InFlight(target))

	_, ok = d.GetTile(target, true)
	assert.False(t, ok)
	assert.Equal(t, 1, store.calls())
	assert.Equal(t, 1, network.calls())

	refresh.Completed(tile.NewImage([]byte("fresh"), time.Now().Add(time.Hour)))
	e = sink.next(t)
	assert.Equal(t, "completed", e.kind)
	assert.Equal(t, []byte("fresh"), e.image.Data)
	assert.False(t, d.InFlight(target))
}

func TestExpiredWithoutRefreshIsNotBlacklisted(t *testing.T) {
	stale := tile.NewImage([]byte("stale"), time.Now().Add(-time.Hour))
	store := newFakeProvider("store", 0, 20)
	store.handle = func(state *provider.RequestState) { state.ExpiredButUsable(stale) }
	network := newFakeProvider("network", 0, 20)
	network.network = true

	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), newOracle(false), store, network)
	target := tile.New(6, 1, 1)

	d.GetTile(target, true)
	assert.Equal(t, "expired", sink.next(t).kind)

	require.Eventually(t, func() bool { return !d.InFlight(target) }, time.Second, time.Millisecond)
	assert.False(t, d.IsUnreachable(target))
	assert.Zero(t, sink.count("failed"))
	assert.Zero(t, network.calls())
}

func TestStaleMemoryEntryStartsRequest(t *testing.T) {
	p := newFakeProvider("p", 0, 20)
	cache := newMapCache()
	cache.put(tile.New(2, 0, 0), tile.NewImage([]byte("old"), time.Now().Add(-time.Minute)))
	cache.put(tile.New(2, 0, 1), tile.NewImage(nil, time.Time{}))

	d := newTestDispatcher(newRecordingSink(), cache, nil, p)

	_, ok := d.GetTile(tile.New(2, 0, 0), true)
	assert.False(t, ok)
	_, ok = d.GetTile(tile.New(2, 0, 1), true)
	assert.False(t, ok)
	assert.Equal(t, 2, p.calls())
}

func TestZoomOutOfRangeFailsSynchronously(t *testing.T) {
	p := newFakeProvider("p", 5, 10)
	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), newOracle(true), p)

	d.GetTile(tile.New(12, 0, 0), true)
	assert.Equal(t, 1, sink.count("failed"))
	assert.Zero(t, p.calls())
	assert.False(t, d.IsUnreachable(tile.New(12, 0, 0)))
}

func TestDetachTearsEverythingDown(t *testing.T) {
	p1 := newFakeProvider("p1", 0, 20)
	p1.detachErr = errors.New("close failed")
	p2 := newFakeProvider("p2", 0, 20)
	p2.detachPanic = true
	p3 := newFakeProvider("p3", 0, 20)

	src := &fakeSource{name: "src"}
	d := New(src, []provider.Provider{p1, p2, p3}, Options{Cache: newMapCache(), UseDataConnection: true})
	assert.Equal(t, "p1", d.CacheKey())

	d.GetTile(tile.New(1, 0, 0), true)
	p1.next(t)
	require.Equal(t, 1, d.WorkingCount())

	d.Detach()
	assert.EqualValues(t, 1, src.detached.Load())
	assert.EqualValues(t, 1, p1.detached.Load())
	assert.EqualValues(t, 1, p2.detached.Load())
	assert.EqualValues(t, 1, p3.detached.Load())
	assert.Zero(t, d.WorkingCount())

	d.Detach()
	assert.EqualValues(t, 2, p3.detached.Load())
}

func TestLateCallbackDoesNotEvictNewerRequest(t *testing.T) {
	p := newFakeProvider("p", 0, 20)
	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), nil, p)
	target := tile.New(9, 9, 9)

	d.GetTile(target, true)
	old := p.next(t)

	d.Detach()
	d.GetTile(target, true)
	p.next(t)
	require.True(t, d.InFlight(target))

	old.Completed(tile.NewImage([]byte("late"), time.Time{}))
	sink.next(t)
	assert.True(t, d.InFlight(target))
}

func TestConcurrentTrafficAcrossTiles(t *testing.T) {
	p1 := newFakeProvider("p1", 0, 20)
	p1.handle = failWith
	p2 := newFakeProvider("p2", 0, 20)
	p2.handle = completeWith("ok")

	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), newOracle(true), p1, p2)

	var wg sync.WaitGroup
	for x := 0; x < 16; x++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				d.GetTile(tile.New(10, x, 0), true)
				assert.Equal(t, 0, d.MinZoom())
				_, ok := d.BoundingBox()
				assert.False(t, ok)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return d.WorkingCount() == 0 && p2.calls() == sink.count("completed")
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, sink.count("failed"))
	assert.Equal(t, p1.calls(), p2.calls())
}

func TestTeardownFailureIsNotBlacklisted(t *testing.T) {
	p := newFakeProvider("p", 0, 20)
	p.handle = func(state *provider.RequestState) { state.FailedDetached() }
	sink := newRecordingSink()
	d := newTestDispatcher(sink, newMapCache(), newOracle(false), p)
	target := tile.New(7, 1, 1)

	d.GetTile(target, true)
	assert.Equal(t, "failed", sink.next(t).kind)
	assert.False(t, d.IsUnreachable(target))

	p.handle = failWith
	d.GetTile(target, true)
	assert.Equal(t, "failed", sink.next(t).kind)
	assert.True(t, d.IsUnreachable(target))
}

func TestAggregates(t *testing.T) {
	withBounds := func(p *fakeProvider, b orb.Bound) *fakeProvider {
		p.SetBounds(b)
		return p
	}
	withCenter := func(p *fakeProvider, c orb.Point, zoom float64) *fakeProvider {
		p.SetCenter(c, zoom)
		return p
	}

	tests := []struct {
		name       string
		providers  []provider.Provider
		minZoom    int
		maxZoom    int
		centerZoom float64
		tileSize   int
		bounds     *orb.Bound
		center     *orb.Point
	}{
		{
			name:       "empty",
			minZoom:    0,
			maxZoom:    tile.MaxZoom,
			centerZoom: 11,
			tileSize:   0,
		},
		{
			name: "intersection of zoom ranges",
			providers: []provider.Provider{
				newFakeProvider("a", 2, 10),
				newFakeProvider("b", 5, 18),
			},
			minZoom:    5,
			maxZoom:    10,
			centerZoom: 7.5,
			tileSize:   256,
		},
		{
			name: "zero center zoom counts",
			providers: []provider.Provider{
				withCenter(newFakeProvider("a", 0, 20), orb.Point{10, 20}, 0),
				newFakeProvider("b", 0, 20),
			},
			minZoom:    0,
			maxZoom:    20,
			centerZoom: 0,
			tileSize:   256,
			center:     &orb.Point{10, 20},
		},
		{
			name: "bounds union skips providers without bounds",
			providers: []provider.Provider{
				withBounds(newFakeProvider("a", 0, 20), orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}),
				newFakeProvider("b", 0, 20),
				withBounds(newFakeProvider("c", 0, 20), orb.Bound{Min: orb.Point{-20, 5}, Max: orb.Point{5, 30}}),
			},
			minZoom:    0,
			maxZoom:    20,
			centerZoom: 10,
			tileSize:   256,
			bounds:     &orb.Bound{Min: orb.Point{-20, 0}, Max: orb.Point{10, 30}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(nil, tt.providers, Options{})

			assert.Equal(t, tt.minZoom, d.MinZoom())
			assert.Equal(t, tt.maxZoom, d.MaxZoom())
			assert.InDelta(t, tt.centerZoom, d.CenterZoom(), 1e-9)
			assert.Equal(t, tt.tileSize, d.TileSizePixels())

			b, ok := d.BoundingBox()
			if tt.bounds == nil {
				assert.False(t, ok)
			} else {
				require.True(t, ok)
				if diff := cmp.Diff(*tt.bounds, b); diff != "" {
					t.Errorf("BoundingBox() mismatch (-want +got):\n%s", diff)
				}
			}

			c, ok := d.CenterCoordinate()
			if tt.center == nil {
				assert.False(t, ok)
			} else {
				require.True(t, ok)
				assert.Equal(t, *tt.center, c)
			}
		})
	}
}
