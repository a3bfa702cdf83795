package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/provider"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
)

// fakeProvider records every fetch. Without a handler the request state is
// parked on pending until the test resolves it.
type fakeProvider struct {
	provider.Info
	network bool

	handle  func(state *provider.RequestState)
	pending chan *provider.RequestState

	mu     sync.Mutex
	states []*provider.RequestState

	detachErr   error
	detachPanic bool
	detached    atomic.Int32
}

func newFakeProvider(name string, minZoom, maxZoom int) *fakeProvider {
	return &fakeProvider{
		Info:    provider.NewInfo(name, minZoom, maxZoom, 256),
		pending: make(chan *provider.RequestState, 64),
	}
}

func (f *fakeProvider) RequiresNetwork() bool { return f.network }

func (f *fakeProvider) FetchAsync(state *provider.RequestState) {
	f.mu.Lock()
	f.states = append(f.states, state)
	f.mu.Unlock()

	if f.handle != nil {
		go f.handle(state)
		return
	}
	f.pending <- state
}

func (f *fakeProvider) Detach() error {
	f.detached.Add(1)
	if f.detachPanic {
		panic("detach exploded")
	}
	return f.detachErr
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}

func (f *fakeProvider) fetched() []*provider.RequestState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*provider.RequestState(nil), f.states...)
}

func (f *fakeProvider) next(t *testing.T) *provider.RequestState {
	t.Helper()
	select {
	case s := <-f.pending:
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("provider %s was never asked for a tile", f.Name())
		return nil
	}
}

func failWith(state *provider.RequestState) { state.Failed() }

func completeWith(data string) func(*provider.RequestState) {
	return func(state *provider.RequestState) {
		state.Completed(tile.NewImage([]byte(data), time.Time{}))
	}
}

type sinkEvent struct {
	kind  string
	tile  tile.MapTile
	image *tile.Image
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
	ch     chan sinkEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan sinkEvent, 256)}
}

func (s *recordingSink) add(e sinkEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	s.ch <- e
}

func (s *recordingSink) RequestCompleted(t tile.MapTile, img *tile.Image) {
	s.add(sinkEvent{"completed", t, img})
}

func (s *recordingSink) RequestFailed(t tile.MapTile) {
	s.add(sinkEvent{"failed", t, nil})
}

func (s *recordingSink) RequestExpired(t tile.MapTile, img *tile.Image) {
	s.add(sinkEvent{"expired", t, img})
}

func (s *recordingSink) next(t *testing.T) sinkEvent {
	t.Helper()
	select {
	case e := <-s.ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sink event")
		return sinkEvent{}
	}
}

func (s *recordingSink) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

type mapCache struct {
	mu sync.Mutex
	m  map[tile.MapTile]*tile.Image
}

func newMapCache() *mapCache {
	return &mapCache{m: make(map[tile.MapTile]*tile.Image)}
}

func (c *mapCache) Lookup(t tile.MapTile) (*tile.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.m[t]
	return img, ok
}

func (c *mapCache) put(t tile.MapTile, img *tile.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[t] = img
}

type fakeSource struct {
	name     string
	detached atomic.Int32
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Detach() error {
	s.detached.Add(1)
	return nil
}

type oracle struct {
	up atomic.Bool
}

func newOracle(up bool) *oracle {
	o := &oracle{}
	o.up.Store(up)
	return o
}

func (o *oracle) Available() bool { return o.up.Load() }

func newTestDispatcher(sink ResultSink, cache MemoryCache, o *oracle, providers ...provider.Provider) *TileLayerArray {
	opts := Options{
		Cache:             cache,
		Sink:              sink,
		UseDataConnection: true,
		Logger:            logger.NewNoOpLogger(),
	}
	if o != nil {
		opts.Oracle = o
	}
	return New(&fakeSource{name: "test"}, providers, opts)
}
