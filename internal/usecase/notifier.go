package usecase

import (
	"sync"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
)

// TileStore is where finished tiles are put for the next synchronous lookup.
type TileStore interface {
	Put(t tile.MapTile, img *tile.Image)
}

// Result is what a waiter receives for its tile.
type Result struct {
	Image *tile.Image
	Stale bool
	Err   error
}

// Notifier is the dispatcher's result sink. It fills the memory cache and
// wakes up everyone waiting on the tile.
type Notifier struct {
	store  TileStore
	logger logger.Logger

	mu      sync.Mutex
	seq     uint64
	waiters map[tile.MapTile]map[uint64]chan Result
}

func NewNotifier(store TileStore, l logger.Logger) *Notifier {
	return &Notifier{
		store:   store,
		logger:  l,
		waiters: make(map[tile.MapTile]map[uint64]chan Result),
	}
}

// Subscribe registers interest in the next result for t. The returned cancel
// func must be called once the caller stops listening.
func (n *Notifier) Subscribe(t tile.MapTile) (<-chan Result, func()) {
	ch := make(chan Result, 1)

	n.mu.Lock()
	n.seq++
	id := n.seq
	if n.waiters[t] == nil {
		n.waiters[t] = make(map[uint64]chan Result)
	}
	n.waiters[t][id] = ch
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		if w, ok := n.waiters[t]; ok {
			delete(w, id)
			if len(w) == 0 {
				delete(n.waiters, t)
			}
		}
	}
}

func (n *Notifier) Waiting(t tile.MapTile) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters[t])
}

func (n *Notifier) RequestCompleted(t tile.MapTile, img *tile.Image) {
	n.store.Put(t, img)
	n.broadcast(t, Result{Image: img})
}

func (n *Notifier) RequestExpired(t tile.MapTile, img *tile.Image) {
	n.store.Put(t, img)
	n.broadcast(t, Result{Image: img, Stale: true})
}

func (n *Notifier) RequestFailed(t tile.MapTile) {
	n.logger.Debug("tile unavailable", "tile", t.String())
	n.broadcast(t, Result{Err: ErrTileUnavailable})
}

// broadcast hands r to every current waiter of t and forgets them. Each
// channel is buffered and written at most once.
func (n *Notifier) broadcast(t tile.MapTile, r Result) {
	n.mu.Lock()
	w := n.waiters[t]
	delete(n.waiters, t)
	n.mu.Unlock()

	for _, ch := range w {
		ch <- r
	}
}
