package provider

import (
	"context"
	"sync"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
)

// Store reads tiles previously written to the persistent tile store. Stale
// entries are handed back as expired-but-usable so the chain can refresh
// them. The store itself is owned by the caller and left open on Detach.
type Store struct {
	Info

	store           cache.TileCache
	requiresNetwork bool
	worker          *Worker
	logger          logger.Logger

	detachOnce sync.Once
}

var _ Provider = (*Store)(nil)

// NewStore wraps c. requiresNetwork should be true for remote stores such as
// redis.
func NewStore(name string, c cache.TileCache, requiresNetwork bool, workers int64, l logger.Logger) *Store {
	return &Store{
		Info:            NewInfo(name, 0, tile.MaxZoom, defaultTileSize),
		store:           c,
		requiresNetwork: requiresNetwork,
		worker:          NewWorker(name, workers, l),
		logger:          l,
	}
}

func (s *Store) RequiresNetwork() bool {
	return s.requiresNetwork
}

func (s *Store) FetchAsync(state *RequestState) {
	s.worker.Dispatch(state, s.fetch)
}

func (s *Store) fetch(ctx context.Context, t tile.MapTile) (*tile.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, exists, err := s.store.Get(t)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrTileNotFound
	}
	return v.Image(), nil
}

func (s *Store) Detach() error {
	s.detachOnce.Do(func() {
		s.worker.Close()
		s.logger.Info("store provider detached", "name", s.Name())
	})
	return nil
}
