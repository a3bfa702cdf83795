package provider

import (
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
)

// Callback receives provider outcomes. The dispatcher implements it; a
// RequestState only holds it to route results back and never owns it.
type Callback interface {
	RequestCompleted(state *RequestState, img *tile.Image)
	RequestFailed(state *RequestState)
	RequestExpiredButUsable(state *RequestState, img *tile.Image)
}

// RequestState walks one tile request through a fixed snapshot of providers.
// Only one provider works on a state at a time, so the cursor is never
// touched concurrently.
type RequestState struct {
	tile      tile.MapTile
	providers []Provider
	next      int
	current   Provider
	callback  Callback
	detached  bool
}

func NewRequestState(t tile.MapTile, providers []Provider, cb Callback) *RequestState {
	snapshot := make([]Provider, len(providers))
	copy(snapshot, providers)
	return &RequestState{
		tile:      t,
		providers: snapshot,
		callback:  cb,
	}
}

func (s *RequestState) Tile() tile.MapTile {
	return s.tile
}

// NextProvider advances the cursor and returns the provider under it, or nil
// once the snapshot is exhausted.
func (s *RequestState) NextProvider() Provider {
	if s.next >= len(s.providers) {
		s.current = nil
		return nil
	}
	s.current = s.providers[s.next]
	s.next++
	return s.current
}

func (s *RequestState) CurrentProvider() Provider {
	return s.current
}

func (s *RequestState) Exhausted() bool {
	return s.next >= len(s.providers)
}

func (s *RequestState) Completed(img *tile.Image) {
	s.callback.RequestCompleted(s, img)
}

func (s *RequestState) Failed() {
	s.callback.RequestFailed(s)
}

// FailedDetached reports a failure caused by a provider being torn down
// rather than by the tile itself.
func (s *RequestState) FailedDetached() {
	s.detached = true
	s.callback.RequestFailed(s)
}

// HitDetachedProvider reports whether any provider failed this request
// because it was detached.
func (s *RequestState) HitDetachedProvider() bool {
	return s.detached
}

func (s *RequestState) ExpiredButUsable(img *tile.Image) {
	s.callback.RequestExpiredButUsable(s, img)
}
