package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/metrics"
	"golang.org/x/sync/semaphore"
)

// FetchFunc does the blocking part of a provider's work.
type FetchFunc func(ctx context.Context, t tile.MapTile) (*tile.Image, error)

// Worker runs fetches in goroutines, at most concurrency at once, and turns
// their results into RequestState transitions.
type Worker struct {
	name   string
	sem    *semaphore.Weighted
	logger logger.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewWorker(name string, concurrency int64, l logger.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		name:   name,
		sem:    semaphore.NewWeighted(concurrency),
		logger: l,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *Worker) Dispatch(state *RequestState, fetch FetchFunc) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		go w.report(state, nil, ErrDetached)
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()

		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			w.report(state, nil, err)
			return
		}
		img, err := fetch(w.ctx, state.Tile())
		w.sem.Release(1)

		w.report(state, img, err)
	}()
}

func (w *Worker) report(state *RequestState, img *tile.Image, err error) {
	t := state.Tile()

	switch {
	case err != nil && (errors.Is(err, ErrDetached) || w.ctx.Err() != nil):
		metrics.ProviderFetches.WithLabelValues(w.name, "detached").Inc()
		state.FailedDetached()
	case err != nil:
		if !errors.Is(err, ErrTileNotFound) {
			w.logger.Warn("provider fetch failed", "provider", w.name, "tile", t.String(), "error", err)
		}
		metrics.ProviderFetches.WithLabelValues(w.name, "failed").Inc()
		state.Failed()
	case !img.Valid():
		metrics.ProviderFetches.WithLabelValues(w.name, "failed").Inc()
		state.Failed()
	case img.Expired(w.now()):
		metrics.ProviderFetches.WithLabelValues(w.name, "expired").Inc()
		state.ExpiredButUsable(img)
	default:
		metrics.ProviderFetches.WithLabelValues(w.name, "completed").Inc()
		state.Completed(img)
	}
}

// Close stops accepting work, cancels in-flight fetches and waits for them to
// report.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}
