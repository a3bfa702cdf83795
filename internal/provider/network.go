package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jaennil/guide_helper/backend/tilelayer/provider"

type NetworkConfig struct {
	Name        string
	URLTemplate string // e.g. https://tile.openstreetmap.org/{z}/{x}/{y}.png
	UserAgent   string
	Referer     string
	Timeout     time.Duration
	Workers     int64
	MinZoom     int
	MaxZoom     int
	TileSize    int
	DefaultTTL  time.Duration
	MaxTileSize int64 // bytes, defaults to 2 MiB
}

const defaultMaxTileSize = 2 << 20

// Network downloads tiles from an upstream tile server. Downloads are
// written through to the tile store when one is configured.
type Network struct {
	Info

	cfg        NetworkConfig
	httpClient *http.Client
	store      cache.TileCache
	worker     *Worker
	tracer     trace.Tracer
	logger     logger.Logger
	now        func() time.Time

	detachOnce sync.Once
}

var _ Provider = (*Network)(nil)

func NewNetwork(cfg NetworkConfig, store cache.TileCache, l logger.Logger) *Network {
	if cfg.Name == "" {
		cfg.Name = "network"
	}
	if cfg.MaxTileSize <= 0 {
		cfg.MaxTileSize = defaultMaxTileSize
	}
	n := &Network{
		Info: NewInfo(cfg.Name, cfg.MinZoom, cfg.MaxZoom, cfg.TileSize),
		cfg:  cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		store:  store,
		tracer: otel.Tracer(tracerName),
		logger: l,
		now:    time.Now,
	}
	n.worker = NewWorker(cfg.Name, cfg.Workers, l)
	return n
}

func (n *Network) RequiresNetwork() bool {
	return true
}

func (n *Network) FetchAsync(state *RequestState) {
	n.worker.Dispatch(state, n.fetch)
}

func (n *Network) tileURL(t tile.MapTile) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(t.Zoom),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
	).Replace(n.cfg.URLTemplate)
}

func (n *Network) fetch(ctx context.Context, t tile.MapTile) (*tile.Image, error) {
	ctx, span := n.tracer.Start(ctx, "provider.network.fetch",
		trace.WithAttributes(
			attribute.String("tile", t.String()),
			attribute.String("provider", n.Name()),
		),
	)
	defer span.End()

	url := n.tileURL(t)
	n.logger.Debug("fetching from upstream", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// tile usage policies require an identifying client
	req.Header.Set("User-Agent", n.cfg.UserAgent)
	if n.cfg.Referer != "" {
		req.Header.Set("Referer", n.cfg.Referer)
	}

	start := time.Now()
	resp, err := n.httpClient.Do(req)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to fetch tile from upstream: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, n.cfg.MaxTileSize+1))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read tile data: %w", err)
	}
	if int64(len(data)) > n.cfg.MaxTileSize {
		span.SetStatus(codes.Error, ErrTileTooLarge.Error())
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTileTooLarge, n.cfg.MaxTileSize)
	}

	expires := n.expiry(resp.Header)
	n.logger.Debug("fetched tile from upstream", "tile", t.String(), "size", len(data), "expires", expires)

	if n.store != nil {
		if err := n.store.Set(t, cache.TileCacheValue{Data: data, Expires: expires}); err != nil {
			n.logger.Warn("failed to store tile", "tile", t.String(), "error", err)
		}
	}

	span.SetStatus(codes.Ok, "")
	return tile.NewImage(data, expires), nil
}

// expiry honours Cache-Control max-age and falls back to DefaultTTL. A zero
// DefaultTTL means tiles without max-age never expire.
func (n *Network) expiry(h http.Header) time.Time {
	now := n.now()
	for _, directive := range strings.Split(h.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(directive)
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return now.Add(time.Duration(secs) * time.Second)
			}
		}
	}
	if n.cfg.DefaultTTL > 0 {
		return now.Add(n.cfg.DefaultTTL)
	}
	return time.Time{}
}

func (n *Network) Detach() error {
	n.detachOnce.Do(func() {
		n.worker.Close()
		n.httpClient.CloseIdleConnections()
		n.logger.Info("network provider detached", "name", n.Name())
	})
	return nil
}
