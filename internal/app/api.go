package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/connectivity"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/dispatcher"
	v1 "github.com/jaennil/guide_helper/backend/tilelayer/internal/infrastructure/http/v1"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/provider"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/repository/memcache"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/usecase"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/config"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/http_server"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/telemetry"
)

func Run(cfg *config.Config) {
	l := logger.NewZapLogger(cfg.Logger)
	defer l.Sync()

	l.Info("app config", "cfg", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logger.WithLogger(ctx, l)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(ctx, cfg.Telemetry, l)
		if err != nil {
			l.Fatal("failed to initialize telemetry", "error", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
	}

	store, err := cache.Open(cfg.Store, cfg.Redis, l)
	if err != nil {
		l.Fatal("failed to open tile store", "backend", cfg.Store.Backend, "error", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Error("failed to close tile store", "error", err)
		}
	}()

	mem, err := memcache.New(cfg.MemCache.Size)
	if err != nil {
		l.Fatal("failed to create memory cache", "error", err)
	}

	providers, err := buildProviders(cfg, store, l)
	if err != nil {
		l.Fatal("failed to build tile providers", "error", err)
	}

	var oracle connectivity.Oracle
	if cfg.Connectivity.ProbeEnabled {
		probe := connectivity.NewProbe(cfg.Connectivity.ProbeAddr, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, l)
		defer probe.Close()
		oracle = probe
	}

	notifier := usecase.NewNotifier(mem, l)
	layer := dispatcher.New(source{name: sourceName(cfg)}, providers, dispatcher.Options{
		Cache:             mem,
		Sink:              notifier,
		Oracle:            oracle,
		UseDataConnection: cfg.Connectivity.UseDataConnection,
		Logger:            l,
	})
	defer layer.Detach()

	l.Info("tile layer ready",
		"providers", len(providers),
		"cache_key", layer.CacheKey(),
		"min_zoom", layer.MinZoom(),
		"max_zoom", layer.MaxZoom(),
	)

	tileUseCase := usecase.NewTileUseCase(layer, notifier, cfg.Dispatch.WaitTimeout, l)

	validate := validator.New()
	h := handler.NewHandler(validate, tileUseCase)
	router := v1.NewRouter(h, l, cfg.Telemetry.Enabled)

	httpServer := http_server.NewServer(ctx, cfg.HTTP.Server, router)

	go func() {
		l.Info("starting http server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("http server failed", "error", err)
		}
		l.Info("http server stopped", "address", httpServer.Addr)
	}()

	<-ctx.Done()
	l.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	l.Info("shutting down http server...", "address", httpServer.Addr)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Error("http server shutdown failed", "error", err)
	} else {
		l.Info("http_server shutdown completed")
	}

	l.Info("application shutdown completed")
}

// buildProviders lays out the chain: local archives first, then the
// persistent store, then the upstream tile server.
func buildProviders(cfg *config.Config, store cache.TileCache, l logger.Logger) ([]provider.Provider, error) {
	var providers []provider.Provider

	for _, path := range cfg.Archive.Paths {
		a, err := provider.OpenArchive(path, cfg.Archive.Workers, l)
		if err != nil {
			for _, p := range providers {
				p.Detach()
			}
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		l.Info("archive attached", "name", a.Name(), "min_zoom", a.MinZoom(), "max_zoom", a.MaxZoom())
		providers = append(providers, a)
	}

	providers = append(providers,
		provider.NewStore("store-"+cfg.Store.Backend, store, cfg.Store.Backend == "redis", cfg.Store.Workers, l))

	if cfg.Upstream.Enabled {
		providers = append(providers, provider.NewNetwork(provider.NetworkConfig{
			Name:        "upstream",
			URLTemplate: cfg.Upstream.TileServerURL,
			UserAgent:   cfg.Upstream.UserAgent,
			Referer:     cfg.Upstream.Referer,
			Timeout:     cfg.Upstream.Timeout,
			Workers:     cfg.Upstream.Workers,
			MinZoom:     cfg.Upstream.MinZoom,
			MaxZoom:     cfg.Upstream.MaxZoom,
			TileSize:    cfg.Upstream.TileSize,
			DefaultTTL:  cfg.Upstream.DefaultTTL,
			MaxTileSize: cfg.Upstream.MaxTileSize,
		}, store, l))
	}

	return providers, nil
}

func sourceName(cfg *config.Config) string {
	if cfg.Upstream.Enabled {
		return cfg.Upstream.TileServerURL
	}
	return "offline"
}

// source describes the layer as a whole. It owns nothing, the providers hold
// every resource.
type source struct {
	name string
}

func (s source) Name() string  { return s.name }
func (s source) Detach() error { return nil }
