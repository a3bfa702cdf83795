package cache

import (
	"fmt"

	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/config"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
)

// Open builds the tile store selected by cfg.Backend.
func Open(cfg config.Store, redisCfg config.Redis, l logger.Logger) (TileCache, error) {
	switch cfg.Backend {
	case "map":
		return NewMapCache(), nil
	case "filesystem":
		return NewFilesystemCache(cfg.Path, cfg.MaxAge)
	case "sqlite":
		return NewSQLiteCache(cfg.Path, l)
	case "redis":
		return NewRedisCache(RedisConfig{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
			TTL:      redisCfg.TTL,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
