package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	redisDataField    = "data"
	redisExpiresField = "expires"
)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour // default TTL
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

var _ TileCache = (*RedisCache)(nil)

func (c *RedisCache) keyFor(k tile.MapTile) string {
	return fmt.Sprintf("tile:%d:%d:%d", k.Zoom, k.X, k.Y)
}

func (c *RedisCache) Get(k tile.MapTile) (TileCacheValue, bool, error) {
	ctx := context.Background()
	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues("redis", "get").Observe(time.Since(start).Seconds())
	}()

	fields, err := c.client.HGetAll(ctx, c.keyFor(k)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TileCacheValue{}, false, nil
		}
		metrics.StoreErrors.WithLabelValues("redis", "get").Inc()
		return TileCacheValue{}, false, fmt.Errorf("redis get error: %w", err)
	}

	data, ok := fields[redisDataField]
	if !ok {
		return TileCacheValue{}, false, nil
	}

	v := TileCacheValue{Data: []byte(data)}
	if raw := fields[redisExpiresField]; raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return TileCacheValue{}, false, fmt.Errorf("redis get error: bad expiry %q: %w", raw, err)
		}
		if unix > 0 {
			v.Expires = time.Unix(unix, 0)
		}
	}

	return v, true, nil
}

func (c *RedisCache) Set(k tile.MapTile, v TileCacheValue) error {
	ctx := context.Background()
	key := c.keyFor(k)
	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues("redis", "set").Observe(time.Since(start).Seconds())
	}()

	var expires int64
	if !v.Expires.IsZero() {
		expires = v.Expires.Unix()
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, redisDataField, v.Data, redisExpiresField, expires)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StoreErrors.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
