package cache

import (
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/metrics"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteCache struct {
	db     *sql.DB
	logger logger.Logger
}

func NewSQLiteCache(path string, l logger.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &SQLiteCache{
		db:     db,
		logger: l,
	}

	err = c.runMigrations()
	if err != nil {
		db.Close()
		return nil, err
	}

	l.Info("sqlite cache initialized", "path", path)

	return c, nil
}

func (c *SQLiteCache) runMigrations() error {
	goose.SetBaseFS(migrations)

	err := goose.SetDialect("sqlite3")
	if err != nil {
		return err
	}

	err = goose.Up(c.db, "migrations")
	if err != nil {
		return err
	}

	return nil
}

var _ TileCache = (*SQLiteCache)(nil)

func (c *SQLiteCache) Get(k tile.MapTile) (TileCacheValue, bool, error) {
	c.logger.Debug("sqlite cache get", "z", k.Zoom, "x", k.X, "y", k.Y)

	query := `SELECT tile_data, expires_at
	FROM tile_cache
	WHERE x = ? AND y = ? AND z = ?`

	var (
		tileData  []byte
		expiresAt int64
	)
	err := c.db.QueryRow(query, k.X, k.Y, k.Zoom).Scan(&tileData, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TileCacheValue{}, false, nil
		}
		metrics.StoreErrors.WithLabelValues("sqlite", "get").Inc()
		c.logger.Error("sqlite cache get failed", "z", k.Zoom, "x", k.X, "y", k.Y, "error", err)
		return TileCacheValue{}, false, err
	}

	v := TileCacheValue{Data: tileData}
	if expiresAt > 0 {
		v.Expires = time.Unix(expiresAt, 0)
	}
	return v, true, nil
}

func (c *SQLiteCache) Set(k tile.MapTile, v TileCacheValue) error {
	c.logger.Debug("sqlite cache set", "z", k.Zoom, "x", k.X, "y", k.Y)

	query := `INSERT INTO tile_cache (x, y, z, tile_data, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(z, x, y) DO UPDATE SET tile_data = excluded.tile_data, expires_at = excluded.expires_at`

	var expiresAt int64
	if !v.Expires.IsZero() {
		expiresAt = v.Expires.Unix()
	}

	_, err := c.db.Exec(query, k.X, k.Y, k.Zoom, v.Data, expiresAt)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("sqlite", "set").Inc()
		c.logger.Error("sqlite cache set failed", "z", k.Zoom, "x", k.X, "y", k.Y, "error", err)
		return err
	}

	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
