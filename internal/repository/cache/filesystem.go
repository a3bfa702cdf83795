package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
)

// FilesystemCache lays tiles out as <root>/z/x/y. Expiry is derived from the
// file's modification time plus maxAge.
type FilesystemCache struct {
	root   string
	maxAge time.Duration
}

func NewFilesystemCache(root string, maxAge time.Duration) (*FilesystemCache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FilesystemCache{root: root, maxAge: maxAge}, nil
}

var _ TileCache = (*FilesystemCache)(nil)

func (c *FilesystemCache) Get(k tile.MapTile) (TileCacheValue, bool, error) {
	path := c.keyToPath(k)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TileCacheValue{}, false, nil
		}
		return TileCacheValue{}, false, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return TileCacheValue{}, false, err
	}

	v := TileCacheValue{Data: content}
	if c.maxAge > 0 {
		v.Expires = info.ModTime().Add(c.maxAge)
	}
	return v, true, nil
}

func (c *FilesystemCache) Set(k tile.MapTile, v TileCacheValue) error {
	path := c.keyToPath(k)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, v.Data, 0644); err != nil {
		return err
	}
	if !v.Expires.IsZero() && c.maxAge > 0 {
		// keep mtime+maxAge equal to the expiry the writer asked for
		mtime := v.Expires.Add(-c.maxAge)
		return os.Chtimes(path, mtime, mtime)
	}
	return nil
}

func (c *FilesystemCache) Close() error {
	return nil
}

func (c *FilesystemCache) keyToPath(k tile.MapTile) string {
	return filepath.Join(c.root, fmt.Sprint(k.Zoom), fmt.Sprint(k.X), fmt.Sprint(k.Y))
}
