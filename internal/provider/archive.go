package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
)

// Archive serves tiles out of a read-only MBTiles file.
type Archive struct {
	Info

	path   string
	db     *sql.DB
	stmt   *sql.Stmt
	worker *Worker
	logger logger.Logger

	detachOnce sync.Once
	detachErr  error
}

var _ Provider = (*Archive)(nil)

func OpenArchive(path string, workers int64, l logger.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}

	stmt, err := db.Prepare("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare archive %s: %w", path, err)
	}

	a := &Archive{
		path:   path,
		db:     db,
		stmt:   stmt,
		logger: l,
	}

	if err := a.loadMetadata(); err != nil {
		stmt.Close()
		db.Close()
		return nil, fmt.Errorf("failed to read archive metadata %s: %w", path, err)
	}

	a.worker = NewWorker(a.Name(), workers, l)

	l.Info("archive opened", "path", path, "name", a.Name(), "min_zoom", a.MinZoom(), "max_zoom", a.MaxZoom())

	return a, nil
}

func (a *Archive) loadMetadata() error {
	metadata := make(map[string]string)

	rows, err := a.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		metadata[name] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	name := metadata["name"]
	if name == "" {
		base := filepath.Base(a.path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	minZoom, minOK := parseInt(metadata["minzoom"])
	maxZoom, maxOK := parseInt(metadata["maxzoom"])
	if !minOK || !maxOK {
		var lo, hi sql.NullInt64
		if err := a.db.QueryRow("SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles").Scan(&lo, &hi); err != nil {
			return err
		}
		if !minOK {
			minZoom = int(lo.Int64)
		}
		if !maxOK {
			maxZoom = int(hi.Int64)
		}
	}

	a.Info = NewInfo(name, minZoom, maxZoom, defaultTileSize)

	if b, ok := parseBounds(metadata["bounds"]); ok {
		a.SetBounds(b)
	}
	if c, z, ok := parseCenter(metadata["center"]); ok {
		a.SetCenter(c, z)
	}

	return nil
}

func (a *Archive) RequiresNetwork() bool {
	return false
}

func (a *Archive) FetchAsync(state *RequestState) {
	a.worker.Dispatch(state, a.fetch)
}

func (a *Archive) fetch(ctx context.Context, t tile.MapTile) (*tile.Image, error) {
	var tileData []byte
	err := a.stmt.QueryRowContext(ctx, t.Zoom, t.X, t.TMSRow()).Scan(&tileData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTileNotFound
		}
		return nil, err
	}
	// archives never expire
	return tile.NewImage(tileData, time.Time{}), nil
}

func (a *Archive) Detach() error {
	a.detachOnce.Do(func() {
		a.worker.Close()
		a.detachErr = errors.Join(a.stmt.Close(), a.db.Close())
		a.logger.Info("archive detached", "path", a.path)
	})
	return a.detachErr
}

func parseInt(s string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	return v, err == nil
}

func parseFloats(s string, n int) ([]float64, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, false
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// bounds is "west,south,east,north"
func parseBounds(s string) (orb.Bound, bool) {
	f, ok := parseFloats(s, 4)
	if !ok {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{f[0], f[1]}, Max: orb.Point{f[2], f[3]}}, true
}

// center is "lon,lat,zoom"
func parseCenter(s string) (orb.Point, float64, bool) {
	f, ok := parseFloats(s, 3)
	if !ok {
		return orb.Point{}, 0, false
	}
	return orb.Point{f[0], f[1]}, f[2], true
}
