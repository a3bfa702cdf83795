package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/tile"
	"github.com/jaennil/guide_helper/backend/tilelayer/internal/usecase"
)

const defaultMaxAge = 7 * 24 * time.Hour

type tileParams struct {
	Z int `uri:"z" validate:"gte=0,lte=22"`
	X int `uri:"x" validate:"gte=0"`
	Y int `uri:"y" validate:"gte=0"`
}

func (h *Handler) Tile(c *gin.Context) {
	l := requestLogger(c)

	var params tileParams
	if err := c.ShouldBindUri(&params); err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, "z, x and y should be integers", nil)
		return
	}
	if err := h.validate.Struct(params); err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	t := tile.New(params.Z, params.X, params.Y)

	res, err := h.tileUseCase.GetTile(c.Request.Context(), t)
	switch {
	case errors.Is(err, usecase.ErrInvalidTile):
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	case errors.Is(err, usecase.ErrTileUnavailable):
		h.RespondWithJSON(c, http.StatusNotFound, err.Error(), nil)
		return
	case errors.Is(err, usecase.ErrTimeout):
		h.RespondWithJSON(c, http.StatusGatewayTimeout, err.Error(), nil)
		return
	case err != nil:
		l.Error("failed to get tile", "tile", t.String(), "error", err)
		h.RespondWithInternalServerError(c)
		return
	}

	data := res.Image.Data

	state := "fresh"
	cacheControl := fmt.Sprintf("public, max-age=%d", int(maxAge(res.Image, time.Now()).Seconds()))
	if res.Stale {
		state = "stale"
		cacheControl = "no-cache"
	}

	c.Header("Cache-Control", cacheControl)
	c.Header("Content-Length", strconv.Itoa(len(data)))
	c.Header("X-Tile-State", state)
	c.Data(http.StatusOK, http.DetectContentType(data), data)

	l.Debug("served tile", "tile", t.String(), "state", state, "size", len(data))
}

func maxAge(img *tile.Image, now time.Time) time.Duration {
	if img.Expires.IsZero() {
		return defaultMaxAge
	}
	return max(img.Expires.Sub(now), 0)
}
