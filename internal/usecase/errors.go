package usecase

import "errors"

var (
	ErrInvalidTile     = errors.New("invalid tile coordinates")
	ErrTileUnavailable = errors.New("tile unavailable")
	ErrTimeout         = errors.New("timed out waiting for tile")
)
