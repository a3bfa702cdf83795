package http_server

import (
	"context"
	"net/http"

	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/config"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
)

// NewServer wraps handler in an http.Server whose request contexts carry the
// application logger.
func NewServer(ctx context.Context, cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      withLogger(ctx, handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func withLogger(ctx context.Context, next http.Handler) http.Handler {
	l := logger.FromContext(ctx)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(logger.WithLogger(r.Context(), l)))
	})
}
