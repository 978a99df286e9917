package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloo-solutions/bookrag/internal/api"
	"github.com/cloo-solutions/bookrag/internal/api/handlers"
	"github.com/cloo-solutions/bookrag/internal/api/middleware"
)

type RouterConfig struct {
	ChatHandler   *handlers.ChatHandler
	HealthHandler *handlers.HealthHandler
	// MaxBodyBytes defaults to 1 MiB; selected text is capped far below it.
	MaxBodyBytes int64
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.MaxBodyBytes(maxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/chat", func(r chi.Router) {
		r.Post("/", cfg.ChatHandler.Chat)
		r.Post("/selected", cfg.ChatHandler.ChatSelected)
		r.Get("/health", cfg.HealthHandler.Chat)
	})

	return r
}
