// internal/handlers/router.go
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jason-s-yu/rally/internal/match"
	"github.com/jason-s-yu/rally/internal/middleware"
	"github.com/sirupsen/logrus"
)

// RouterConfig collects what the HTTP surface needs.
type RouterConfig struct {
	Logger         *logrus.Logger
	Manager        *match.Manager
	Metrics        http.Handler // nil leaves /metrics unmounted
	AllowedOrigins []string
}

// NewRouter builds the service's chi router.
func NewRouter(cfg RouterConfig) chi.Router {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/healthz"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	h := NewMatchHandlers(cfg.Manager, cfg.Logger)
	r.Group(func(r chi.Router) {
		r.Use(middleware.LogMiddleware(cfg.Logger))
		r.Route("/matches", func(r chi.Router) {
			r.Post("/", h.CreateMatch)
			r.Get("/{matchID}", h.GetMatch)
			r.Post("/{matchID}/events", h.PostEvent)
			r.Post("/{matchID}/abort", h.AbortMatch)
		})
		r.Get("/match/ws/{matchID}", MatchWSHandler(cfg.Logger, cfg.Manager))
	})
	return r
}
