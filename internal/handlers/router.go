package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"guardian/internal/remote"
	"guardian/internal/store"
)

// RouterConfig carries what the HTTP surface needs
type RouterConfig struct {
	CorsOrigins []string
	// AdminToken enables the export endpoint when non-empty
	AdminToken string
	Backend    string
}

// NewRouter builds the server's HTTP surface: the store socket, a health
// probe and an authenticated snapshot export.
func NewRouter(cfg RouterConfig, tree *store.Tree, streams *remote.Server, mw *Middleware, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &StoreHandler{
		tree:       tree,
		streams:    streams,
		adminToken: cfg.AdminToken,
		backend:    cfg.Backend,
		origins:    cfg.CorsOrigins,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(mw.Logging)
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CorsOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.Health)
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(mw.RateLimit)
		v1.Get("/stream", h.Stream)
		v1.Get("/export", h.Export)
	})
	return r
}
