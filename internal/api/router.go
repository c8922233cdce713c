package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lavasoft/dispatcher-master/internal/events"
	"github.com/lavasoft/dispatcher-master/internal/registry"
	"github.com/lavasoft/dispatcher-master/internal/store"
)

// RouterConfig holds every dependency needed to build the HTTP router.
type RouterConfig struct {
	Registry *registry.Registry
	Store    store.Store
	Hub      *events.Hub
	Logger   *zap.Logger

	// Token, if non-empty, is required (as a Bearer header, or as a
	// "token" query parameter for the WebSocket endpoint) on every /api/v1
	// route; /healthz is always open. Empty disables the check (development
	// only, spec §9).
	Token string
}

// NewRouter builds the fully configured read-only operational router,
// served under /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	workerHandler := NewWorkerHandler(cfg.Registry, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Store, cfg.Logger)
	eventsHandler := NewEventsHandler(cfg.Hub, cfg.Token, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Token))

		r.Get("/workers", workerHandler.List)
		r.Get("/workers/{hostname}", workerHandler.GetByHostname)
		r.Get("/jobs/{id}", jobHandler.GetByID)
	})

	// The WebSocket endpoint authenticates itself via query parameter
	// (see EventsHandler.ServeWS) rather than the Authenticate middleware,
	// since browsers cannot set an Authorization header on the handshake.
	r.Get("/api/v1/events", eventsHandler.ServeWS)

	return r
}
