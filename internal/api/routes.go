package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maumercado/senpuki/internal/api/handlers"
	apiMiddleware "github.com/maumercado/senpuki/internal/api/middleware"
	"github.com/maumercado/senpuki/internal/api/websocket"
	"github.com/maumercado/senpuki/internal/config"
	"github.com/maumercado/senpuki/internal/notify"
	"github.com/maumercado/senpuki/pkg/senpuki"
)

// Server is the optional HTTP facade around an Executor: spec.md 1 treats
// it as an external collaborator, not part of the durable-execution core,
// but it's carried here the way the teacher carries its own API server.
type Server struct {
	router           *chi.Mux
	config           *config.Config
	executionHandler *handlers.ExecutionHandler
	adminHandler     *handlers.AdminHandler
	wsHub            *websocket.Hub
	wsHandler        *websocket.Handler
}

// NewServer creates a new HTTP server fronting executor. bus may be nil, in
// which case the WebSocket dashboard stream never has anything to
// broadcast (the REST endpoints still work against the backend directly).
func NewServer(cfg *config.Config, executor *senpuki.Executor, bus notify.Bus) *Server {
	wsHub := websocket.NewHub(bus)

	s := &Server{
		router:           chi.NewRouter(),
		config:           cfg,
		executionHandler: handlers.NewExecutionHandler(executor),
		adminHandler:     handlers.NewAdminHandler(executor),
		wsHub:            wsHub,
		wsHandler:        websocket.NewHandler(wsHub),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apiMiddleware.RequestLogger())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/health"))

	if s.config.Auth.Enabled {
		apiKeys := make(map[string]bool, len(s.config.Auth.APIKeys))
		for _, k := range s.config.Auth.APIKeys {
			apiKeys[k] = true
		}
		s.router.Use(apiMiddleware.Auth(&apiMiddleware.AuthConfig{
			Enabled:   true,
			JWTSecret: s.config.Auth.JWTSecret,
			APIKeys:   apiKeys,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Route("/executions", func(r chi.Router) {
			r.Post("/", s.executionHandler.Dispatch)
			r.Get("/", s.executionHandler.List)
			r.Get("/{executionID}", s.executionHandler.Get)
			r.Post("/{executionID}/wait", s.executionHandler.Wait)
			r.Post("/{executionID}/signals/{name}", s.executionHandler.SendSignal)
		})
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/health", s.adminHandler.HealthCheck)
		r.Get("/stats", s.adminHandler.Stats)

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", s.adminHandler.ListDeadLetters)
			r.Get("/{id}", s.adminHandler.GetDeadLetter)
			r.Post("/{id}/replay", s.adminHandler.ReplayDeadLetter)
			r.Delete("/{id}", s.adminHandler.DeleteDeadLetter)
		})
	})

	s.router.Get("/ws", s.wsHandler.ServeWS)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub's broadcast loop.
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub.
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router, useful for tests that drive the server
// with httptest without binding a socket.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
