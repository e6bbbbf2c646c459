package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/pbsched/internal/cluster"
	"github.com/me/pbsched/internal/config"
)

// Version is reported by the health and discovery endpoints.
const Version = "0.1.0"

// Server is the pbsched REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	cluster   *cluster.Cluster
	agentKeys *AgentKeyConfig // nil leaves agent endpoints open
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithAgentKeys requires host agents to present one of the configured keys.
func WithAgentKeys(cfg *AgentKeyConfig) Option {
	return func(s *Server) {
		s.agentKeys = cfg
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, c *cluster.Cluster, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		cluster:   c,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if mc := s.cluster.Metrics(); mc != nil && s.config.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", mc.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/server", func(r chi.Router) {
			r.Get("/", s.handleGetServer)
			r.Put("/", s.handleSetServer)
			r.Put("/unset", s.handleUnsetServer)
		})

		r.Route("/resources", func(r chi.Router) {
			r.Get("/", s.handleListResources)
			r.Post("/", s.handleCreateResource)
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Post("/", s.handleCreateNodes)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetNode)
				r.Put("/", s.handleSetNode)
				r.Delete("/", s.handleDeleteNode)
				r.Put("/unset", s.handleUnsetNode)
				r.Get("/events", s.handleNodeEvents)
			})
		})

		agent := agentAuthMiddleware(s.agentKeys, s.logger)
		r.With(agent).Put("/hosts/{host}/heartbeat", s.handleHeartbeat)

		r.Route("/queues", func(r chi.Router) {
			r.Get("/", s.handleListQueues)
			r.Post("/", s.handleCreateQueue)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetQueue)
				r.Put("/", s.handleSetQueue)
				r.Delete("/", s.handleDeleteQueue)
				r.Put("/unset", s.handleUnsetQueue)
			})
		})

		r.Route("/hooks", func(r chi.Router) {
			r.Get("/", s.handleListHooks)
			r.Post("/", s.handleCreateHook)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetHook)
				r.Put("/", s.handleSetHook)
				r.Delete("/", s.handleDeleteHook)
				r.Put("/unset", s.handleUnsetHook)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleSubmitJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleDeleteJob)
				r.Post("/release", s.handleReleaseJob)
				r.With(agent).Post("/obit", s.handleObit)
				r.Get("/events", s.handleJobEvents)
			})
		})

		r.Post("/scheduler/cycle", s.handleRunCycle)
	})
}
