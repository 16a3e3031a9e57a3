package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskqueue/core/internal/api/handlers"
	apiMiddleware "github.com/taskqueue/core/internal/api/middleware"
	"github.com/taskqueue/core/internal/api/websocket"
	"github.com/taskqueue/core/internal/config"
	"github.com/taskqueue/core/internal/coordinator"
	"github.com/taskqueue/core/internal/events"
)

// Server represents the HTTP server
type Server struct {
	router        *chi.Mux
	coord         *coordinator.Coordinator
	config        *config.Config
	taskHandler   *handlers.TaskHandler
	adminHandler  *handlers.AdminHandler
	workerHandler *handlers.WorkerHandler
	wsHub         *websocket.Hub
	wsHandler     *websocket.Handler
	publisher     *events.RedisPubSub
}

// NewServer creates a new HTTP server backed by the Coordinator facade.
func NewServer(cfg *config.Config, coord *coordinator.Coordinator, publisher *events.RedisPubSub) *Server {
	wsHub := websocket.NewHub(publisher)

	s := &Server{
		router:        chi.NewRouter(),
		coord:         coord,
		config:        cfg,
		taskHandler:   handlers.NewTaskHandler(coord, cfg.Queue.MaxQueueSize),
		adminHandler:  handlers.NewAdminHandler(coord),
		workerHandler: handlers.NewWorkerHandler(coord),
		wsHub:         wsHub,
		wsHandler:     websocket.NewHandler(wsHub),
		publisher:     publisher,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(apiMiddleware.RequestLogger())

	// Recoverer
	s.router.Use(middleware.Recoverer)

	// Heartbeat endpoint for load balancers
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	// Submission surface
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		if s.config.Queue.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Queue.RateLimitRPS))
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.taskHandler.Create)
			r.Get("/{taskID}", s.taskHandler.Get)
			r.Delete("/{taskID}", s.taskHandler.Cancel)
			r.Get("/", s.taskHandler.List)
			r.Post("/{taskID}/replay", s.taskHandler.Replay)
		})
	})

	// Worker-facing surface: register/heartbeat/acquire/report/deregister
	s.router.Route("/worker/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/register", s.workerHandler.Register)
		r.Post("/heartbeat", s.workerHandler.Heartbeat)
		r.Post("/acquire", s.workerHandler.Acquire)
		r.Post("/report", s.workerHandler.Report)
		r.Post("/deregister", s.workerHandler.Deregister)
	})

	// Admin surface
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/health", s.adminHandler.HealthCheck)

		// Worker management
		r.Get("/workers", s.adminHandler.ListWorkers)
		r.Get("/workers/{workerID}", s.adminHandler.GetWorker)
		r.Post("/workers/{workerID}/pause", s.adminHandler.PauseWorker)
		r.Post("/workers/{workerID}/resume", s.adminHandler.ResumeWorker)
		r.Post("/workers/{workerID}/drain", s.adminHandler.DrainWorker)
		r.Delete("/workers/{workerID}", s.adminHandler.DeregisterWorker)

		// Queue visibility
		r.Get("/queues", s.adminHandler.GetQueues)

		// Scheduled task visibility
		r.Get("/scheduled", s.adminHandler.ScheduledList)

		// DLQ management
		r.Get("/dlq", s.adminHandler.ListDLQ)
		r.Post("/dlq/retry", s.adminHandler.RetryDLQ)
	})

	// WebSocket endpoint
	s.router.Get("/ws", s.wsHandler.ServeWS)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Publisher returns the event publisher
func (s *Server) Publisher() *events.RedisPubSub {
	return s.publisher
}
