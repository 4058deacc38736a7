package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/internal/config"
)

// Server is the control-plane HTTP API: container lifecycle operations, the
// operator dashboard endpoints, and the public health and inactivity
// callbacks.
type Server struct {
	port       uint16
	apiKeys    []string
	production bool

	router    *gin.Engine
	server    *http.Server
	logger    *logrus.Logger

	runtime   Runtime
	records   RecordStore
	monitor   ResourceMonitor
	validator BucketValidator
	health    HealthMonitor
	queue     Queue
	limiter   RateLimiter

	runtimeCfg config.RuntimeConfig
}

// NewServer wires the HTTP API over the given collaborators.
func NewServer(
	cfg *config.Config,
	runtime Runtime,
	records RecordStore,
	monitor ResourceMonitor,
	validator BucketValidator,
	health HealthMonitor,
	queue Queue,
	limiter RateLimiter,
	logger *logrus.Logger,
) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	s := &Server{
		port:       cfg.Server.Port,
		apiKeys:    cfg.Server.APIKeys,
		production: cfg.Production,
		router:     router,
		logger:     logger,
		runtime:    runtime,
		records:    records,
		monitor:    monitor,
		validator:  validator,
		health:     health,
		queue:      queue,
		limiter:    limiter,
		runtimeCfg: cfg.Runtime,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(RecoveryHandler(s.logger))
	s.router.Use(requestIDMiddleware())
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(responseTimeMiddleware())
}

func (s *Server) setupRoutes() {
	// Public endpoints: liveness and the container self-report callback.
	s.router.GET("/health", s.healthHandler)
	s.router.POST("/api/containers/:id/inactivity-shutdown", s.inactivityShutdownHandler)

	authed := s.router.Group("/api")
	authed.Use(s.authMiddleware(), s.rateLimitMiddleware())
	{
		authed.POST("/containers/start", s.startContainerHandler)
		authed.GET("/containers", s.listContainersHandler)
		authed.GET("/containers/:id", s.getContainerHandler)
		authed.DELETE("/containers/:id", s.stopContainerHandler)

		dashboard := authed.Group("/dashboard")
		{
			dashboard.GET("/overview", s.dashboardOverviewHandler)
			dashboard.GET("/nodes", s.dashboardNodesHandler)
			dashboard.GET("/logs", s.dashboardLogsHandler)
			dashboard.GET("/queue/stats", s.dashboardQueueStatsHandler)
			dashboard.POST("/container/:id/action", s.dashboardActionHandler)
		}
	}
}

// Router exposes the handler tree; used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf("0.0.0.0:%d", s.port)
	s.logger.Infof("Starting API server on %s", addr)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("API server failed: %v", err)
		}
	}()
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping API server")
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	s.server = nil
	return nil
}
