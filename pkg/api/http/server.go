package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RunStreamer serves the WebSocket event stream of one run
type RunStreamer interface {
	HandleRunStream(c *gin.Context)
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator *orchestrator.Manager
	logger       *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port         int
	Orchestrator *orchestrator.Manager
	// Gatherer backs /metrics; nil serves the default registry
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(recovery(cfg.Logger))
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		logger:       cfg.Logger,
	}

	s.setupRoutes(cfg.Gatherer)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)

	metrics := promhttp.Handler()
	if gatherer != nil {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	s.router.GET("/metrics", gin.WrapH(metrics))

	v1 := s.router.Group("/api/v1")
	{
		// Pipeline endpoints
		v1.POST("/pipelines", s.handleCreatePipeline)
		v1.GET("/pipelines", s.handleListPipelines)
		v1.POST("/pipelines/validate", s.handleValidatePipeline)
		v1.GET("/pipelines/:id", s.handleGetPipeline)
		v1.PUT("/pipelines/:id", s.handleUpdatePipeline)
		v1.DELETE("/pipelines/:id", s.handleDeletePipeline)
		v1.POST("/pipelines/:id/activate", s.handleActivatePipeline)
		v1.POST("/pipelines/:id/deactivate", s.handleDeactivatePipeline)
		v1.POST("/pipelines/:id/runs", s.handleStartRun)
		v1.GET("/pipelines/:id/runs", s.handleListPipelineRuns)

		// Run endpoints
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)
		v1.GET("/runs/:id/logs", s.handleGetLogs)

		// Engine endpoints
		v1.GET("/stats", s.handleStats)
		v1.GET("/operators", s.handleListOperators)
	}
}

// SetupWebSocket adds the run event stream to the server
func (s *Server) SetupWebSocket(streamer RunStreamer) {
	s.router.GET("/api/v1/runs/:id/ws", streamer.HandleRunStream)
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
