package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/corelearn/orchestrator/internal/model"
	"github.com/corelearn/orchestrator/internal/orchestrator"
	"github.com/corelearn/orchestrator/internal/queue"
	"github.com/corelearn/orchestrator/internal/registry"
	"github.com/corelearn/orchestrator/internal/routing"
)

// Server is the HTTP surface of the orchestrator
type Server struct {
	logger *zap.Logger
	orch   *orchestrator.Orchestrator
	engine *gin.Engine
}

// NewServer creates the HTTP server and registers all routes
func NewServer(orch *orchestrator.Orchestrator, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger: logger.Named("api"),
		orch:   orch,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/submit", s.handleSubmit)
	s.engine.GET("/tasks/:id", s.handleGetTask)
	s.engine.POST("/tasks/aggregate", s.handleAggregate)
	s.engine.POST("/tasks/:id/cancel", s.handleCancel)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", s.handleMetrics)
	s.engine.GET("/metrics/prometheus", gin.WrapH(s.orch.PrometheusHandler()))
}

// Handler exposes the router, used by tests and by the embedding http.Server
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP on addr until the listener fails
func (s *Server) Run(addr string) error {
	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req model.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	rec, err := s.orch.Submit(req)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, routing.ErrUnknownPattern):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, queue.ErrQueueFull):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			s.logger.Error("Submit failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusAccepted, rec)
}

func (s *Server) handleGetTask(c *gin.Context) {
	rec, err := s.orch.GetTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type aggregateRequest struct {
	TaskIDs []string `json:"task_ids" binding:"required"`
}

func (s *Server) handleAggregate(c *gin.Context) {
	var req aggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, s.orch.Aggregate(req.TaskIDs))
}

func (s *Server) handleCancel(c *gin.Context) {
	rec, err := s.orch.Cancel(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.logger.Error("Cancel failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Health())
}

func (s *Server) handleMetrics(c *gin.Context) {
	view, err := s.orch.Metrics()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}
