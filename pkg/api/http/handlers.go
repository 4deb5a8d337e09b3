package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aescanero/dagrun/pkg/definition"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxDefinitionBytes bounds YAML pipeline bodies
const maxDefinitionBytes = 1 << 20

// StartRunRequest represents a run submission request. The body is
// optional.
type StartRunRequest struct {
	Parameters  map[string]any `json:"parameters"`
	TriggeredBy string         `json:"triggered_by"`
}

// StartRunResponse represents a run submission response
type StartRunResponse struct {
	RunID       string    `json:"run_id"`
	PipelineID  string    `json:"pipeline_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if !s.orchestrator.Healthy() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks": gin.H{
			"workers": s.orchestrator.Health(),
		},
	})
}

// handleCreatePipeline registers a new pipeline
func (s *Server) handleCreatePipeline(c *gin.Context) {
	p, ok := s.bindPipeline(c)
	if !ok {
		return
	}

	created, err := s.orchestrator.CreatePipeline(c.Request.Context(), p)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Location", "/api/v1/pipelines/"+created.ID)
	c.JSON(http.StatusCreated, created)
}

// handleListPipelines lists pipelines, optionally only active ones
func (s *Server) handleListPipelines(c *gin.Context) {
	pipelines, err := s.orchestrator.ListPipelines(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	activeOnly := c.Query("active") == "true"
	out := make([]*domain.Pipeline, 0, len(pipelines))
	for _, p := range pipelines {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, p)
	}

	c.JSON(http.StatusOK, gin.H{
		"pipelines": out,
		"total":     len(out),
	})
}

// handleValidatePipeline dry-runs a pipeline without storing it
func (s *Server) handleValidatePipeline(c *gin.Context) {
	p, ok := s.bindPipeline(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.orchestrator.DryRun(p))
}

func (s *Server) handleGetPipeline(c *gin.Context) {
	p, err := s.orchestrator.GetPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleUpdatePipeline replaces a pipeline definition with a new version
func (s *Server) handleUpdatePipeline(c *gin.Context) {
	p, ok := s.bindPipeline(c)
	if !ok {
		return
	}

	updated, err := s.orchestrator.UpdatePipeline(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeletePipeline(c *gin.Context) {
	if err := s.orchestrator.DeletePipeline(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleActivatePipeline(c *gin.Context) {
	p, err := s.orchestrator.ActivatePipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeactivatePipeline(c *gin.Context) {
	p, err := s.orchestrator.DeactivatePipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleStartRun starts a run of an active pipeline
func (s *Server) handleStartRun(c *gin.Context) {
	pipelineID := c.Param("id")

	var req StartRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			s.badRequest(c, err)
			return
		}
	}

	runID, err := s.orchestrator.StartRun(c.Request.Context(), pipelineID, req.Parameters, req.TriggeredBy)
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("pipeline_id", pipelineID))

	c.Header("Location", "/api/v1/runs/"+runID)
	c.JSON(http.StatusAccepted, StartRunResponse{
		RunID:       runID,
		PipelineID:  pipelineID,
		SubmittedAt: time.Now().UTC(),
	})
}

func (s *Server) handleListPipelineRuns(c *gin.Context) {
	if _, err := s.orchestrator.GetPipeline(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	s.listRuns(c, c.Param("id"))
}

// handleListRuns lists runs, filtered by the pipeline_id query parameter
func (s *Server) handleListRuns(c *gin.Context) {
	s.listRuns(c, c.Query("pipeline_id"))
}

func (s *Server) listRuns(c *gin.Context, pipelineID string) {
	runs, err := s.orchestrator.ListRuns(c.Request.Context(), pipelineID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	status := domain.RunStatus(strings.ToLower(c.Query("status")))
	out := make([]*domain.Run, 0, len(runs))
	for _, r := range runs {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  out,
		"total": len(out),
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.orchestrator.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleCancelRun cancels a run
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")

	if err := s.orchestrator.CancelRun(c.Request.Context(), runID); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       runID,
		"status":       domain.RunStatusCancelled,
		"cancelled_at": time.Now().UTC(),
	})
}

// handleGetLogs returns run logs; task_id filters by task and tail keeps
// the last n entries
func (s *Server) handleGetLogs(c *gin.Context) {
	tail := 0
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.badRequest(c, fmt.Errorf("tail must be a non-negative integer, got %q", raw))
			return
		}
		tail = n
	}

	logs, err := s.orchestrator.GetLogs(c.Request.Context(), c.Param("id"), c.Query("task_id"), tail)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id": c.Param("id"),
		"logs":   logs,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.Stats())
}

func (s *Server) handleListOperators(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"operators": s.orchestrator.Operators(),
	})
}

// bindPipeline decodes a pipeline body as JSON, or as a YAML definition
// when the content type says so. It writes the error response itself.
func (s *Server) bindPipeline(c *gin.Context) (*domain.Pipeline, bool) {
	if strings.Contains(c.ContentType(), "yaml") {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDefinitionBytes))
		if err != nil {
			s.badRequest(c, err)
			return nil, false
		}
		p, err := definition.Parse(data)
		if err != nil {
			s.badRequest(c, err)
			return nil, false
		}
		return p, true
	}

	var p domain.Pipeline
	if err := c.ShouldBindJSON(&p); err != nil {
		s.badRequest(c, err)
		return nil, false
	}
	return &p, true
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.logger.Debug("invalid request", zap.Error(err))
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		},
	})
}

// writeError maps engine errors to HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	var details any

	var vf *domain.ValidationFailedError
	switch {
	case errors.As(err, &vf):
		status, code, details = http.StatusUnprocessableEntity, "VALIDATION_FAILED", vf.Errors
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusUnprocessableEntity, "VALIDATION_FAILED"
	case errors.Is(err, domain.ErrPipelineNotFound), errors.Is(err, domain.ErrRunNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrPipelineExists):
		status, code = http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, domain.ErrPipelineInactive):
		status, code = http.StatusConflict, "PIPELINE_INACTIVE"
	case errors.Is(err, domain.ErrPipelineInUse):
		status, code = http.StatusConflict, "PIPELINE_IN_USE"
	case errors.Is(err, domain.ErrRunTerminal):
		status, code = http.StatusConflict, "RUN_TERMINAL"
	case errors.Is(err, domain.ErrUnsatisfiable):
		status, code = http.StatusUnprocessableEntity, "UNSATISFIABLE"
	case errors.Is(err, domain.ErrInvalidParameters), errors.Is(err, domain.ErrUnknownOperator):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrEngineStopped):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
			Details: details,
		},
	})
}
