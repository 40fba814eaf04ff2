package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/config"
	"github.com/asirikuy/framework/internal/history"
	"github.com/asirikuy/framework/internal/optimization"
	"github.com/asirikuy/framework/internal/results"
	"github.com/asirikuy/framework/pkg/optimizer"
)

const (
	defaultResultsLimit = 100
	maxResultsLimit     = 1000
)

// handleRoot handles GET /
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "Asirikuy Optimizer API",
		"version": config.Version,
	})
}

// handleGetHealth handles GET /api/v1/health
func (s *Server) handleGetHealth(c *gin.Context) {
	active := 0
	for _, info := range s.manager.List() {
		if info.Status == results.RunRunning {
			active++
		}
	}

	resp := gin.H{
		"status":      "healthy",
		"timestamp":   time.Now(),
		"active_runs": active,
	}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

// handleStartRun handles POST /api/v1/runs. An empty body runs the configured optimization.
func (s *Server) handleStartRun(c *gin.Context) {
	var opts optimization.StartOptions
	if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	job, err := s.manager.Start(c.Request.Context(), opts)
	if err != nil {
		status := startErrorStatus(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Msg("Failed to start optimization")
		}
		c.JSON(status, gin.H{
			"error":   "Failed to start optimization",
			"details": err.Error(),
		})
		return
	}

	info := job.Info()
	if s.hub != nil {
		if err := s.hub.Broadcast(MessageTypeRunStarted, info); err != nil {
			log.Error().Err(err).Msg("Failed to broadcast run start")
		}
	}
	c.JSON(http.StatusAccepted, info)
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, optimization.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, optimizer.ErrInvalidRequest),
		errors.Is(err, optimizer.ErrInvalidParam),
		errors.Is(err, optimizer.ErrUnsupportedType),
		errors.Is(err, history.ErrNoHistory),
		errors.Is(err, history.ErrMalformedRow),
		errors.Is(err, os.ErrNotExist):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleListRuns handles GET /api/v1/runs
func (s *Server) handleListRuns(c *gin.Context) {
	runs := s.manager.List()
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun handles GET /api/v1/runs/:id. Runs started by another process are read from
// the store.
func (s *Server) handleGetRun(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}

	if job, err := s.manager.Get(id); err == nil {
		c.JSON(http.StatusOK, job.Info())
		return
	}

	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}

	run, err := s.store.GetRun(c.Request.Context(), id)
	switch {
	case errors.Is(err, results.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
	case err != nil:
		log.Error().Err(err).Str("run_id", id.String()).Msg("Failed to load run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load run"})
	default:
		c.JSON(http.StatusOK, run)
	}
}

// handleStopRun handles POST /api/v1/runs/:id/stop
func (s *Server) handleStopRun(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}

	if err := s.manager.Stop(id); err != nil {
		if errors.Is(err, optimization.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.hub != nil {
		if err := s.hub.Broadcast(MessageTypeRunStopping, gin.H{"id": id}); err != nil {
			log.Error().Err(err).Msg("Failed to broadcast run stop")
		}
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":      id,
		"message": "Stop requested, running tests will complete",
	})
}

// handleGetResults handles GET /api/v1/runs/:id/results?limit=N
func (s *Server) handleGetResults(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}

	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Result store not configured"})
		return
	}

	limit := defaultResultsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxResultsLimit)
	}

	recs, err := s.store.Results(c.Request.Context(), id, limit)
	if err != nil {
		log.Error().Err(err).Str("run_id", id.String()).Msg("Failed to load results")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":  id,
		"results": recs,
		"count":   len(recs),
	})
}

func parseRunID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run id"})
		return uuid.Nil, false
	}
	return id, true
}
