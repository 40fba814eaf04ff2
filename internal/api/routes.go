package api

import (
	"github.com/gin-gonic/gin"

	"github.com/asirikuy/framework/internal/metrics"
)

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleGetHealth)

		runs := v1.Group("/runs")
		{
			runs.GET("", s.handleListRuns)
			runs.GET("/:id", s.handleGetRun)
			runs.GET("/:id/results", s.handleGetResults)

			control := runs.Group("", RequireAPIKey(s.apiKey), s.limiter.Middleware())
			control.POST("", s.handleStartRun)
			control.POST("/:id/stop", s.handleStopRun)
		}
	}

	if s.hub != nil {
		s.router.GET("/ws", s.hub.ServeWS)
	}
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/", s.handleRoot)
}
