// Package api exposes the optimization control API: start and stop runs, inspect their
// progress and stream iterations over a websocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/metrics"
	"github.com/asirikuy/framework/internal/optimization"
	"github.com/asirikuy/framework/internal/results"
)

// Server represents the REST API server
type Server struct {
	router  *gin.Engine
	manager *optimization.Manager
	store   *results.Store
	hub     *Hub
	apiKey  string
	limiter *RateLimiter
	addr    string
	server  *http.Server
}

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	APIKey         string
	Manager        *optimization.Manager
	// Store serves finished runs and their results. Optional.
	Store *results.Store
	// Hub streams iterations. Optional.
	Hub *Hub
}

// NewServer creates a new API server
func NewServer(config Config) *Server {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(metrics.GinMiddleware())
	router.Use(cors.New(corsConfig(config.AllowedOrigins)))

	s := &Server{
		router:  router,
		manager: config.Manager,
		store:   config.Store,
		hub:     config.Hub,
		apiKey:  config.APIKey,
		limiter: NewRateLimiter("control", controlRequestsPerMinute, time.Minute),
		addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
	}
	s.setupRoutes()
	return s
}

// corsConfig allows the configured origins. Without any, every origin is allowed without
// credentials.
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", apiKeyHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}
