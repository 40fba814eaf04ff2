// API server
// Serves the optimization REST API and streams iterations of running optimizations over a
// websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/api"
	"github.com/asirikuy/framework/internal/config"
	"github.com/asirikuy/framework/internal/deps"
	"github.com/asirikuy/framework/internal/history"
	"github.com/asirikuy/framework/internal/metrics"
	"github.com/asirikuy/framework/internal/optimization"
)

var configPath = flag.String("config", "", "Path to config file (default configs/config.yaml)")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Error().Err(err).Msg("API server failed")
		os.Exit(1)
	}
	log.Info().Msg("Server stopped successfully")
}

func run() error {
	cfg, err := config.ValidateAndLoad(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return fmt.Errorf("invalid configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if cfg.App.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Info().Str("version", config.Version).Str("environment", cfg.App.Environment).Msg("Starting Asirikuy API server")

	if cfg.API.APIKey == "" {
		log.Warn().Msg("api.api_key is empty, control endpoints are unauthenticated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	infra, err := deps.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := infra.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close connections")
		}
	}()

	if infra.Store != nil {
		updater := metrics.NewUpdater(infra.Store, 30*time.Second)
		go updater.Start(ctx)
		defer updater.Stop()
	}

	format, err := history.ParseFormat(cfg.History.Format)
	if err != nil {
		return err
	}
	hist := history.NewStore(cfg.History.Dir, format)

	hub := api.NewHub(cfg.API.AllowedOrigins...)
	go hub.Run(ctx)

	d := infra.Optimization(hist, hub)
	d.OnFinish = hub.RunFinished
	manager, err := optimization.NewManager(cfg, d)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		AllowedOrigins: cfg.API.AllowedOrigins,
		APIKey:         cfg.API.APIKey,
		Manager:        manager,
		Store:          infra.Store,
		Hub:            hub,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	var serveErr error
	select {
	case serveErr = <-serverErrors:
		log.Error().Err(serveErr).Msg("Server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop server gracefully")
	}
	// Running optimizations are stopped and their outcome stored before connections close.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop running optimizations")
	}
	return serveErr
}
