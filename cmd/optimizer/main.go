// Optimizer CLI
// Sweeps or evolves strategy parameters over a portfolio of symbols and writes every iteration
// to the configured result sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/config"
	"github.com/asirikuy/framework/internal/deps"
	"github.com/asirikuy/framework/internal/history"
	"github.com/asirikuy/framework/internal/metrics"
	"github.com/asirikuy/framework/internal/optimization"
	"github.com/asirikuy/framework/internal/results"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configPath = flag.String("config", "", "Path to config file (default configs/config.yaml)")

	// Run overrides
	paramsFile = flag.String("params", "", "Parameter space YAML file (overrides optimizer.params_file)")
	optType    = flag.String("type", "", "Optimization type: brute_force or genetic")
	symbols    = flag.String("symbols", "", "Comma-separated list of symbols")
	threads    = flag.Int("threads", 0, "Worker threads (0 uses the configured value)")
	clearCache = flag.Bool("clear-cache", false, "Drop cached fitness for this run's inputs before starting")

	// Output
	csvPath     = flag.String("csv", "", "Results CSV path, {run_id} is replaced by the run id")
	parquetPath = flag.String("parquet", "", "Results parquet path, {run_id} is replaced by the run id")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
)

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Error().Err(err).Msg("Optimization failed")
		os.Exit(1)
	}
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
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", config.Version).Str("environment", cfg.App.Environment).Msg("Starting Asirikuy optimizer")

	opts, err := startOptions(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := deps.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := infra.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close connections")
		}
	}()

	if cfg.Monitoring.EnableMetrics {
		srv := metrics.NewServer(cfg.Monitoring.PrometheusPort, config.Version, config.NewLogger("metrics"))
		if err := srv.Start(); err != nil {
			log.Warn().Err(err).Msg("Metrics server unavailable")
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
		if infra.Store != nil {
			updater := metrics.NewUpdater(infra.Store, 30*time.Second)
			go updater.Start(ctx)
			defer updater.Stop()
		}
	}

	format, err := history.ParseFormat(cfg.History.Format)
	if err != nil {
		return err
	}
	hist := history.NewStore(cfg.History.Dir, format)

	manager, err := optimization.NewManager(cfg, infra.Optimization(hist))
	if err != nil {
		return err
	}

	job, err := manager.Start(ctx, opts)
	if err != nil {
		return err
	}

	// The first signal stops dispatching and lets running tests finish, the second aborts.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		log.Warn().Str("signal", sig.String()).Msg("Stopping optimization, waiting for running tests")
		job.Stop()

		if sig, ok = <-sigChan; ok {
			log.Error().Str("signal", sig.String()).Msg("Aborting")
			os.Exit(130)
		}
	}()

	<-job.Done()
	info := job.Info()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down optimization manager")
	}

	printSummary(info)
	if info.Status == results.RunFailed {
		return fmt.Errorf("run %s: %s", info.ID, info.Error)
	}
	return nil
}

// startOptions maps the flags onto run overrides.
func startOptions(cfg *config.Config) (optimization.StartOptions, error) {
	opts := optimization.StartOptions{
		Type:        *optType,
		Threads:     *threads,
		CSVPath:     *csvPath,
		ParquetPath: *parquetPath,
		ClearCache:  *clearCache,
	}
	if *symbols != "" {
		for _, s := range strings.Split(*symbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				opts.Symbols = append(opts.Symbols, s)
			}
		}
	}

	file := cfg.Optimizer.ParamsFile
	if *paramsFile != "" {
		file = *paramsFile
	}
	if file != "" {
		space, err := config.LoadParams(file)
		if err != nil {
			return opts, err
		}
		opts.Params = space
	}
	return opts, nil
}

func printSummary(info optimization.JobInfo) {
	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("OPTIMIZATION SUMMARY")
	fmt.Println("========================================")
	fmt.Printf("Run ID:           %s\n", info.ID)
	fmt.Printf("Type:             %s\n", info.Type)
	fmt.Printf("Symbols:          %s\n", strings.Join(info.Symbols, ", "))
	fmt.Printf("Status:           %s\n", info.Status)
	fmt.Printf("Tests completed:  %d\n", info.TestsCompleted)
	fmt.Printf("Iterations:       %d\n", info.Iterations)
	if info.BestFitness != nil {
		fmt.Printf("Best fitness:     %.6f\n", *info.BestFitness)
	}
	if info.FinishedAt != nil {
		fmt.Printf("Duration:         %s\n", info.FinishedAt.Sub(info.StartedAt).Round(time.Millisecond))
	}
	if info.Error != "" {
		fmt.Printf("Error:            %s\n", info.Error)
	}
	fmt.Println("========================================")
}
