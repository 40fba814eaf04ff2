// Database migration CLI tool
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/config"
	"github.com/asirikuy/framework/internal/db"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default configs/config.yaml)")
	command := flag.String("command", "migrate", "Command to run: migrate or status")
	dsn := flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL (default from config)")
	migrationsDir := flag.String("migrations", "", "Read migrations from this directory instead of the embedded set")
	flag.Parse()

	cfg, err := config.ValidateAndLoad(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if *dsn == "" {
		*dsn = cfg.Database.GetDSN()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	database, err := db.New(ctx, *dsn, 2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.Pool())
	if *migrationsDir != "" {
		migrator = migrator.WithFiles(os.DirFS(*migrationsDir))
	}

	switch *command {
	case "migrate":
		applied, err := migrator.Migrate(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
		log.Info().Int("applied", applied).Msg("Migrations complete")
	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status check failed: %v\n", err)
			os.Exit(1)
		}
		printStatus(statuses)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		fmt.Fprintf(os.Stderr, "Usage: migrate -command=[migrate|status]\n")
		os.Exit(1)
	}
}

func printStatus(statuses []db.MigrationStatus) {
	fmt.Println("========================================")
	fmt.Println("MIGRATION STATUS")
	fmt.Println("========================================")
	for _, s := range statuses {
		state := "pending"
		if s.Applied {
			state = "applied"
		}
		fmt.Printf("%03d  %-8s %s\n", s.Version, state, s.Description)
	}
}
