// Package deps opens the infrastructure enabled in the results configuration: the Postgres
// result store, the Redis fitness cache and the NATS bus.
package deps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/bus"
	"github.com/asirikuy/framework/internal/config"
	"github.com/asirikuy/framework/internal/db"
	"github.com/asirikuy/framework/internal/history"
	"github.com/asirikuy/framework/internal/optimization"
	"github.com/asirikuy/framework/internal/results"
)

const connectTimeout = 10 * time.Second

// Set holds the opened clients. Members of disabled sinks are nil.
type Set struct {
	DB    *db.DB
	Store *results.Store
	Redis *redis.Client
	Bus   *bus.Bus
}

// Open connects everything cfg.Results enables. On failure the clients opened so far are closed.
func Open(ctx context.Context, cfg *config.Config) (*Set, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	s := &Set{}

	if cfg.Results.Store {
		database, err := db.New(ctx, cfg.Database.GetDSN(), cfg.Database.PoolSize)
		if err != nil {
			return nil, err
		}
		s.DB = database
		s.Store = results.NewStore(database.Pool())
	}

	if cfg.Results.Cache {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = s.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info().Str("addr", cfg.Redis.GetRedisAddr()).Msg("Redis connected")
		s.Redis = client
	}

	if cfg.Results.Publish {
		b, err := bus.Connect(bus.Config{URL: cfg.NATS.URL, Prefix: cfg.NATS.SubjectPrefix, Name: cfg.App.Name})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Bus = b
	}

	return s, nil
}

// Optimization returns the manager dependencies backed by this set.
func (s *Set) Optimization(hist *history.Store, listeners ...results.Sink) optimization.Dependencies {
	return optimization.Dependencies{
		History:   hist,
		Store:     s.Store,
		Bus:       s.Bus,
		Redis:     s.Redis,
		Listeners: listeners,
	}
}

// Close closes every open client.
func (s *Set) Close() error {
	var errs []error
	if s.Bus != nil {
		errs = append(errs, s.Bus.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		s.DB.Close()
	}
	return errors.Join(errs...)
}
