// Package bus publishes optimization results over NATS and carries remote stop commands.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/metrics"
	"github.com/asirikuy/framework/internal/results"
)

// DefaultPrefix namespaces every subject.
const DefaultPrefix = "asirikuy.optimizer"

// ErrNotConnected is returned while the connection is down.
var ErrNotConnected = errors.New("message bus not connected")

// Config configures the connection
type Config struct {
	URL    string
	Prefix string
	Name   string
}

// StatusEvent reports a run lifecycle change.
type StatusEvent struct {
	RunID          string    `json:"run_id"`
	Status         string    `json:"status"`
	TestsCompleted int64     `json:"tests_completed"`
	BestFitness    *float64  `json:"best_fitness,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StopCommand asks a run to stop. An empty RunID stops every run listening.
type StopCommand struct {
	RunID  string `json:"run_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Stopper is satisfied by optimizer.Scheduler.
type Stopper interface {
	Stop()
}

// Bus wraps a NATS connection with the optimizer subjects.
type Bus struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS with reconnects enabled.
func Connect(cfg Config) (*Bus, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Name == "" {
		cfg.Name = "asirikuy-optimizer"
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("nats_url", cfg.URL).Str("prefix", cfg.Prefix).Msg("Message bus connected")
	return &Bus{nc: nc, prefix: strings.TrimSuffix(cfg.Prefix, ".")}, nil
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() error {
	if b.nc == nil || b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

// ResultsSubject is where a run's iterations are published.
func (b *Bus) ResultsSubject(runID string) string {
	return b.prefix + "." + runID + ".results"
}

// StatusSubject is where a run's lifecycle events are published.
func (b *Bus) StatusSubject(runID string) string {
	return b.prefix + "." + runID + ".status"
}

// StopSubject carries stop commands for every run.
func (b *Bus) StopSubject() string {
	return b.prefix + ".stop"
}

func (b *Bus) publish(ctx context.Context, subject string, v any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !b.nc.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.NATSMessagesPublished.Inc()
	return nil
}

// Write publishes one iteration, making Bus a results sink.
func (b *Bus) Write(ctx context.Context, rec results.Record) error {
	return b.publish(ctx, b.ResultsSubject(rec.RunID), rec)
}

// PublishStatus publishes a lifecycle event, stamping it when unset.
func (b *Bus) PublishStatus(ctx context.Context, ev StatusEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return b.publish(ctx, b.StatusSubject(ev.RunID), ev)
}

// RequestStop publishes a stop command.
func (b *Bus) RequestStop(ctx context.Context, cmd StopCommand) error {
	if err := b.publish(ctx, b.StopSubject(), cmd); err != nil {
		return err
	}
	return b.nc.FlushWithContext(ctx)
}

// SubscribeResults streams a run's iterations to handler. Use "*" for every run.
func (b *Bus) SubscribeResults(runID string, handler func(results.Record)) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.ResultsSubject(runID), func(msg *nats.Msg) {
		metrics.NATSMessagesReceived.Inc()
		var rec results.Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed result")
			return
		}
		handler(rec)
	})
}

// ListenStop calls s.Stop when a stop command for runID, or for every run, arrives.
func (b *Bus) ListenStop(runID string, s Stopper) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(b.StopSubject(), func(msg *nats.Msg) {
		metrics.NATSMessagesReceived.Inc()
		var cmd StopCommand
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				log.Warn().Err(err).Msg("Dropping malformed stop command")
				return
			}
		}
		if cmd.RunID != "" && cmd.RunID != runID {
			return
		}
		log.Warn().Str("run_id", runID).Str("reason", cmd.Reason).Msg("Stop requested over NATS")
		s.Stop()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to stop commands: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}
	return sub, nil
}
