package results

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/asirikuy/framework/internal/metrics"
)

// BreakerSettings configures the circuit breaker in front of a sink.
type BreakerSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultBreakerSettings trips after five requests with 60% failures and probes again after 15s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:     5,
		FailureRatio:    0.6,
		OpenTimeout:     15 * time.Second,
		HalfOpenMaxReqs: 3,
		CountInterval:   10 * time.Second,
	}
}

// GuardedSink drops writes while its breaker is open so a dead dependency does not slow iterations.
type GuardedSink struct {
	name string
	sink Sink
	cb   *gobreaker.CircuitBreaker

	mu      sync.Mutex
	lastErr string
}

// Guard wraps sink in a breaker named name.
func Guard(name string, sink Sink, s BreakerSettings) *GuardedSink {
	g := &GuardedSink{name: name, sink: sink}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.onStateChange(from, to)
		},
	})
	metrics.UpdateCircuitBreaker(name, false)
	return g
}

func (g *GuardedSink) onStateChange(from, to gobreaker.State) {
	metrics.UpdateCircuitBreaker(g.name, to == gobreaker.StateOpen)
	if to != gobreaker.StateOpen {
		log.Info().Str("breaker", g.name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		return
	}

	g.mu.Lock()
	reason := g.lastErr
	g.mu.Unlock()
	metrics.RecordCircuitBreakerTrip(g.name, reason)
	log.Warn().Str("breaker", g.name).Str("reason", reason).Msg("Circuit breaker opened")
}

// Write forwards to the wrapped sink unless the breaker is open.
func (g *GuardedSink) Write(ctx context.Context, rec Record) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		err := g.sink.Write(ctx, rec)
		if err != nil {
			g.mu.Lock()
			g.lastErr = err.Error()
			g.mu.Unlock()
		}
		return nil, err
	})
	return err
}

// State reports the breaker state.
func (g *GuardedSink) State() gobreaker.State {
	return g.cb.State()
}

// IsOpen reports whether err was returned because a breaker rejected the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
