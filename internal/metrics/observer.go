package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// Observer feeds optimizer telemetry into the Prometheus collectors.
type Observer struct {
	log zerolog.Logger
}

// NewObserver creates an optimizer observer.
func NewObserver(log zerolog.Logger) *Observer {
	return &Observer{log: log.With().Str("component", "optimizer_metrics").Logger()}
}

// IterationCompleted records one portfolio test.
func (o *Observer) IterationCompleted(symbol string, elapsed time.Duration, err error) {
	RecordIteration(float64(elapsed.Milliseconds()), err)
	if err != nil {
		o.log.Debug().Str("symbol", symbol).Str("status", iterationStatus(err)).Msg("Iteration recorded")
	}
}

// GenerationCompleted records one genetic generation.
func (o *Observer) GenerationCompleted(generation int, bestFitness float64) {
	RecordGeneration(bestFitness)
	o.log.Debug().Int("generation", generation).Float64("best_fitness", bestFitness).Msg("Generation recorded")
}

// RunStarted and RunFinished bracket an optimization run.
func (o *Observer) RunStarted() { ActiveOptimizations.Inc() }

func (o *Observer) RunFinished() { ActiveOptimizations.Dec() }
