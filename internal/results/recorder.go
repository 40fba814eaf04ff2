package results

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/pkg/optimizer"
)

// Recorder numbers finished iterations and fans them out to sinks. Its Update method is an
// optimizer.UpdateFunc.
type Recorder struct {
	ctx      context.Context
	runID    string
	balances []float64
	sinks    []Sink
	log      zerolog.Logger

	mu        sync.Mutex
	iteration int
	failures  int
}

// NewRecorder creates a recorder for one run. balances holds the initial balance of each
// portfolio slot, indexed like the request symbols, so profits can be derived.
func NewRecorder(ctx context.Context, runID string, balances []float64, sinks ...Sink) *Recorder {
	return &Recorder{
		ctx:      ctx,
		runID:    runID,
		balances: balances,
		sinks:    sinks,
		log:      log.With().Str("component", "results").Str("run_id", runID).Logger(),
	}
}

var _ optimizer.UpdateFunc = (*Recorder)(nil).Update

// Update records one iteration in every sink. A failing sink does not stop the others.
func (r *Recorder) Update(result optimizer.TestResult, set []float64, numParams int) {
	r.mu.Lock()
	r.iteration++
	rec := NewRecord(r.runID, r.iteration, r.balance(result.SymbolIndex), result, set, numParams)
	r.mu.Unlock()

	for _, sink := range r.sinks {
		if err := sink.Write(r.ctx, rec); err != nil {
			r.mu.Lock()
			r.failures++
			r.mu.Unlock()
			if IsOpen(err) {
				r.log.Debug().Err(err).Int("iteration", rec.Iteration).Msg("Sink skipped")
				continue
			}
			r.log.Error().Err(err).Int("iteration", rec.Iteration).Msg("Failed to record iteration")
		}
	}
}

func (r *Recorder) balance(slot int) float64 {
	if slot < 0 || slot >= len(r.balances) {
		return 0
	}
	return r.balances[slot]
}

// Iterations returns how many iterations were recorded.
func (r *Recorder) Iterations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iteration
}

// Failures returns how many sink writes failed or were skipped.
func (r *Recorder) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Close closes every sink that holds a resource.
func (r *Recorder) Close() error {
	var errs []error
	for _, sink := range r.sinks {
		if c, ok := sink.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
