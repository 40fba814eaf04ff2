package optimizer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// runBruteForce tests every combination of the parameter space. Under multi-process execution
// each rank takes every NumProcs-th combination starting at its own rank.
func (s *Scheduler) runBruteForce(ctx context.Context, req *Request) error {
	total := req.Params.Size()
	if total > MaxParameterCombinations {
		s.logger.Error().
			Int("combinations", total).
			Int("max_combinations", MaxParameterCombinations).
			Msg("Too many parameter combinations to test. Try a genetic optimization instead")
		return nil
	}

	workers := workerCount(req.NumThreads)
	s.preInit(ctx)

	stride := 1
	if req.NumProcs > 1 {
		stride = req.NumProcs
	}
	assigned := max(0, (total-req.Rank+stride-1)/stride)

	s.logger.Info().
		Int("combinations", total).
		Int("assigned", assigned).
		Int("rank", req.Rank).
		Int("workers", workers).
		Msg("Brute force optimization started")

	start := time.Now()
	slots := workerSlots(workers)
	var done atomic.Int64

	var g errgroup.Group
	g.SetLimit(workers)

	for i := req.Rank; i < total; i += stride {
		if s.Stopped() || ctx.Err() != nil {
			s.logger.Info().Int("iteration", i).Msg("Brute force dispatch stopped")
			break
		}

		iteration := i
		values := req.Params.Combination(i)
		g.Go(func() error {
			slot := <-slots
			defer func() { slots <- slot }()

			s.runIteration(ctx, req, iteration, slot, values)

			n := done.Add(1)
			if s.progress.Allow() {
				s.logger.Info().
					Int64("completed", n).
					Int("assigned", assigned).
					Msgf("Brute force progress: %.1f%%", float64(n)/float64(assigned)*100)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().
		Int64("completed", done.Load()).
		Int64("tests", s.TestsCompleted()).
		Dur("duration", time.Since(start)).
		Bool("stopped", s.Stopped()).
		Msg("Brute force optimization finished")

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("brute force optimization: %w", err)
	}
	return nil
}

// runIteration tests one parameter combination on every symbol of the portfolio.
func (s *Scheduler) runIteration(ctx context.Context, req *Request, iteration, slot int, values []float64) {
	if s.Stopped() {
		return
	}

	set := req.Params.Set(values)
	for n, symbol := range req.Symbols {
		in, err := req.input(n, slot)
		if err != nil {
			s.logger.Warn().Err(err).Int("iteration", iteration).Msg("Skipping iteration")
			continue
		}
		req.Params.Apply(&in.Settings, values)

		result, err := s.evaluate(ctx, in, set)
		if err != nil {
			s.logger.Error().Err(err).
				Int("iteration", iteration).
				Str("symbol", symbol).
				Msg("Portfolio test failed")
			continue
		}

		s.logger.Debug().
			Int("iteration", iteration).
			Str("symbol", symbol).
			Int("trades", result.TotalTrades).
			Float64("final_balance", result.FinalBalance).
			Msg("Portfolio test finished")
		s.update(req, result, set)
	}
}
