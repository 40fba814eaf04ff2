package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// evolution holds the state of one genetic run.
type evolution struct {
	s       *Scheduler
	req     *Request
	cfg     GeneticSettings
	rng     *rand.Rand
	workers int
	conv    convergence
	evals   atomic.Int64
}

// runGenetic evolves a population of integer chromosomes, one gene per parameter.
func (s *Scheduler) runGenetic(ctx context.Context, req *Request) error {
	cfg := req.Genetic
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("genetic optimization: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	e := &evolution{
		s:       s,
		req:     req,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)), // #nosec G404 -- search randomness, not security
		workers: workerCount(req.NumThreads),
	}

	s.preInit(ctx)
	s.logger.Info().
		Int("population", cfg.Population).
		Int("max_generations", cfg.MaxGenerations).
		Str("goal", cfg.Goal.String()).
		Int64("seed", seed).
		Msg("Genetic optimization started")

	start := time.Now()
	pop := make([]*candidate, cfg.Population)
	for i := range pop {
		pop[i] = &candidate{chromosome: randomChromosome(e.rng, len(req.Params))}
	}
	e.score(ctx, pop)

	generation := 0
	for {
		rank(pop)
		e.recordBest(pop[0])
		if s.observer != nil {
			s.observer.GenerationCompleted(generation, pop[0].fitness)
		}
		if !e.generationHook(ctx, generation, pop[0].fitness) {
			break
		}
		pop = e.nextGeneration(ctx, pop)
		generation++
	}

	best, fit := s.Best()
	s.logger.Info().
		Int("generations", generation).
		Int64("evaluations", e.evals.Load()).
		Float64("best_fitness", fit).
		Floats64("best_values", best).
		Dur("duration", time.Since(start)).
		Msg("Genetic optimization finished")

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("genetic optimization: %w", err)
	}
	return nil
}

// generationHook decides whether evolution continues after a generation was ranked.
func (e *evolution) generationHook(ctx context.Context, generation int, best float64) bool {
	log := e.s.logger
	if e.cfg.MaxGenerations > 0 && generation > e.cfg.MaxGenerations-1 {
		log.Info().Int("max_generations", e.cfg.MaxGenerations).Msg("Max number of generations reached")
		return false
	}
	if e.cfg.StopIfConverged && e.conv.record(best) {
		log.Info().Int("generation", generation).Float64("best_fitness", best).Msg("Solutions have converged")
		return false
	}
	if e.s.Stopped() || ctx.Err() != nil {
		log.Info().Int("generation", generation).Msg("Stopping genetic optimization")
		return false
	}
	log.Info().Int("generation", generation+1).Float64("best_fitness", best).Msg("Generation started")
	return true
}

// nextGeneration breeds offspring from the ranked parents and keeps the fittest according to
// the elitism mode.
func (e *evolution) nextGeneration(ctx context.Context, parents []*candidate) []*candidate {
	n := e.cfg.Population
	sel := newSUS(parents, e.rng)

	children := make([]*candidate, 0, n+1)
	for len(children) < n {
		produced := false
		if e.rng.Float64() < e.cfg.CrossoverProbability {
			mother, father := sel.two()
			son, daughter := crossover(e.cfg.CrossoverMode, e.rng, mother.chromosome, father.chromosome)
			children = append(children, &candidate{chromosome: son}, &candidate{chromosome: daughter})
			produced = true
		}
		if e.rng.Float64() < e.cfg.MutationProbability {
			children = append(children, &candidate{chromosome: mutate(e.cfg.MutationMode, e.rng, sel.one().chromosome)})
			produced = true
		}
		if !produced {
			children = append(children, sel.one().clone())
		}
	}

	var pool []*candidate
	switch e.cfg.ElitismMode {
	case ElitismParentsDie:
		pool = children
	case ElitismOneParentSurvives:
		pool = append(children, parents[0])
	case ElitismRescoreParents:
		for _, p := range parents {
			p.scored = false
		}
		pool = append(children, parents...)
	default:
		pool = append(children, parents...)
	}

	e.score(ctx, pool)
	rank(pool)
	return pool[:n]
}

// score evaluates every unscored candidate on the worker pool.
func (e *evolution) score(ctx context.Context, pop []*candidate) {
	slots := workerSlots(e.workers)
	var g errgroup.Group
	g.SetLimit(e.workers)

	for _, c := range pop {
		if c.scored {
			continue
		}
		g.Go(func() error {
			slot := <-slots
			defer func() { slots <- slot }()

			evaluation := int(e.evals.Add(1))
			c.fitness = e.s.fitness(ctx, e.req, c.chromosome, evaluation, slot)
			c.scored = true
			return nil
		})
	}
	_ = g.Wait()
}

func (e *evolution) recordBest(c *candidate) {
	e.s.bestMu.Lock()
	defer e.s.bestMu.Unlock()
	if e.s.best == nil || c.fitness > e.s.bestFit {
		e.s.best = e.req.Params.Genes(c.chromosome)
		e.s.bestFit = c.fitness
	}
}

// rank sorts by descending fitness. Ties keep their order.
func rank(pop []*candidate) {
	sort.SliceStable(pop, func(i, j int) bool { return pop[i].fitness > pop[j].fitness })
}
