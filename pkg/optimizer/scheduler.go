package optimizer

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Scheduler drives one optimization run. Stop is permanent, so use a new Scheduler per run.
type Scheduler struct {
	runner   Runner
	cache    ResultCache
	observer Observer
	logger   zerolog.Logger
	progress *rate.Limiter

	stopped  atomic.Bool
	initOnce sync.Once
	initErr  error
	updateMu sync.Mutex
	tests    atomic.Int64

	bestMu  sync.RWMutex
	best    []float64
	bestFit float64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCache memoizes results across identical parameter sets.
func WithCache(c ResultCache) Option {
	return func(s *Scheduler) { s.cache = c }
}

// WithObserver reports iterations and generations, typically to metrics.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithProgressInterval sets the minimum gap between progress log lines.
func WithProgressInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.progress = rate.NewLimiter(rate.Every(d), 1) }
}

// WithLogger replaces the scheduler's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler running tests through runner.
func NewScheduler(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		logger:   log.With().Str("component", "optimizer").Logger(),
		progress: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stop asks the run to finish early. Tests already started still complete.
// Safe to call from any goroutine.
func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.logger.Info().Msg("Optimization stop requested")
	}
}

// Stopped reports whether Stop was called.
func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// TestsCompleted returns the number of portfolio tests that finished successfully.
func (s *Scheduler) TestsCompleted() int64 {
	return s.tests.Load()
}

// Best returns the best genetic parameter values found so far.
func (s *Scheduler) Best() ([]float64, float64) {
	s.bestMu.RLock()
	defer s.bestMu.RUnlock()
	return append([]float64(nil), s.best...), s.bestFit
}

// Run executes the request. OnFinished is called exactly once, whatever the outcome.
func (s *Scheduler) Run(ctx context.Context, req *Request) error {
	if req == nil {
		return fmt.Errorf("run optimization: %w", ErrInvalidRequest)
	}
	defer func() {
		if req.OnFinished != nil {
			req.OnFinished()
		}
	}()

	if err := req.Validate(); err != nil {
		return fmt.Errorf("run optimization: %w", err)
	}

	s.logger.Info().
		Str("type", req.Type.String()).
		Int("params", len(req.Params)).
		Strs("symbols", req.Symbols).
		Int("threads", workerCount(req.NumThreads)).
		Msg("Starting optimization")

	switch req.Type {
	case BruteForce:
		return s.runBruteForce(ctx, req)
	case Genetic:
		return s.runGenetic(ctx, req)
	default:
		return fmt.Errorf("run optimization: %s: %w", req.Type, ErrUnsupportedType)
	}
}

// workerCount caps n at the CPU count. Zero or less means every CPU.
func workerCount(n int) int {
	if n < 1 {
		n = runtime.NumCPU()
	}
	if cpus := runtime.NumCPU(); n > cpus {
		n = cpus
	}
	return n
}

// preInit sets up shared runner state once. Concurrent callers block until it is done.
// A failure is logged and the run continues.
func (s *Scheduler) preInit(ctx context.Context) {
	initializer, ok := s.runner.(Initializer)
	if !ok {
		return
	}
	s.initOnce.Do(func() {
		s.initErr = initializer.Init(ctx)
	})
	if s.initErr != nil {
		s.logger.Warn().Err(s.initErr).Msg("Runner pre-initialization failed, continuing")
	}
}

// workerSlots hands out stable worker ids so each concurrent test gets a distinct instance slot.
func workerSlots(n int) chan int {
	slots := make(chan int, n)
	for i := 0; i < n; i++ {
		slots <- i
	}
	return slots
}

// evaluate runs one isolated test, consulting the cache first. Results carry the portfolio
// slot of the input so a symbol listed twice stays distinguishable.
func (s *Scheduler) evaluate(ctx context.Context, in *TestInput, set []float64) (TestResult, error) {
	key := strconv.Itoa(in.SymbolIndex) + ":" + in.Symbol
	if s.cache != nil {
		if r, ok := s.cache.Get(ctx, key, set); ok {
			r.TestID = in.TestID
			r.SymbolIndex = in.SymbolIndex
			return r, nil
		}
	}

	start := time.Now()
	result, err := s.runner.RunPortfolioTest(ctx, in)
	if s.observer != nil {
		s.observer.IterationCompleted(in.Symbol, time.Since(start), err)
	}
	if err != nil {
		return result, err
	}

	if result.R2 < 0 {
		result.R2 = 0
	}
	if result.Symbol == "" {
		result.Symbol = in.Symbol
	}
	result.SymbolIndex = in.SymbolIndex
	s.tests.Add(1)

	if s.cache != nil {
		s.cache.Put(ctx, key, set, result)
	}
	return result, nil
}

// update serializes result callbacks.
func (s *Scheduler) update(req *Request, result TestResult, set []float64) {
	if req.OnUpdate == nil {
		return
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	req.OnUpdate(result, set, len(req.Params))
}
