package optimizer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asirikuy/framework/pkg/rates"
)

// ============================================================================
// TEST DOUBLES
// ============================================================================

// quadraticRunner scores settings[0] and settings[1] on a paraboloid peaking at (30, 5).
type quadraticRunner struct {
	calls     atomic.Int64
	initCalls atomic.Int64
	initErr   error
	fail      func(in *TestInput) bool
	flat      bool

	mu          sync.Mutex
	instanceIDs map[string][]float64
}

func (r *quadraticRunner) Init(ctx context.Context) error {
	r.initCalls.Add(1)
	return r.initErr
}

func (r *quadraticRunner) RunPortfolioTest(ctx context.Context, in *TestInput) (TestResult, error) {
	r.calls.Add(1)

	r.mu.Lock()
	if r.instanceIDs == nil {
		r.instanceIDs = make(map[string][]float64)
	}
	r.instanceIDs[in.Symbol] = append(r.instanceIDs[in.Symbol], in.Settings[SettingStrategyInstanceID])
	r.mu.Unlock()

	if r.fail != nil && r.fail(in) {
		return TestResult{}, errors.New("strategy crashed")
	}

	x, y := in.Settings[0], in.Settings[1]
	profit := 1000 - (x-30)*(x-30) - (y-5)*(y-5)
	if r.flat {
		profit = 500
	}
	return TestResult{
		TestID:       in.TestID,
		TotalTrades:  100,
		FinalBalance: in.AccountInfo.Balance + profit,
		R2:           -0.25,
		NumShorts:    50,
		NumLongs:     50,
		YearsTraded:  1,
	}, nil
}

type generationRecorder struct {
	mu   sync.Mutex
	best []float64
}

func (g *generationRecorder) IterationCompleted(string, time.Duration, error) {}

func (g *generationRecorder) GenerationCompleted(generation int, best float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.best = append(g.best, best)
}

type mapCache struct {
	mu      sync.Mutex
	results map[string]TestResult
}

func (c *mapCache) key(symbol string, set []float64) string { return fmt.Sprint(symbol, set) }

func (c *mapCache) Get(ctx context.Context, symbol string, set []float64) (TestResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[c.key(symbol, set)]
	return r, ok
}

func (c *mapCache) Put(ctx context.Context, symbol string, set []float64, result TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[string]TestResult)
	}
	c.results[c.key(symbol, set)] = result
}

// collector gathers OnUpdate calls keyed by symbol and parameter set.
type collector struct {
	mu       sync.Mutex
	results  map[string]TestResult
	updates  int
	finished atomic.Int32
}

func (c *collector) onUpdate(result TestResult, set []float64, numParams int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[string]TestResult)
	}
	c.results[fmt.Sprint(result.Symbol, set)] = result
	c.updates++
}

func (c *collector) onFinished() { c.finished.Add(1) }

func testRequest(typ Type, c *collector, symbols ...string) *Request {
	req := &Request{
		Params: Space{
			{Index: 0, Name: "fast", Start: 0, Step: 5, Stop: 60},
			{Index: 1, Name: "slow", Start: 0, Step: 1, Stop: 10},
		},
		Type:       typ,
		NumThreads: 1,
		Symbols:    symbols,
		NumCandles: 10,
		Genetic: GeneticSettings{
			Population:           20,
			CrossoverProbability: 0.8,
			MutationProbability:  0.2,
			MaxGenerations:       10,
			Goal:                 GoalProfit,
			Seed:                 42,
		},
		OnUpdate:   c.onUpdate,
		OnFinished: c.onFinished,
	}
	for range symbols {
		req.AccountInfo = append(req.AccountInfo, &AccountInfo{Balance: 10000})
		req.TestSettings = append(req.TestSettings, TestSettings{})
		req.RatesInfo = append(req.RatesInfo, [rates.MaxRatesBuffers]rates.SourceInfo{})
		req.Rates = append(req.Rates, [rates.MaxRatesBuffers]rates.Bars{})
	}
	return req
}

// ============================================================================
// RUN
// ============================================================================

func TestRunRejectsInvalidRequests(t *testing.T) {
	s := NewScheduler(&quadraticRunner{})
	assert.ErrorIs(t, s.Run(context.Background(), nil), ErrInvalidRequest)

	c := &collector{}
	req := testRequest(BruteForce, c)
	assert.ErrorIs(t, s.Run(context.Background(), req), ErrInvalidRequest)
	assert.Equal(t, int32(1), c.finished.Load(), "finished is reported even for invalid requests")

	c = &collector{}
	req = testRequest(BruteForce, c, "EURUSD")
	req.TestSettings = nil
	assert.ErrorIs(t, s.Run(context.Background(), req), ErrInvalidRequest)
	assert.Equal(t, int32(1), c.finished.Load())

	c = &collector{}
	req = testRequest(Type(7), c, "EURUSD")
	assert.ErrorIs(t, s.Run(context.Background(), req), ErrUnsupportedType)
	assert.Equal(t, int32(1), c.finished.Load())
}

func TestRunRejectsRankOutsideProcs(t *testing.T) {
	tests := []struct {
		name           string
		rank, numProcs int
	}{
		{name: "rank past last process", rank: 2, numProcs: 2},
		{name: "negative rank", rank: -1, numProcs: 2},
		{name: "rank without processes", rank: 3, numProcs: 0},
		{name: "rank of single process", rank: 1, numProcs: 1},
		{name: "negative processes", rank: 0, numProcs: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &quadraticRunner{}
			c := &collector{}
			req := testRequest(BruteForce, c, "EURUSD")
			req.Rank, req.NumProcs = tt.rank, tt.numProcs
			assert.ErrorIs(t, NewScheduler(runner).Run(context.Background(), req), ErrInvalidRequest)
			assert.Zero(t, runner.calls.Load())
		})
	}
}

func TestRunRejectsGeneticAcrossProcesses(t *testing.T) {
	runner := &quadraticRunner{}
	c := &collector{}
	req := testRequest(Genetic, c, "EURUSD")
	req.NumProcs = 2
	assert.ErrorIs(t, NewScheduler(runner).Run(context.Background(), req), ErrUnsupportedMode)
	assert.Zero(t, runner.calls.Load())
	assert.Equal(t, int32(1), c.finished.Load())
}

func TestWorkerCount(t *testing.T) {
	cpus := runtime.NumCPU()
	assert.Equal(t, cpus, workerCount(0))
	assert.Equal(t, cpus, workerCount(-3))
	assert.Equal(t, 1, workerCount(1))
	assert.Equal(t, cpus, workerCount(cpus+8))
}

// ============================================================================
// BRUTE FORCE
// ============================================================================

func TestBruteForceVisitsEveryCombination(t *testing.T) {
	runner := &quadraticRunner{}
	c := &collector{}
	req := testRequest(BruteForce, c, "EURUSD")
	s := NewScheduler(runner)

	require.NoError(t, s.Run(context.Background(), req))

	assert.Equal(t, 143, req.Params.Size())
	assert.Len(t, c.results, 143)
	assert.Equal(t, 143, c.updates)
	assert.Equal(t, int64(143), runner.calls.Load())
	assert.Equal(t, int64(143), s.TestsCompleted())
	assert.Equal(t, int32(1), c.finished.Load())

	best := c.results[fmt.Sprint("EURUSD", []float64{0, 30, 1, 5})]
	assert.Equal(t, 11000.0, best.FinalBalance)
}

func TestBruteForceThreadCountDoesNotChangeResults(t *testing.T) {
	single := &collector{}
	req := testRequest(BruteForce, single, "EURUSD", "GBPUSD")
	require.NoError(t, NewScheduler(&quadraticRunner{}).Run(context.Background(), req))

	parallel := &collector{}
	req = testRequest(BruteForce, parallel, "EURUSD", "GBPUSD")
	req.NumThreads = 4
	require.NoError(t, NewScheduler(&quadraticRunner{}).Run(context.Background(), req))

	require.Len(t, single.results, 286)
	require.Equal(t, len(single.results), len(parallel.results))
	for key, r := range single.results {
		other, ok := parallel.results[key]
		require.True(t, ok, key)
		assert.Equal(t, r.FinalBalance, other.FinalBalance, key)
		assert.Equal(t, r.TotalTrades, other.TotalTrades, key)
	}
}

func TestBruteForceRanksPartitionTheSpace(t *testing.T) {
	union := make(map[string]int)
	for rank := 0; rank < 3; rank++ {
		c := &collector{}
		req := testRequest(BruteForce, c, "EURUSD")
		req.Rank, req.NumProcs = rank, 3
		require.NoError(t, NewScheduler(&quadraticRunner{}).Run(context.Background(), req))
		for key := range c.results {
			union[key]++
		}
	}

	assert.Len(t, union, 143)
	for key, n := range union {
		assert.Equal(t, 1, n, "combination %s tested by more than one rank", key)
	}
}

func TestBruteForceCeilingSkipsRun(t *testing.T) {
	runner := &quadraticRunner{}
	c := &collector{}
	req := testRequest(BruteForce, c, "EURUSD")
	req.Params = Space{
		{Index: 0, Start: 0, Step: 1, Stop: 999},
		{Index: 1, Start: 0, Step: 1, Stop: 999},
		{Index: 2, Start: 0, Step: 1, Stop: 999},
	}

	require.NoError(t, NewScheduler(runner).Run(context.Background(), req))
	assert.Zero(t, runner.calls.Load())
	assert.Equal(t, int32(1), c.finished.Load())
}

func TestBruteForceStop(t *testing.T) {
	runner := &quadraticRunner{}
	c := &collector{}
	req := testRequest(BruteForce, c, "EURUSD")
	s := NewScheduler(runner)
	req.OnUpdate = func(result TestResult, set []float64, numParams int) {
		c.onUpdate(result, set, numParams)
		s.Stop()
	}

	require.NoError(t, s.Run(context.Background(), req))
	assert.True(t, s.Stopped())
	assert.Equal(t, int64(1), runner.calls.Load())
	assert.Equal(t, int32(1), c.finished.Load())
}

func TestBruteForceStoppedBeforeRun(t *testing.T) {
	runner := &quadraticRunner{}
	c := &collector{}
	s := NewScheduler(runner)
	s.Stop()
	s.Stop()

	require.NoError(t, s.Run(context.Background(), testRequest(BruteForce, c, "EURUSD")))
	assert.Zero(t, runner.calls.Load())
	assert.Equal(t, int32(1), c.finished.Load())
}

func TestBruteForceCancelledContext(t *testing.T) {
	runner := &quadraticRunner{}
	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewScheduler(runner).Run(ctx, testRequest(BruteForce, c, "EURUSD"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, runner.calls.Load())
	assert.Equal(t, int32(1), c.finished.Load())
}

func TestBruteForceInstanceIDs(t *testing.T) {
	runner := &quadraticRunner{}
	c := &collector{}
	req := testRequest(BruteForce, c, "EURUSD", "GBPUSD")
	req.Params = Space{{Index: 0, Start: 0, Step: 1, Stop: 2}}

	require.NoError(t, NewScheduler(runner).Run(context.Background(), req))

	assert.Equal(t, []float64{3, 3, 3}, runner.instanceIDs["EURUSD"])
	assert.Equal(t, []float64{5, 5, 5}, runner.instanceIDs["GBPUSD"])
}

func TestBruteForceClampsR2AndFillsSymbol(t *testing.T) {
	c := &collector{}
	req := testRequest(BruteForce, c, "EURUSD")
	require.NoError(t, NewScheduler(&quadraticRunner{}).Run(context.Background(), req))

	for key, r := range c.results {
		assert.Zero(t, r.R2, key)
		assert.Equal(t, "EURUSD", r.Symbol, key)
	}
}

func TestBruteForceSkipsSymbolWithoutAccount(t *testing.T) {
	runner := &quadraticRunner{}
	c := &collector{}
	req := testRequest(BruteForce, c, "EURUSD", "GBPUSD")
	req.AccountInfo[1] = nil

	require.NoError(t, NewScheduler(runner).Run(context.Background(), req))
	assert.Len(t, c.results, 143)
	assert.Empty(t, runner.instanceIDs["GBPUSD"])
}

func TestBruteForceContinuesAfterRunnerError(t *testing.T) {
	runner := &quadraticRunner{fail: func(in *TestInput) bool { return in.Settings[0] == 0 }}
	c := &collector{}
	req := testRequest(BruteForce, c, "EURUSD")

	require.NoError(t, NewScheduler(runner).Run(context.Background(), req))
	assert.Equal(t, int64(143), runner.calls.Load())
	assert.Len(t, c.results, 143-11)
}

func TestBruteForceUsesCache(t *testing.T) {
	cache := &mapCache{}

	first := &quadraticRunner{}
	require.NoError(t, NewScheduler(first, WithCache(cache)).Run(context.Background(), testRequest(BruteForce, &collector{}, "EURUSD")))
	assert.Equal(t, int64(143), first.calls.Load())

	second := &quadraticRunner{}
	c := &collector{}
	require.NoError(t, NewScheduler(second, WithCache(cache)).Run(context.Background(), testRequest(BruteForce, c, "EURUSD")))
	assert.Zero(t, second.calls.Load())
	assert.Len(t, c.results, 143)
}

func TestResultsCarryPortfolioSlot(t *testing.T) {
	cache := &mapCache{}
	req := testRequest(BruteForce, &collector{}, "EURUSD", "EURUSD")
	req.AccountInfo[1].Balance = 20000

	var mu sync.Mutex
	slots := make(map[int]int)
	req.OnUpdate = func(r TestResult, set []float64, numParams int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "EURUSD", r.Symbol)
		slots[r.SymbolIndex]++
	}

	runner := &quadraticRunner{}
	require.NoError(t, NewScheduler(runner, WithCache(cache)).Run(context.Background(), req))
	assert.Equal(t, map[int]int{0: 143, 1: 143}, slots)
	assert.Equal(t, int64(286), runner.calls.Load(), "the second slot does not reuse the first slot's results")
}

func TestPreInitRunsOnce(t *testing.T) {
	runner := &quadraticRunner{}
	req := testRequest(BruteForce, &collector{}, "EURUSD")
	req.NumThreads = 4

	require.NoError(t, NewScheduler(runner).Run(context.Background(), req))
	assert.Equal(t, int64(1), runner.initCalls.Load())
}

func TestPreInitFailureDoesNotAbort(t *testing.T) {
	runner := &quadraticRunner{initErr: errors.New("no history")}
	c := &collector{}

	require.NoError(t, NewScheduler(runner).Run(context.Background(), testRequest(BruteForce, c, "EURUSD")))
	assert.Equal(t, int64(143), runner.calls.Load())
}

// ============================================================================
// GENETIC
// ============================================================================

func TestGeneticDeterministicWithSeed(t *testing.T) {
	run := func(threads int) ([]float64, float64) {
		req := testRequest(Genetic, &collector{}, "EURUSD")
		req.NumThreads = threads
		s := NewScheduler(&quadraticRunner{})
		require.NoError(t, s.Run(context.Background(), req))
		return s.Best()
	}

	bestA, fitA := run(1)
	bestB, fitB := run(4)
	assert.Equal(t, bestA, bestB)
	assert.Equal(t, fitA, fitB)
	require.Len(t, bestA, 2)
	assert.GreaterOrEqual(t, bestA[0], 0.0)
	assert.LessOrEqual(t, bestA[0], 60.0)
	assert.GreaterOrEqual(t, bestA[1], 0.0)
	assert.LessOrEqual(t, bestA[1], 10.0)
}

func TestGeneticMaxGenerations(t *testing.T) {
	rec := &generationRecorder{}
	c := &collector{}
	req := testRequest(Genetic, c, "EURUSD")
	req.Genetic.MaxGenerations = 5

	require.NoError(t, NewScheduler(&quadraticRunner{}, WithObserver(rec)).Run(context.Background(), req))
	assert.Len(t, rec.best, 6, "initial population plus five generations")
	assert.Equal(t, int32(1), c.finished.Load())
}

func TestGeneticBestNeverRegressesWhenParentsSurvive(t *testing.T) {
	for _, mode := range []ElitismMode{ElitismDefault, ElitismParentsSurvive, ElitismOneParentSurvives} {
		t.Run(fmt.Sprintf("elitism_%d", mode), func(t *testing.T) {
			rec := &generationRecorder{}
			req := testRequest(Genetic, &collector{}, "EURUSD")
			req.Genetic.ElitismMode = mode

			s := NewScheduler(&quadraticRunner{}, WithObserver(rec))
			require.NoError(t, s.Run(context.Background(), req))

			for i := 1; i < len(rec.best); i++ {
				assert.GreaterOrEqual(t, rec.best[i], rec.best[i-1], "generation %d", i)
			}
			_, fit := s.Best()
			assert.Equal(t, rec.best[len(rec.best)-1], fit)
		})
	}
}

func TestGeneticAllModesRun(t *testing.T) {
	for cm := CrossoverSinglePoint; cm <= CrossoverAlleleMixing; cm++ {
		for mm := MutationSinglePointDrift; mm <= MutationAllPoint; mm++ {
			req := testRequest(Genetic, &collector{}, "EURUSD")
			req.Genetic.CrossoverMode = cm
			req.Genetic.MutationMode = mm
			req.Genetic.ElitismMode = ElitismRescoreParents
			req.Genetic.MaxGenerations = 3

			s := NewScheduler(&quadraticRunner{})
			require.NoError(t, s.Run(context.Background(), req), "crossover %d mutation %d", cm, mm)
			best, fit := s.Best()
			assert.Len(t, best, 2)
			assert.Positive(t, fit)
		}
	}
}

func TestGeneticStopsOnConvergence(t *testing.T) {
	rec := &generationRecorder{}
	req := testRequest(Genetic, &collector{}, "EURUSD")
	req.Genetic.MaxGenerations = 0
	req.Genetic.StopIfConverged = true

	require.NoError(t, NewScheduler(&quadraticRunner{flat: true}, WithObserver(rec)).Run(context.Background(), req))
	assert.Len(t, rec.best, convergenceWindow)
}

func TestGeneticStop(t *testing.T) {
	rec := &generationRecorder{}
	c := &collector{}
	req := testRequest(Genetic, c, "EURUSD")
	req.Genetic.MaxGenerations = 0
	s := NewScheduler(&quadraticRunner{}, WithObserver(rec))
	req.OnUpdate = func(result TestResult, set []float64, numParams int) { s.Stop() }

	require.NoError(t, s.Run(context.Background(), req))
	assert.Len(t, rec.best, 1)
	assert.Equal(t, int32(1), c.finished.Load())
}

func TestGeneticUnsupportedMode(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*GeneticSettings)
	}{
		{name: "crossover", modify: func(g *GeneticSettings) { g.CrossoverMode = 9 }},
		{name: "evolutionary", modify: func(g *GeneticSettings) { g.EvolutionaryMode = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &quadraticRunner{}
			c := &collector{}
			req := testRequest(Genetic, c, "EURUSD")
			tt.modify(&req.Genetic)

			assert.ErrorIs(t, NewScheduler(runner).Run(context.Background(), req), ErrUnsupportedMode)
			assert.Zero(t, runner.calls.Load())
			assert.Equal(t, int32(1), c.finished.Load())
		})
	}
}

func TestGeneticPenalizedPopulation(t *testing.T) {
	req := testRequest(Genetic, &collector{}, "EURUSD")
	req.Genetic.MinTradesAYear = 1000
	req.Genetic.MaxGenerations = 2

	s := NewScheduler(&quadraticRunner{})
	require.NoError(t, s.Run(context.Background(), req))
	_, fit := s.Best()
	assert.Zero(t, fit)
}

func TestFitnessSumsSymbols(t *testing.T) {
	req := testRequest(Genetic, &collector{}, "EURUSD", "GBPUSD")
	s := NewScheduler(&quadraticRunner{})

	// Genes 50 and 50 map to fast=30 and slow=5, the peak.
	got := s.fitness(context.Background(), req, []int{50, 50}, 1, 0)
	assert.Equal(t, 2000.0, got)
}
