package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/asirikuy/framework/pkg/rates"
)

// Runner executes one portfolio backtest. Implementations may keep no state between calls
// that depends on the input; every call receives its own TestInput.
type Runner interface {
	RunPortfolioTest(ctx context.Context, in *TestInput) (TestResult, error)
}

// Initializer is implemented by runners with shared state to set up once before parallel work.
type Initializer interface {
	Init(ctx context.Context) error
}

// ResultCache memoizes per-symbol results by parameter set. The key names the portfolio slot
// and its symbol.
type ResultCache interface {
	Get(ctx context.Context, key string, set []float64) (TestResult, bool)
	Put(ctx context.Context, key string, set []float64, result TestResult)
}

// Observer receives run telemetry.
type Observer interface {
	IterationCompleted(symbol string, elapsed time.Duration, err error)
	GenerationCompleted(generation int, bestFitness float64)
}

// UpdateFunc receives each finished test with its flattened index/value parameter pairs.
type UpdateFunc func(result TestResult, set []float64, numParams int)

// Request describes one optimization run over a portfolio of symbols.
// Per-symbol slices are indexed like Symbols.
type Request struct {
	Params     Space
	Type       Type
	Genetic    GeneticSettings
	NumThreads int

	Settings            [NumSettings]float64
	Symbols             []string
	AccountCurrency     string
	BrokerName          string
	ReferenceBrokerName string
	AccountInfo         []*AccountInfo
	TestSettings        []TestSettings
	RatesInfo           [][rates.MaxRatesBuffers]rates.SourceInfo
	Rates               [][rates.MaxRatesBuffers]rates.Bars
	NumCandles          int
	MinLotSize          float64

	// Rank and NumProcs split a brute force sweep across processes. NumProcs 0 means one process.
	Rank     int
	NumProcs int

	OnUpdate   UpdateFunc
	OnFinished func()
}

// Validate checks the request shape before any work starts.
func (r *Request) Validate() error {
	if err := r.Params.Validate(); err != nil {
		return err
	}
	n := len(r.Symbols)
	if n == 0 {
		return fmt.Errorf("no symbols: %w", ErrInvalidRequest)
	}
	if len(r.AccountInfo) != n || len(r.TestSettings) != n || len(r.RatesInfo) != n || len(r.Rates) != n {
		return fmt.Errorf("per-symbol inputs do not match %d symbols: %w", n, ErrInvalidRequest)
	}
	if r.NumProcs < 0 || r.Rank < 0 || r.Rank >= max(1, r.NumProcs) {
		return fmt.Errorf("rank %d of %d: %w", r.Rank, r.NumProcs, ErrInvalidRequest)
	}
	// Only brute force partitions its space by rank.
	if r.Type == Genetic && r.NumProcs > 1 {
		return fmt.Errorf("genetic optimization across %d processes: %w", r.NumProcs, ErrUnsupportedMode)
	}
	return nil
}

// input materializes an isolated test input for symbol n. Rate slots without data are
// zero-filled to NumCandles so every slot is owned by the copy.
func (r *Request) input(n, testID int) (*TestInput, error) {
	if r.AccountInfo[n] == nil {
		return nil, fmt.Errorf("symbol %q: missing account info: %w", r.Symbols[n], ErrInvalidRequest)
	}
	if r.Symbols[n] == "" {
		return nil, fmt.Errorf("symbol %d: empty name: %w", n, ErrInvalidRequest)
	}

	in := &TestInput{
		TestID:              testID,
		Settings:            r.Settings,
		Symbol:              r.Symbols[n],
		SymbolIndex:         n,
		AccountCurrency:     orDefault(r.AccountCurrency, "USD"),
		BrokerName:          orDefault(r.BrokerName, "Default Broker"),
		ReferenceBrokerName: orDefault(r.ReferenceBrokerName, "Default Broker"),
		AccountInfo:         *r.AccountInfo[n],
		TestSettings:        r.TestSettings[n],
		RatesInfo:           r.RatesInfo[n],
		NumCandles:          r.NumCandles,
		MinLotSize:          r.MinLotSize,
	}
	for k := range in.Rates {
		src := r.Rates[n][k]
		if len(src) > 0 && (k == 0 || in.RatesInfo[k].TotalBarsRequired > 0) {
			in.Rates[k] = append(rates.Bars(nil), src...)
		} else {
			in.Rates[k] = make(rates.Bars, r.NumCandles)
		}
	}
	in.Settings[SettingStrategyInstanceID] = float64((testID + 1) + 2*(n+1))
	return in, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
