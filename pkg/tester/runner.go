package tester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/pkg/optimizer"
	"github.com/asirikuy/framework/pkg/rates"
)

var (
	ErrNoStrategy       = errors.New("no strategy configured")
	ErrNoRates          = errors.New("no rates in primary slot")
	ErrInvalidRatesInfo = errors.New("invalid rates info")
)

const (
	defaultTimeframe  = 60
	defaultTotalBars  = 100
	cancelCheckPeriod = 1024
)

// Runner backtests one symbol per call. Every call gets its own buffer manager and volume
// registry, so concurrent tests never share rates state.
type Runner struct {
	strategy  Strategy
	zones     *rates.TimezoneRegistry
	filter    func() *rates.TradingTimeFilter
	extension int
	logger    zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimezones adjusts bar times from the broker zone to the reference broker zone.
func WithTimezones(zones *rates.TimezoneRegistry) Option {
	return func(r *Runner) { r.zones = zones }
}

// WithTradingTimeFilter supplies a fresh filter per test.
func WithTradingTimeFilter(newFilter func() *rates.TradingTimeFilter) Option {
	return func(r *Runner) { r.filter = newFilter }
}

// WithExtendedBufferSize sets the spare room of every rates buffer.
func WithExtendedBufferSize(n int) Option {
	return func(r *Runner) { r.extension = n }
}

// WithLogger replaces the runner's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner for strategy.
func NewRunner(strategy Strategy, opts ...Option) *Runner {
	r := &Runner{
		strategy: strategy,
		filter:   rates.NewTradingTimeFilter,
		logger:   log.With().Str("component", "tester").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init checks the runner once before an optimization fans out.
func (r *Runner) Init(ctx context.Context) error {
	if r.strategy == nil {
		return ErrNoStrategy
	}
	r.logger.Info().Bool("timezones", r.zones != nil).Msg("Tester initialized")
	return nil
}

// RunPortfolioTest replays the primary source bars one at a time, converting every enabled rates
// slot and asking the strategy for a decision whenever the primary buffer opens a new bar.
func (r *Runner) RunPortfolioTest(ctx context.Context, in *optimizer.TestInput) (optimizer.TestResult, error) {
	if r.strategy == nil {
		return optimizer.TestResult{}, ErrNoStrategy
	}
	src := in.Rates[0]
	if len(src) == 0 {
		return optimizer.TestResult{}, fmt.Errorf("test %d %s: %w", in.TestID, in.Symbol, ErrNoRates)
	}
	infos, err := sourceInfos(in)
	if err != nil {
		return optimizer.TestResult{}, fmt.Errorf("test %d %s: %w", in.TestID, in.Symbol, err)
	}

	buffers := rates.NewBufferManager()
	if r.extension > 0 {
		buffers.SetExtendedBufferSize(r.extension)
	}
	filter := r.filter()
	if filter == nil {
		filter = rates.NewTradingTimeFilter()
	}
	agg := rates.NewAggregator(buffers, rates.NewVolumeRegistry(), filter)
	p := &rates.Params{
		InstanceID: int(in.Settings[optimizer.SettingStrategyInstanceID]),
		Symbol:     in.Symbol,
	}
	if r.zones != nil {
		p.Offsets = r.zones.Offsets(time.Unix(src[0].Time, 0), time.Unix(src[len(src)-1].Time, 0), in.BrokerName, in.ReferenceBrokerName)
	}

	engine := NewEngine(in, r.logger.With().Int("test_id", in.TestID).Str("symbol", in.Symbol).Logger())
	var (
		series  [rates.MaxRatesBuffers]rates.Series
		started bool
		newest  int64
		last    rates.Bar
	)

	for i, bar := range src {
		if i%cancelCheckPeriod == 0 {
			if err := ctx.Err(); err != nil {
				return optimizer.TestResult{}, err
			}
		}
		if from := in.TestSettings.FromDate; from > 0 && bar.Time < from {
			continue
		}
		if to := in.TestSettings.ToDate; to > 0 && bar.Time > to {
			break
		}
		if !history(in, &infos, &series, bar.Time) {
			continue
		}

		b, err := agg.ConvertAll(p, infos, series)
		if err != nil {
			return optimizer.TestResult{}, fmt.Errorf("test %d %s: %w", in.TestID, in.Symbol, err)
		}
		if !started {
			engine.Start(bar.Time)
			started = true
		}

		engine.CheckStops(bar)
		primary := &b.Rates[0]
		if t := primary.At(primary.Len() - 1).Time; t != newest {
			newest = t
			sig := r.strategy.Evaluate(&in.Settings, b, engine.Position)
			if filter.IsOutsideTradingWeekBoundaries(p.Offsets.AdjustedBrokerTime(bar.Time)) {
				sig = exitOnly(sig, engine.Position)
			}
			engine.Apply(bar, sig)
		}
		last = bar
	}

	if !started {
		return optimizer.TestResult{}, fmt.Errorf("test %d %s: %w", in.TestID, in.Symbol, rates.ErrNotEnoughRatesData)
	}
	engine.Finish(last)

	result := CalculateMetrics(engine.Balances, engine.InitialBalance, engine.DisableCompounding, last.Time, engine.TotalDuration)
	result.TestID = in.TestID
	result.Symbol = in.Symbol
	result.NumLongs = engine.NumLongs
	result.NumShorts = engine.NumShorts

	r.logger.Debug().
		Int("test_id", in.TestID).
		Str("symbol", in.Symbol).
		Int("trades", result.TotalTrades).
		Float64("final_balance", result.FinalBalance).
		Msg("Portfolio test finished")
	return result, nil
}

// exitOnly drops new entries in the cropped hours at the edges of the trading week.
// A reversal still closes the open position.
func exitOnly(sig Signal, pos *Position) Signal {
	switch sig.Action {
	case Buy, Sell:
		if pos != nil && (pos.Side == Long) != (sig.Action == Buy) {
			return Signal{Action: CloseAll}
		}
		return Signal{Action: Hold}
	default:
		return sig
	}
}

// sourceInfos completes the rates layout of a test. A disabled primary slot is enabled at the
// strategy timeframe with the source treated as already being at that timeframe.
func sourceInfos(in *optimizer.TestInput) ([rates.MaxRatesBuffers]rates.SourceInfo, error) {
	infos := in.RatesInfo
	if !infos[0].Enabled {
		tf := int(in.Settings[optimizer.SettingTimeframe])
		if tf <= 0 {
			tf = defaultTimeframe
		}
		total := in.NumCandles
		if total <= 0 {
			total = defaultTotalBars
		}
		infos[0] = rates.SourceInfo{Enabled: true, RequiredTimeframe: tf, ActualTimeframe: tf, TotalBarsRequired: total}
	}
	for k := range infos {
		info := &infos[k]
		if !info.Enabled {
			continue
		}
		if info.RequiredTimeframe <= 0 || info.TotalBarsRequired <= 0 {
			return infos, fmt.Errorf("slot %d: timeframe %d, %d bars: %w",
				k, info.RequiredTimeframe, info.TotalBarsRequired, ErrInvalidRatesInfo)
		}
		if info.ActualTimeframe <= 0 {
			info.ActualTimeframe = info.RequiredTimeframe
		}
	}
	return infos, nil
}

// history points every enabled slot at its source bars up to t. It reports false while any
// slot has too little history to fill its buffer.
func history(in *optimizer.TestInput, infos *[rates.MaxRatesBuffers]rates.SourceInfo, series *[rates.MaxRatesBuffers]rates.Series, t int64) bool {
	for k := range infos {
		info := &infos[k]
		if !info.Enabled {
			continue
		}
		bars := in.Rates[k]
		n := sort.Search(len(bars), func(j int) bool { return bars[j].Time > t })
		if n < max(2, rates.RequiredSourceBars(*info)) {
			return false
		}
		series[k] = bars[:n]
		info.RatesArraySize = n
	}
	return true
}
