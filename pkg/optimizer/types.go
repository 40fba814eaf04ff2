// Package optimizer searches strategy parameter spaces by brute force or genetic evolution,
// running one isolated portfolio test per candidate and symbol.
package optimizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/asirikuy/framework/pkg/rates"
)

var (
	ErrInvalidParam    = errors.New("invalid optimization parameter")
	ErrUnsupportedMode = errors.New("unsupported genetic mode")
	ErrUnsupportedType = errors.New("unsupported optimization type")
	ErrInvalidRequest  = errors.New("invalid optimization request")
)

// ============================================================================
// SETTINGS LAYOUT
// ============================================================================

// NumSettings is the length of a strategy settings vector.
const NumSettings = 64

// Settings slots used by the framework itself. Slots 0-39 are strategy specific.
const (
	SettingUseSL              = 41
	SettingUseTP              = 42
	SettingIsBacktesting      = 46
	SettingDisableCompounding = 47
	SettingStrategyInstanceID = 51
	SettingTimeframe          = 53
	SettingAccountRiskPercent = 57
	SettingSLATRMultiplier    = 60
	SettingTPATRMultiplier    = 61
	SettingATRAveragingPeriod = 62
)

// ============================================================================
// MODES
// ============================================================================

// Type selects the search strategy.
type Type int

const (
	BruteForce Type = 0
	Genetic    Type = 1
)

func (t Type) String() string {
	switch t {
	case BruteForce:
		return "brute_force"
	case Genetic:
		return "genetic"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType accepts "brute_force", "genetic" or the numeric codes.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "brute_force", "bruteforce", "0":
		return BruteForce, nil
	case "genetic", "1":
		return Genetic, nil
	default:
		return 0, fmt.Errorf("optimization type %q: %w", s, ErrUnsupportedType)
	}
}

// Goal is the metric a genetic run maximizes.
type Goal int

const (
	GoalProfit Goal = iota
	GoalMaxDD
	GoalMaxDDLength
	GoalProfitFactor
	GoalR2
	GoalUlcerIndex
	GoalSharpe
	GoalCAGRToMaxDD
	GoalCAGR
)

var goalNames = map[Goal]string{
	GoalProfit:       "profit",
	GoalMaxDD:        "max_dd",
	GoalMaxDDLength:  "max_dd_length",
	GoalProfitFactor: "profit_factor",
	GoalR2:           "r2",
	GoalUlcerIndex:   "ulcer_index",
	GoalSharpe:       "sharpe",
	GoalCAGRToMaxDD:  "cagr_to_max_dd",
	GoalCAGR:         "cagr",
}

func (g Goal) String() string {
	if name, ok := goalNames[g]; ok {
		return name
	}
	return fmt.Sprintf("goal(%d)", int(g))
}

// CrossoverMode selects how two chromosomes are recombined.
type CrossoverMode int

const (
	CrossoverSinglePoint CrossoverMode = iota
	CrossoverDoublePoint
	CrossoverMean
	CrossoverMixing
	CrossoverAlleleMixing
)

// MutationMode selects how a chromosome is mutated.
type MutationMode int

const (
	MutationSinglePointDrift MutationMode = iota
	MutationSinglePointRandomize
	MutationSinglePointRandomizeAlt
	MutationAllPoint
)

// ElitismMode selects which parents carry over into the next generation.
type ElitismMode int

const (
	ElitismDefault ElitismMode = iota
	ElitismParentsSurvive
	ElitismOneParentSurvives
	ElitismParentsDie
	ElitismRescoreParents
)

// GeneticSettings configures a genetic run.
type GeneticSettings struct {
	Population            int           `json:"population" yaml:"population" mapstructure:"population"`
	CrossoverProbability  float64       `json:"crossover_probability" yaml:"crossover_probability" mapstructure:"crossover_probability"`
	MutationProbability   float64       `json:"mutation_probability" yaml:"mutation_probability" mapstructure:"mutation_probability"`
	EvolutionaryMode      int           `json:"evolutionary_mode" yaml:"evolutionary_mode" mapstructure:"evolutionary_mode"`
	ElitismMode           ElitismMode   `json:"elitism_mode" yaml:"elitism_mode" mapstructure:"elitism_mode"`
	MutationMode          MutationMode  `json:"mutation_mode" yaml:"mutation_mode" mapstructure:"mutation_mode"`
	CrossoverMode         CrossoverMode `json:"crossover_mode" yaml:"crossover_mode" mapstructure:"crossover_mode"`
	MaxGenerations        int           `json:"max_generations" yaml:"max_generations" mapstructure:"max_generations"`
	StopIfConverged       bool          `json:"stop_if_converged" yaml:"stop_if_converged" mapstructure:"stop_if_converged"`
	DiscardAsymmetricSets bool          `json:"discard_asymmetric_sets" yaml:"discard_asymmetric_sets" mapstructure:"discard_asymmetric_sets"`
	MinTradesAYear        int           `json:"min_trades_a_year" yaml:"min_trades_a_year" mapstructure:"min_trades_a_year"`
	Goal                  Goal          `json:"goal" yaml:"goal" mapstructure:"goal"`
	Seed                  int64         `json:"seed" yaml:"seed" mapstructure:"seed"`
}

// Validate rejects modes the engine does not implement.
func (g GeneticSettings) Validate() error {
	if g.Population < 2 {
		return fmt.Errorf("population %d: %w", g.Population, ErrInvalidRequest)
	}
	// Only the single-population evolution is implemented.
	if g.EvolutionaryMode != 0 {
		return fmt.Errorf("evolutionary mode %d: %w", g.EvolutionaryMode, ErrUnsupportedMode)
	}
	if g.CrossoverMode < CrossoverSinglePoint || g.CrossoverMode > CrossoverAlleleMixing {
		return fmt.Errorf("crossover mode %d: %w", g.CrossoverMode, ErrUnsupportedMode)
	}
	if g.MutationMode < MutationSinglePointDrift || g.MutationMode > MutationAllPoint {
		return fmt.Errorf("mutation mode %d: %w", g.MutationMode, ErrUnsupportedMode)
	}
	if g.ElitismMode < ElitismDefault || g.ElitismMode > ElitismRescoreParents {
		return fmt.Errorf("elitism mode %d: %w", g.ElitismMode, ErrUnsupportedMode)
	}
	if _, ok := goalNames[g.Goal]; !ok {
		return fmt.Errorf("goal %d: %w", g.Goal, ErrUnsupportedMode)
	}
	return nil
}

// ============================================================================
// TEST INPUTS AND RESULTS
// ============================================================================

// AccountInfo is the simulated account a test starts from.
type AccountInfo struct {
	Number             float64 `json:"number" yaml:"number" mapstructure:"number"`
	Balance            float64 `json:"balance" yaml:"balance" mapstructure:"balance"`
	Equity             float64 `json:"equity" yaml:"equity" mapstructure:"equity"`
	Margin             float64 `json:"margin" yaml:"margin" mapstructure:"margin"`
	Leverage           float64 `json:"leverage" yaml:"leverage" mapstructure:"leverage"`
	ContractSize       float64 `json:"contract_size" yaml:"contract_size" mapstructure:"contract_size"`
	MinimumStop        float64 `json:"minimum_stop" yaml:"minimum_stop" mapstructure:"minimum_stop"`
	StopOut            float64 `json:"stop_out" yaml:"stop_out" mapstructure:"stop_out"`
	TotalOpenTradeRisk float64 `json:"total_open_trade_risk" yaml:"total_open_trade_risk" mapstructure:"total_open_trade_risk"`
	LargestDrawdown    float64 `json:"largest_drawdown" yaml:"largest_drawdown" mapstructure:"largest_drawdown"`
}

// TestSettings bounds one backtest.
type TestSettings struct {
	Spread              float64 `json:"spread" yaml:"spread" mapstructure:"spread"`
	FromDate            int64   `json:"from_date" yaml:"from_date" mapstructure:"from_date"`
	ToDate              int64   `json:"to_date" yaml:"to_date" mapstructure:"to_date"`
	CalculateExpectancy bool    `json:"calculate_expectancy" yaml:"calculate_expectancy" mapstructure:"calculate_expectancy"`
}

// TestResult summarizes one backtest.
type TestResult struct {
	TestID           int     `json:"test_id"`
	Symbol           string  `json:"symbol"`
	SymbolIndex      int     `json:"symbol_index"`
	TotalTrades      int     `json:"total_trades"`
	FinalBalance     float64 `json:"final_balance"`
	CAGR             float64 `json:"cagr"`
	Sharpe           float64 `json:"sharpe"`
	Martin           float64 `json:"martin"`
	RiskReward       float64 `json:"risk_reward"`
	Winning          float64 `json:"winning"`
	MaxDDDepth       float64 `json:"max_dd_depth"`
	MaxDDLength      float64 `json:"max_dd_length"`
	PF               float64 `json:"pf"`
	R2               float64 `json:"r2"`
	UlcerIndex       float64 `json:"ulcer_index"`
	AvgTradeDuration float64 `json:"avg_trade_duration"`
	NumShorts        int     `json:"num_shorts"`
	NumLongs         int     `json:"num_longs"`
	YearsTraded      float64 `json:"years_traded"`
}

// TestInput is everything one portfolio test reads. Each test owns its own copy.
type TestInput struct {
	TestID              int
	Settings            [NumSettings]float64
	Symbol              string
	SymbolIndex         int
	AccountCurrency     string
	BrokerName          string
	ReferenceBrokerName string
	AccountInfo         AccountInfo
	TestSettings        TestSettings
	RatesInfo           [rates.MaxRatesBuffers]rates.SourceInfo
	Rates               [rates.MaxRatesBuffers]rates.Bars
	NumCandles          int
	MinLotSize          float64
}

// Clone deep-copies the input, rate arrays included.
func (in *TestInput) Clone() *TestInput {
	out := *in
	for i, r := range in.Rates {
		if r != nil {
			out.Rates[i] = append(rates.Bars(nil), r...)
		}
	}
	return &out
}
