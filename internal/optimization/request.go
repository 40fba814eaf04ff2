// Package optimization builds optimization requests from configuration and runs them as tracked jobs.
package optimization

import (
	"fmt"

	"github.com/asirikuy/framework/internal/config"
	"github.com/asirikuy/framework/internal/history"
	"github.com/asirikuy/framework/internal/results"
	"github.com/asirikuy/framework/pkg/optimizer"
	"github.com/asirikuy/framework/pkg/rates"
	"github.com/asirikuy/framework/pkg/tester"
)

// StartOptions overrides the configured run. Zero values keep the configuration.
type StartOptions struct {
	Type        string          `json:"type,omitempty"`
	Symbols     []string        `json:"symbols,omitempty"`
	Threads     int             `json:"threads,omitempty"`
	Params      optimizer.Space `json:"params,omitempty"`
	CSVPath     string          `json:"csv_path,omitempty"`
	ParquetPath string          `json:"parquet_path,omitempty"`
	// ParamNames labels settings indexes in the CSV and parquet outputs.
	ParamNames map[int]string `json:"param_names,omitempty"`
	// ClearCache drops cached fitness for this run's inputs before it starts.
	ClearCache bool `json:"clear_cache,omitempty"`
}

// BuildRequest assembles a portfolio request from cfg, loading one history file per symbol.
// When opts carries no parameter space, the configured params file is used.
func BuildRequest(cfg *config.Config, hist *history.Store, opts StartOptions) (*optimizer.Request, error) {
	typeName := cfg.Optimizer.Type
	if opts.Type != "" {
		typeName = opts.Type
	}
	typ, err := optimizer.ParseType(typeName)
	if err != nil {
		return nil, err
	}

	space := opts.Params
	if len(space) == 0 {
		if cfg.Optimizer.ParamsFile == "" {
			return nil, fmt.Errorf("no parameters to optimize: %w", optimizer.ErrInvalidRequest)
		}
		if space, err = config.LoadParams(cfg.Optimizer.ParamsFile); err != nil {
			return nil, err
		}
	}

	settings, err := cfg.Tester.SettingsVector()
	if err != nil {
		return nil, err
	}
	if settings[optimizer.SettingTimeframe] == 0 {
		settings[optimizer.SettingTimeframe] = float64(cfg.History.Timeframe)
	}

	symbols := cfg.Tester.Symbols
	if len(opts.Symbols) > 0 {
		symbols = opts.Symbols
	}

	portfolio, err := hist.LoadPortfolio(symbols, cfg.History.Timeframe, 0)
	if err != nil {
		return nil, err
	}

	threads := cfg.Optimizer.Threads
	if opts.Threads > 0 {
		threads = opts.Threads
	}

	req := &optimizer.Request{
		Params:              space,
		Type:                typ,
		Genetic:             cfg.Optimizer.Genetic,
		NumThreads:          threads,
		Settings:            settings,
		Symbols:             symbols,
		AccountCurrency:     cfg.Tester.AccountCurrency,
		BrokerName:          cfg.Tester.BrokerName,
		ReferenceBrokerName: cfg.Tester.ReferenceBrokerName,
		AccountInfo:         make([]*optimizer.AccountInfo, len(symbols)),
		TestSettings:        make([]optimizer.TestSettings, len(symbols)),
		RatesInfo:           make([][rates.MaxRatesBuffers]rates.SourceInfo, len(symbols)),
		Rates:               portfolio,
		NumCandles:          cfg.Tester.NumCandles,
		MinLotSize:          cfg.Tester.MinLotSize,
		Rank:                cfg.Optimizer.Rank,
		NumProcs:            cfg.Optimizer.NumProcs,
	}
	for i := range symbols {
		account := cfg.Tester.Account
		req.AccountInfo[i] = &account
		req.TestSettings[i] = cfg.Tester.Test
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// NewRunner builds the sample EMA crossover tester with the configured rates engine.
func NewRunner(cfg *config.Config) (*tester.Runner, error) {
	zones, err := cfg.Timezones.Registry()
	if err != nil {
		return nil, err
	}
	return tester.NewRunner(tester.EMACrossover{},
		tester.WithTimezones(zones),
		tester.WithTradingTimeFilter(cfg.Rates.NewTradingTimeFilter),
		tester.WithExtendedBufferSize(cfg.Rates.ExtendedBufferSize),
		tester.WithLogger(config.NewLogger("tester")),
	), nil
}

// cacheNamespace separates cached results of runs that differ in anything but the optimized values.
func cacheNamespace(req *optimizer.Request, hist config.HistoryConfig) string {
	accounts := make([]optimizer.AccountInfo, len(req.AccountInfo))
	for i, a := range req.AccountInfo {
		accounts[i] = *a
	}
	return results.Fingerprint(req.Symbols, req.Settings, req.NumCandles, req.MinLotSize,
		accounts, req.TestSettings, hist.Dir, hist.Format, hist.Timeframe)
}
