// Rates converter
// Rolls a broker history file up to a higher timeframe with the same aggregation the optimizer
// uses during tests, and writes the result as CSV or parquet.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/config"
	"github.com/asirikuy/framework/internal/history"
	"github.com/asirikuy/framework/pkg/rates"
)

var (
	configPath = flag.String("config", "", "Path to config file (default configs/config.yaml)")

	// Source
	symbol = flag.String("symbol", "", "Symbol to convert (required)")
	input  = flag.String("input", "", "Source file, .csv or .parquet (default <history.dir>/<symbol>_<from>.<history.format>)")
	from   = flag.Int("from", 0, "Source timeframe in minutes (default history.timeframe)")
	to     = flag.Int("to", 0, "Target timeframe in minutes (required)")

	// Aggregation
	window          = flag.Int("window", 100, "Rates buffer size in target bars")
	broker          = flag.String("broker", "", "Broker name used to look up the source timezone")
	referenceBroker = flag.String("reference-broker", "", "Reference broker name")
	digits          = flag.Int("digits", 5, "Price digits")

	// Output
	output  = flag.String("output", "", "Output file (default <history.dir>/<symbol>_<to>.<format>)")
	format  = flag.String("format", "", "Output format: csv or parquet (default history.format)")
	verbose = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Error().Err(err).Msg("Rates conversion failed")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ValidateAndLoad(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return errors.New("invalid configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if cfg.App.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *symbol == "" || *to <= 0 {
		flag.Usage()
		return errors.New("-symbol and -to are required")
	}
	src := *from
	if src <= 0 {
		src = cfg.History.Timeframe
	}

	storeFormat, err := history.ParseFormat(cfg.History.Format)
	if err != nil {
		return err
	}
	outFormat := storeFormat
	if *format != "" {
		if outFormat, err = history.ParseFormat(*format); err != nil {
			return err
		}
	}

	bars, err := load(history.NewStore(cfg.History.Dir, storeFormat), src)
	if err != nil {
		return err
	}

	c := conversion{
		Symbol: *symbol,
		From:   src,
		To:     *to,
		Window: *window,
		Digits: *digits,
		Point:  point(*digits),
		Filter: cfg.Rates.NewTradingTimeFilter(),
	}
	if *broker != "" {
		zones, err := cfg.Timezones.Registry()
		if err != nil {
			return err
		}
		c.Offsets = zones.Offsets(time.Unix(bars[0].Time, 0), time.Unix(bars[len(bars)-1].Time, 0), *broker, *referenceBroker)
	}

	start := time.Now()
	out, err := resample(c, bars)
	if err != nil {
		return err
	}

	path := *output
	if path == "" {
		path = history.NewStore(cfg.History.Dir, outFormat).Path(*symbol, *to)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := history.Save(path, outFormat, out); err != nil {
		return err
	}

	log.Info().
		Str("symbol", *symbol).
		Int("from", src).
		Int("to", *to).
		Int("source_bars", len(bars)).
		Int("bars", len(out)).
		Str("output", path).
		Dur("duration", time.Since(start)).
		Msg("Rates converted")
	return nil
}

// load reads the source bars from -input or the history store.
func load(store *history.Store, timeframe int) (rates.Bars, error) {
	if *input == "" {
		return store.Load(*symbol, timeframe, 0)
	}

	var (
		bars rates.Bars
		err  error
	)
	switch strings.ToLower(filepath.Ext(*input)) {
	case ".parquet":
		bars, err = history.ReadParquet(*input, 0)
	default:
		var f *os.File
		if f, err = os.Open(*input); err != nil {
			return nil, err
		}
		bars, err = history.ReadCSV(f, 0)
		_ = f.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", *input, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("load %s: %w", *input, history.ErrNoHistory)
	}
	return bars, nil
}

func point(digits int) float64 {
	p := 1.0
	for range digits {
		p /= 10
	}
	return p
}
