// Package history loads and saves the historic rate files the tester replays.
package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/pkg/rates"
)

var (
	ErrUnknownFormat = errors.New("unknown history format")
	ErrMalformedRow  = errors.New("malformed history row")
	ErrNoHistory     = errors.New("no history")
)

// Format is a history file encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// ParseFormat accepts "csv" or "parquet", case insensitive.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownFormat)
	}
}

// Store reads <dir>/<symbol>_<timeframe>.<format> files.
type Store struct {
	dir    string
	format Format
	log    zerolog.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, format Format) *Store {
	return &Store{
		dir:    dir,
		format: format,
		log:    log.With().Str("component", "history").Logger(),
	}
}

// Path returns the file holding symbol at timeframe minutes.
func (s *Store) Path(symbol string, timeframe int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.%s", symbol, timeframe, s.format))
}

// Load reads the first numCandles bars of a symbol, or all of them when numCandles is 0.
func (s *Store) Load(symbol string, timeframe, numCandles int) (rates.Bars, error) {
	path := s.Path(symbol, timeframe)

	var (
		bars rates.Bars
		err  error
	)
	switch s.format {
	case FormatCSV:
		bars, err = readCSVFile(path, numCandles)
	case FormatParquet:
		bars, err = ReadParquet(path, numCandles)
	default:
		return nil, fmt.Errorf("%q: %w", s.format, ErrUnknownFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("load %s: %w", path, ErrNoHistory)
	}

	s.log.Info().
		Str("symbol", symbol).
		Int("timeframe", timeframe).
		Int("bars", len(bars)).
		Str("from", FormatTime(bars[0].Time)).
		Str("to", FormatTime(bars[len(bars)-1].Time)).
		Msg("History loaded")
	return bars, nil
}

// LoadPortfolio loads one primary rates slot per symbol.
func (s *Store) LoadPortfolio(symbols []string, timeframe, numCandles int) ([][rates.MaxRatesBuffers]rates.Bars, error) {
	out := make([][rates.MaxRatesBuffers]rates.Bars, len(symbols))
	for i, symbol := range symbols {
		bars, err := s.Load(symbol, timeframe, numCandles)
		if err != nil {
			return nil, err
		}
		out[i][0] = bars
	}
	return out, nil
}

// Save writes bars for symbol at timeframe in the store's format.
func (s *Store) Save(symbol string, timeframe int, bars []rates.Bar) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	return Save(s.Path(symbol, timeframe), s.format, bars)
}

// Save writes bars to path.
func Save(path string, format Format, bars []rates.Bar) error {
	switch format {
	case FormatCSV:
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := WriteCSV(f, bars); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		return f.Close()
	case FormatParquet:
		return WriteParquet(path, bars)
	default:
		return fmt.Errorf("%q: %w", format, ErrUnknownFormat)
	}
}

func readCSVFile(path string, limit int) (rates.Bars, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, limit)
}

// ReadParquet reads bars written by WriteParquet. limit > 0 keeps the first limit bars.
func ReadParquet(path string, limit int) (rates.Bars, error) {
	rows, err := parquet.ReadFile[rates.Bar](path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// WriteParquet writes bars as one parquet row each.
func WriteParquet(path string, bars []rates.Bar) error {
	return parquet.WriteFile(path, bars)
}
