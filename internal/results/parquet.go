package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
)

// Row is the flat parquet layout of a Record.
type Row struct {
	RunID       string  `parquet:"run_id"`
	Iteration   int64   `parquet:"iteration"`
	Symbol      string  `parquet:"symbol"`
	NumTrades   int64   `parquet:"num_trades"`
	Profit      float64 `parquet:"profit"`
	MaxDD       float64 `parquet:"max_dd"`
	MaxDDDays   int64   `parquet:"max_dd_length_days"`
	PF          float64 `parquet:"pf"`
	R2          float64 `parquet:"r2"`
	UlcerIndex  float64 `parquet:"ulcer_index"`
	Sharpe      float64 `parquet:"sharpe"`
	CAGR        float64 `parquet:"cagr"`
	CAGRToMaxDD float64 `parquet:"cagr_to_max_dd"`
	NumShorts   int64   `parquet:"num_shorts"`
	NumLongs    int64   `parquet:"num_longs"`
	Params      string  `parquet:"params"`
}

// NewRow flattens rec, rendering params like the CSV file.
func NewRow(rec Record, names map[int]string) Row {
	r := rec.Result
	return Row{
		RunID:       rec.RunID,
		Iteration:   int64(rec.Iteration),
		Symbol:      r.Symbol,
		NumTrades:   int64(r.TotalTrades),
		Profit:      rec.Profit,
		MaxDD:       r.MaxDDDepth,
		MaxDDDays:   int64(rec.MaxDDLengthDays()),
		PF:          r.PF,
		R2:          r.R2,
		UlcerIndex:  r.UlcerIndex,
		Sharpe:      r.Sharpe,
		CAGR:        r.CAGR,
		CAGRToMaxDD: rec.CAGRToMaxDD(),
		NumShorts:   int64(r.NumShorts),
		NumLongs:    int64(r.NumLongs),
		Params:      FormatParams(rec.Params, names),
	}
}

// ParquetWriter streams rows into a parquet file. The footer is written on Close.
type ParquetWriter struct {
	mu    sync.Mutex
	f     *os.File
	w     *parquet.GenericWriter[Row]
	names map[int]string
}

// CreateParquet truncates path and opens a row writer on it.
func CreateParquet(path string, names map[int]string) (*ParquetWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create results dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &ParquetWriter{f: f, w: parquet.NewGenericWriter[Row](f), names: names}, nil
}

func (p *ParquetWriter) Write(_ context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write([]Row{NewRow(rec, p.names)})
	return err
}

// Close writes the footer and closes the file.
func (p *ParquetWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.w.Close(); err != nil {
		_ = p.f.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return p.f.Close()
}

// ReadParquet loads every row of a results file.
func ReadParquet(path string) ([]Row, error) {
	return parquet.ReadFile[Row](path)
}
