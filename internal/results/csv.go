package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// CSVHeader is the first line of an optimization results file.
const CSVHeader = "Iteration, Symbol, NumTrades, Profit, maxDD, maxDDLength, PF, R2, ulcerIndex, Sharpe, CAGR, CAGR to Max DD, numShorts, numLongs, Set Parameters\n"

// CSVWriter appends one line per iteration. Safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	w      *csv.Writer
	names  map[int]string
}

// NewCSVWriter writes the header to out and returns a writer for the rows.
func NewCSVWriter(out io.Writer, names map[int]string) (*CSVWriter, error) {
	if _, err := io.WriteString(out, CSVHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &CSVWriter{out: out, w: csv.NewWriter(out), names: names}, nil
}

// CreateCSV truncates path and writes the header.
func CreateCSV(path string, names map[int]string) (*CSVWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create results dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewCSVWriter(f, names)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

func (c *CSVWriter) Write(_ context.Context, rec Record) error {
	r := rec.Result
	row := []string{
		strconv.Itoa(rec.Iteration),
		r.Symbol,
		strconv.Itoa(r.TotalTrades),
		fixed(rec.Profit),
		fixed(r.MaxDDDepth),
		strconv.Itoa(rec.MaxDDLengthDays()),
		fixed(r.PF),
		fixed(r.R2),
		fixed(r.UlcerIndex),
		fixed(r.Sharpe),
		fixed(r.CAGR),
		fixed(rec.CAGRToMaxDD()),
		strconv.Itoa(r.NumShorts),
		strconv.Itoa(r.NumLongs),
		FormatParams(rec.Params, c.names),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the underlying file, if CreateCSV opened it.
func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func fixed(f float64) string { return strconv.FormatFloat(f, 'f', 6, 64) }
