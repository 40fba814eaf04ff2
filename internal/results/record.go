// Package results records optimization iterations into CSV, parquet, PostgreSQL and a Redis fitness cache.
package results

import (
	"context"
	"strconv"
	"strings"

	"github.com/asirikuy/framework/pkg/optimizer"
)

const secondsPerDay = 60 * 60 * 24

// Param is one optimized setting of an iteration.
type Param struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// Record is one finished iteration as every sink sees it.
type Record struct {
	RunID     string               `json:"run_id"`
	Iteration int                  `json:"iteration"`
	Profit    float64              `json:"profit"`
	Result    optimizer.TestResult `json:"result"`
	Params    []Param              `json:"params"`
}

// NewRecord unpacks the flattened index/value pairs an update callback receives.
func NewRecord(runID string, iteration int, initialBalance float64, result optimizer.TestResult, set []float64, numParams int) Record {
	params := make([]Param, 0, numParams)
	for i := 0; i < numParams && 2*i+1 < len(set); i++ {
		params = append(params, Param{Index: int(set[2*i]), Value: set[2*i+1]})
	}
	return Record{
		RunID:     runID,
		Iteration: iteration,
		Profit:    result.FinalBalance - initialBalance,
		Result:    result,
		Params:    params,
	}
}

// CAGRToMaxDD is the return to drawdown ratio, 0 without a drawdown.
func (r Record) CAGRToMaxDD() float64 {
	if r.Result.MaxDDDepth == 0 {
		return 0
	}
	return r.Result.CAGR / r.Result.MaxDDDepth
}

// MaxDDLengthDays truncates the drawdown length to whole days.
func (r Record) MaxDDLengthDays() int {
	return int(r.Result.MaxDDLength / secondsPerDay)
}

// FormatParams renders params as space separated name=value pairs. Settings without a name in names
// are written as p<index>.
func FormatParams(params []Param, names map[int]string) string {
	parts := make([]string, len(params))
	for i, p := range params {
		name, ok := names[p.Index]
		if !ok {
			name = "p" + strconv.Itoa(p.Index)
		}
		parts[i] = name + "=" + strconv.FormatFloat(p.Value, 'f', 6, 64)
	}
	return strings.Join(parts, " ")
}

// Sink consumes iteration records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }
