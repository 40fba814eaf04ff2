package main

import (
	"errors"
	"fmt"

	"github.com/asirikuy/framework/internal/metrics"
	"github.com/asirikuy/framework/pkg/rates"
)

var errInvalidTimeframe = errors.New("invalid timeframe")

// conversion describes one history file rolled up to a higher timeframe.
type conversion struct {
	InstanceID int
	Symbol     string
	From       int
	To         int
	Window     int
	Point      float64
	Digits     int
	Offsets    *rates.TZOffsets
	Filter     *rates.TradingTimeFilter
}

func (c conversion) validate() error {
	if c.From <= 0 || c.To < c.From || c.To%c.From != 0 {
		return fmt.Errorf("%d to %d minutes: %w", c.From, c.To, errInvalidTimeframe)
	}
	if c.Window < 2 {
		return fmt.Errorf("window of %d bars: %w", c.Window, errInvalidTimeframe)
	}
	return nil
}

// resample backfills a window from the start of src and then replays the remaining source bars
// one at a time, collecting every higher timeframe bar the window produces.
func resample(c conversion, src rates.Bars) ([]rates.Bar, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	info := rates.SourceInfo{
		Enabled:           true,
		RequiredTimeframe: c.To,
		ActualTimeframe:   c.From,
		TotalBarsRequired: c.Window,
		Point:             c.Point,
		Digits:            c.Digits,
	}
	warm := max(2, rates.RequiredSourceBars(info))
	if len(src) < warm {
		err := fmt.Errorf("%s: %d source bars, needs %d: %w", c.Symbol, len(src), warm, rates.ErrNotEnoughRatesData)
		metrics.RecordRatesConversion(metrics.ModeBackfill, err)
		return nil, err
	}
	info.RatesArraySize = warm

	agg := rates.NewAggregator(nil, nil, c.Filter)
	p := &rates.Params{InstanceID: c.InstanceID, Symbol: c.Symbol, Offsets: c.Offsets}
	defer agg.Buffers().ResetInstance(p.InstanceID)

	var (
		infos  [rates.MaxRatesBuffers]rates.SourceInfo
		series [rates.MaxRatesBuffers]rates.Series
	)
	infos[0], series[0] = info, src[:warm]
	b, err := agg.ConvertAll(p, infos, series)
	metrics.RecordRatesConversion(metrics.ModeBackfill, err)
	if err != nil {
		return nil, err
	}

	dest := &b.Rates[0]
	last := dest.Len() - 1
	out := make([]rates.Bar, 0, len(src)*c.From/c.To+c.Window)
	for _, bar := range dest.Bars() {
		if bar.Time > 0 {
			out = append(out, bar)
		}
	}

	for n := warm + 1; n <= len(src); n++ {
		err := agg.Convert(p, src[:n], info, 0)
		metrics.RecordRatesConversion(metrics.ModeStream, err)
		if err != nil {
			return nil, err
		}

		newest := *dest.At(last)
		switch {
		case newest.Time <= 0:
		case len(out) == 0:
			out = append(out, newest)
		case newest.Time == out[len(out)-1].Time:
			out[len(out)-1] = newest
		default:
			// The previous period was rebuilt from the source when the new one opened.
			out[len(out)-1] = *dest.At(last - 1)
			out = append(out, newest)
		}
	}

	metrics.RatesBarsConverted.Add(float64(len(out)))
	return out, nil
}
