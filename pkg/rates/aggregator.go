package rates

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Params identifies the instance a conversion runs for.
type Params struct {
	InstanceID int
	Symbol     string
	Offsets    *TZOffsets
}

// SourceInfo describes a broker-native source array.
type SourceInfo struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequiredTimeframe int     `json:"required_timeframe" yaml:"required_timeframe"`
	TotalBarsRequired int     `json:"total_bars_required" yaml:"total_bars_required"`
	ActualTimeframe   int     `json:"actual_timeframe" yaml:"actual_timeframe"`
	RatesArraySize    int     `json:"rates_array_size" yaml:"rates_array_size"`
	Point             float64 `json:"point" yaml:"point"`
	Digits            int     `json:"digits" yaml:"digits"`
}

// Aggregator rolls source bars up into the buffers of a BufferManager.
// Conversions for one instance must not run concurrently.
type Aggregator struct {
	buffers *BufferManager
	volumes *VolumeRegistry
	filter  *TradingTimeFilter
	logger  zerolog.Logger
}

// NewAggregator wires an aggregator to its collaborators. Nil arguments get fresh defaults.
func NewAggregator(buffers *BufferManager, volumes *VolumeRegistry, filter *TradingTimeFilter) *Aggregator {
	if buffers == nil {
		buffers = NewBufferManager()
	}
	if volumes == nil {
		volumes = NewVolumeRegistry()
	}
	if filter == nil {
		filter = NewTradingTimeFilter()
	}
	return &Aggregator{
		buffers: buffers,
		volumes: volumes,
		filter:  filter,
		logger:  log.With().Str("component", "rates").Logger(),
	}
}

// Buffers returns the manager the aggregator writes into.
func (a *Aggregator) Buffers() *BufferManager {
	return a.buffers
}

// Convert folds src into buffer ratesIndex of the instance. It backfills an empty buffer and
// afterwards only processes the newest source bars.
func (a *Aggregator) Convert(p *Params, src Series, info SourceInfo, ratesIndex int) error {
	if p == nil || src == nil {
		return fmt.Errorf("convert rates index %d: %w", ratesIndex, ErrNullPointer)
	}
	if ratesIndex < 0 || ratesIndex >= MaxRatesBuffers {
		return fmt.Errorf("convert rates index %d: out of range: %w", ratesIndex, ErrNullPointer)
	}

	b, err := a.buffers.Get(p.InstanceID)
	if err != nil {
		return fmt.Errorf("convert rates index %d: %w", ratesIndex, err)
	}
	dest := &b.Rates[ratesIndex]
	if !info.Enabled || !dest.Info.Enabled {
		return nil
	}
	if dest.data == nil {
		return fmt.Errorf("convert rates index %d: buffer not allocated: %w", ratesIndex, ErrNullPointer)
	}

	if !dest.Info.Full {
		err = a.backfill(p, src, dest, ratesIndex)
	} else {
		err = a.stream(p, src, dest, ratesIndex)
	}
	if err != nil {
		return fmt.Errorf("convert rates index %d: %w", ratesIndex, err)
	}
	return nil
}

// ============================================================================
// BACKFILL
// ============================================================================

// backfill fills the buffer from the newest slot backwards. The buffer is marked full when
// either the source or the buffer runs out; older source bars are left unconsumed.
func (a *Aggregator) backfill(p *Params, src Series, dest *Rates, ratesIndex int) error {
	n := src.Len()
	if n == 0 {
		return fmt.Errorf("backfill: empty source: %w", ErrNotEnoughRatesData)
	}

	tf := dest.Info.Timeframe
	s := n - 1
	slot := dest.Len() - 1

	// skipInvalid advances s past bars outside trading time and reports whether any remain.
	skipInvalid := func() bool {
		for s >= 0 {
			if a.filter.IsValidTradingTime(p.Symbol, p.Offsets.AdjustedBrokerTime(src.At(s).Time)) {
				return true
			}
			s--
		}
		return false
	}

	for ; s >= 0 && slot >= 0; slot-- {
		if !skipInvalid() {
			break
		}
		a.copyBar(p, src.At(s), dest.At(slot))
		s--

		if !skipInvalid() {
			break
		}
		for s >= 0 && Bucket(p.Offsets.AdjustedBrokerTime(src.At(s).Time), tf) == Bucket(dest.At(slot).Time, tf) {
			if err := a.mergeBar(p, src.At(s), dest.At(slot), ratesIndex); err != nil {
				return err
			}
			s--
			if !skipInvalid() {
				break
			}
		}
	}

	dest.Info.Full = true
	a.logger.Debug().
		Int("instance_id", p.InstanceID).
		Int("rates_index", ratesIndex).
		Int("timeframe", tf).
		Int("unconsumed", s+1).
		Msg("Rates buffer backfilled")
	return nil
}

// ============================================================================
// STREAMING
// ============================================================================

func (a *Aggregator) stream(p *Params, src Series, dest *Rates, ratesIndex int) error {
	n := src.Len()
	if n < 2 {
		return fmt.Errorf("stream: %d source bars: %w", n, ErrNotEnoughRatesData)
	}

	tf := dest.Info.Timeframe
	shift0, shift1 := n-1, n-2
	t0 := p.Offsets.AdjustedBrokerTime(src.At(shift0).Time)
	t1 := p.Offsets.AdjustedBrokerTime(src.At(shift1).Time)
	if t0 < 0 || t1 < 0 {
		return nil
	}
	if !a.filter.IsValidTradingTime(p.Symbol, t0) {
		return nil
	}
	for !a.filter.IsValidTradingTime(p.Symbol, t1) && shift1 > 0 {
		shift1--
		t1 = p.Offsets.AdjustedBrokerTime(src.At(shift1).Time)
	}

	last := dest.Len() - 1
	if Bucket(t0, tf) > Bucket(t1, tf) && t0 != dest.At(last).Time {
		if err := a.buffers.IncrementOffset(p.InstanceID, ratesIndex); err != nil {
			return err
		}
		a.copyBar(p, src.At(shift0), dest.At(last))
		if last > 0 {
			return a.reprocess(p, src, shift1, dest, last-1, ratesIndex)
		}
		return nil
	}
	return a.mergeBar(p, src.At(shift0), dest.At(last), ratesIndex)
}

// reprocess rebuilds the previous period from the source after a new period opened.
// The oldest source bar is never merged back in.
func (a *Aggregator) reprocess(p *Params, src Series, from int, dest *Rates, slot, ratesIndex int) error {
	tf := dest.Info.Timeframe
	d := dest.At(slot)
	a.copyBar(p, src.At(from), d)

	for i := from - 1; i > 0; i-- {
		t := p.Offsets.AdjustedBrokerTime(src.At(i).Time)
		if Bucket(t, tf) != Bucket(d.Time, tf) {
			break
		}
		if !a.filter.IsValidTradingTime(p.Symbol, t) {
			continue
		}
		if err := a.mergeBar(p, src.At(i), d, ratesIndex); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// COPY / MERGE
// ============================================================================

func (a *Aggregator) copyBar(p *Params, s Bar, d *Bar) {
	*d = s
	d.Time = p.Offsets.AdjustedBrokerTime(s.Time)
}

// mergeBar folds s into d. Open and close follow the earliest and latest bar times,
// and volume is corrected for brokers that report a growing tick volume for the same bar.
func (a *Aggregator) mergeBar(p *Params, s Bar, d *Bar, ratesIndex int) error {
	v, err := a.volumes.Get(p.InstanceID)
	if err != nil {
		return fmt.Errorf("merge bar: %w", err)
	}

	t := p.Offsets.AdjustedBrokerTime(s.Time)
	destTime := d.Time

	if t < destTime {
		d.Time = t
		d.Open = s.Open
	}
	if s.High > d.High {
		d.High = s.High
	}
	if (s.Low < d.Low && s.Low > 0) || d.Low <= 0 {
		d.Low = s.Low
	}
	if t > destTime {
		d.Close = s.Close
	}

	if v.OldTime[ratesIndex] == -1 {
		d.Volume = s.Volume
	} else {
		d.Volume += s.Volume
		if t == v.OldTime[ratesIndex] {
			d.Volume -= v.OldVolume[ratesIndex]
		}
	}
	v.OldTime[ratesIndex] = t
	v.OldVolume[ratesIndex] = s.Volume
	return nil
}
