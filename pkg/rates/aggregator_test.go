package rates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday 2024-01-10 00:00:00 UTC
const wednesday int64 = 1704844800

const hour int64 = 3600

// ============================================================================
// HELPERS
// ============================================================================

// hourlyBars returns n consecutive H1 bars starting at start.
func hourlyBars(start int64, n int) Bars {
	out := make(Bars, n)
	for i := range out {
		open := 1.0 + float64(i)*0.01
		out[i] = Bar{
			Time:   start + int64(i)*hour,
			Open:   open,
			High:   open + 0.005,
			Low:    open - 0.005,
			Close:  open + 0.002,
			Volume: float64(10 + i),
		}
	}
	return out
}

// rollup computes OHLC over bars directly.
func rollup(bars []Bar) Bar {
	out := Bar{Time: bars[0].Time, Open: bars[0].Open, High: bars[0].High, Low: bars[0].Low, Close: bars[len(bars)-1].Close}
	for _, b := range bars {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
	}
	return out
}

func assertOHLC(t *testing.T, want, got Bar) {
	t.Helper()
	assert.Equal(t, want.Time, got.Time, "time")
	assert.InDelta(t, want.Open, got.Open, 1e-12, "open")
	assert.InDelta(t, want.High, got.High, 1e-12, "high")
	assert.InDelta(t, want.Low, got.Low, 1e-12, "low")
	assert.InDelta(t, want.Close, got.Close, 1e-12, "close")
}

func newH4Aggregator(t *testing.T, instanceID, capacity int) (*Aggregator, *Params) {
	t.Helper()
	agg := NewAggregator(NewBufferManager(), NewVolumeRegistry(), NewTradingTimeFilter())
	var infos [MaxRatesBuffers]BufferInfo
	infos[0] = BufferInfo{Enabled: true, Timeframe: 240, ArraySize: capacity}
	_, err := agg.Buffers().Allocate(instanceID, infos)
	require.NoError(t, err)
	return agg, &Params{InstanceID: instanceID, Symbol: "EURUSD"}
}

var h1Source = SourceInfo{Enabled: true, ActualTimeframe: 60, RequiredTimeframe: 240}

// ============================================================================
// MERGE
// ============================================================================

func TestMergeBar_RemergeSameBarKeepsVolume(t *testing.T) {
	agg, p := newH4Aggregator(t, 1, 3)
	d := Bar{Time: wednesday, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	s := Bar{Time: wednesday + hour, Open: 1.5, High: 2.5, Low: 1.2, Close: 2, Volume: 5}

	require.NoError(t, agg.mergeBar(p, s, &d, 0))
	first := d

	require.NoError(t, agg.mergeBar(p, s, &d, 0))
	assert.Equal(t, first, d)
	assert.Equal(t, wednesday, d.Time)
	assert.Equal(t, 1.0, d.Open)
	assert.Equal(t, 2.5, d.High)
	assert.Equal(t, 0.5, d.Low)
	assert.Equal(t, 2.0, d.Close)
}

func TestMergeBar_GrowingTickVolumeIsNotDoubleCounted(t *testing.T) {
	agg, p := newH4Aggregator(t, 1, 3)
	d := Bar{Time: wednesday, Open: 1, High: 1, Low: 1, Close: 1, Volume: 10}

	// Prime the slot with an earlier bar so later merges accumulate.
	require.NoError(t, agg.mergeBar(p, Bar{Time: wednesday + hour, Open: 1, High: 1, Low: 1, Close: 1, Volume: 4}, &d, 0))
	assert.Equal(t, 4.0, d.Volume)

	live := Bar{Time: wednesday + 2*hour, Open: 1, High: 1, Low: 1, Close: 1, Volume: 5}
	require.NoError(t, agg.mergeBar(p, live, &d, 0))
	assert.Equal(t, 9.0, d.Volume)

	live.Volume = 8
	require.NoError(t, agg.mergeBar(p, live, &d, 0))
	assert.Equal(t, 12.0, d.Volume)
}

func TestMergeBar_LowIgnoresNonPositivePrices(t *testing.T) {
	tests := []struct {
		name    string
		destLow float64
		srcLow  float64
		want    float64
	}{
		{"lower positive replaces", 1.2, 1.1, 1.1},
		{"zero source ignored", 1.2, 0, 1.2},
		{"higher source ignored", 1.2, 1.3, 1.2},
		{"empty destination takes source", 0, 1.3, 1.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, p := newH4Aggregator(t, 1, 3)
			d := Bar{Time: wednesday, Low: tt.destLow}
			require.NoError(t, agg.mergeBar(p, Bar{Time: wednesday + hour, Low: tt.srcLow}, &d, 0))
			assert.Equal(t, tt.want, d.Low)
		})
	}
}

func TestMergeBar_MatchesDirectRollup(t *testing.T) {
	bars := hourlyBars(wednesday, 4)
	want := rollup(bars)

	orders := map[string][]int{
		"newest first": {3, 2, 1, 0},
		"oldest first": {0, 1, 2, 3},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			agg, p := newH4Aggregator(t, 1, 3)
			v, err := agg.volumes.Get(p.InstanceID)
			require.NoError(t, err)
			v.OldTime[0] = 0

			var d Bar
			agg.copyBar(p, bars[order[0]], &d)
			for _, i := range order[1:] {
				require.NoError(t, agg.mergeBar(p, bars[i], &d, 0))
			}

			assertOHLC(t, want, d)
			assert.Equal(t, 10.0+11+12+13, d.Volume)
		})
	}
}

func TestCopyBar_AdjustsTimeOnly(t *testing.T) {
	agg := NewAggregator(nil, nil, nil)
	at := time.Unix(wednesday, 0)
	offsets := NewTZOffsets(at, at, time.UTC, time.FixedZone("UTC+2", 2*3600))
	p := &Params{InstanceID: 1, Offsets: offsets}

	src := Bar{Time: wednesday, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 7}
	var dest Bar
	agg.copyBar(p, src, &dest)

	assert.Equal(t, wednesday+2*hour, dest.Time)
	assert.Equal(t, 7.0, dest.Volume)
	assert.Equal(t, 1.0, dest.Open)
	assert.Equal(t, 0, agg.volumes.Len())
}

// ============================================================================
// BACKFILL
// ============================================================================

func TestConvert_BackfillBuildsBucketsNewestFirst(t *testing.T) {
	agg, p := newH4Aggregator(t, 1, 3)
	src := hourlyBars(wednesday, 12)

	require.NoError(t, agg.Convert(p, src, h1Source, 0))

	b, err := agg.Buffers().Get(1)
	require.NoError(t, err)
	r := &b.Rates[0]
	require.True(t, r.Info.Full)

	got := r.Bars()
	assertOHLC(t, rollup(src[0:4]), got[0])
	assertOHLC(t, rollup(src[4:8]), got[1])
	assertOHLC(t, rollup(src[8:12]), got[2])

	// The first merge into a slot index takes the source volume as is.
	assert.Equal(t, 20.0+19+18, got[2].Volume)
	assert.Equal(t, 14.0+15+16+17, got[1].Volume)
	assert.Equal(t, 10.0+11+12+13, got[0].Volume)
}

func TestConvert_BackfillStopsWhenBufferIsFull(t *testing.T) {
	agg, p := newH4Aggregator(t, 1, 3)
	src := hourlyBars(wednesday, 16)

	require.NoError(t, agg.Convert(p, src, h1Source, 0))

	b, err := agg.Buffers().Get(1)
	require.NoError(t, err)
	got := b.Rates[0].Bars()
	assert.True(t, b.Rates[0].Info.Full)
	assert.Equal(t, src[4].Time, got[0].Time)
	assert.Equal(t, src[12].Time, got[2].Time)
}

func TestConvert_BackfillWithShortHistoryLeavesOldSlotsEmpty(t *testing.T) {
	agg, p := newH4Aggregator(t, 1, 5)
	src := hourlyBars(wednesday, 8)

	require.NoError(t, agg.Convert(p, src, h1Source, 0))

	b, err := agg.Buffers().Get(1)
	require.NoError(t, err)
	got := b.Rates[0].Bars()
	assert.True(t, b.Rates[0].Info.Full)
	assert.Equal(t, Bar{}, got[0])
	assert.Equal(t, Bar{}, got[1])
	assert.Equal(t, Bar{}, got[2])
	assert.Equal(t, src[0].Time, got[3].Time)
	assert.Equal(t, src[4].Time, got[4].Time)
}

func TestConvert_InvalidTimeBarsAreSkipped(t *testing.T) {
	// Thursday 2024-01-11 00:00 UTC through Tuesday, every four hours.
	const thursday int64 = 1704931200
	all := make(Bars, 36)
	for i := range all {
		o := 1.1 + float64(i)*0.001
		all[i] = Bar{Time: thursday + int64(i)*4*hour, Open: o, High: o + 0.01, Low: o - 0.01, Close: o + 0.005, Volume: float64(i + 1)}
	}
	var weekdays Bars
	for _, b := range all {
		if !isWeekend(unixUTC(b.Time)) {
			weekdays = append(weekdays, b)
		}
	}
	require.Less(t, len(weekdays), len(all))

	daily := SourceInfo{Enabled: true, ActualTimeframe: 240, RequiredTimeframe: 1440}
	convert := func(src Bars) []Bar {
		agg := NewAggregator(nil, nil, nil)
		var infos [MaxRatesBuffers]BufferInfo
		infos[0] = BufferInfo{Enabled: true, Timeframe: 1440, ArraySize: 4}
		_, err := agg.Buffers().Allocate(7, infos)
		require.NoError(t, err)
		require.NoError(t, agg.Convert(&Params{InstanceID: 7, Symbol: "EURUSD"}, src, daily, 0))
		b, err := agg.Buffers().Get(7)
		require.NoError(t, err)
		return b.Rates[0].Bars()
	}

	withWeekend := convert(all)
	assert.Equal(t, convert(weekdays), withWeekend)
	for _, b := range withWeekend {
		assert.False(t, isWeekend(unixUTC(b.Time)), "weekend slot at %d", b.Time)
	}
}

// ============================================================================
// STREAMING
// ============================================================================

func TestConvert_BackfillThenStream(t *testing.T) {
	agg, p := newH4Aggregator(t, 1, 3)
	src := hourlyBars(wednesday, 14)

	require.NoError(t, agg.Convert(p, src[:12], h1Source, 0))
	b, err := agg.Buffers().Get(1)
	require.NoError(t, err)
	r := &b.Rates[0]
	before := r.Bars()

	// New period: the buffer shifts by one slot.
	require.NoError(t, agg.Convert(p, src[:13], h1Source, 0))
	got := r.Bars()
	require.Len(t, got, 3)
	assert.Equal(t, before[1], got[0])
	assertOHLC(t, rollup(src[8:12]), got[1])
	assert.Equal(t, 21.0+20+19+18, got[1].Volume)
	assert.Equal(t, src[12].Time, got[2].Time)
	assert.Equal(t, src[12].Open, got[2].Open)
	assert.Equal(t, 22.0, got[2].Volume)

	// Same period: merged into the newest slot.
	require.NoError(t, agg.Convert(p, src[:14], h1Source, 0))
	got = r.Bars()
	assertOHLC(t, rollup(src[12:14]), got[2])
	assert.Equal(t, 22.0+23, got[2].Volume)

	// The live bar's tick volume grows between calls.
	live := append(Bars(nil), src[:14]...)
	live[13].Volume = 30
	require.NoError(t, agg.Convert(p, live, h1Source, 0))
	got = r.Bars()
	assert.Equal(t, 22.0+30, got[2].Volume)
	assert.Equal(t, src[12].Time, got[2].Time)
}

func TestConvert_StreamingRebuildStopsBeforeOldestSourceBar(t *testing.T) {
	agg, p := newH4Aggregator(t, 1, 2)
	src := hourlyBars(wednesday, 5)

	require.NoError(t, agg.Convert(p, src[:4], h1Source, 0))
	b, err := agg.Buffers().Get(1)
	require.NoError(t, err)
	r := &b.Rates[0]
	assertOHLC(t, rollup(src[0:4]), r.Bars()[1])

	require.NoError(t, agg.Convert(p, src, h1Source, 0))
	got := r.Bars()
	assertOHLC(t, rollup(src[1:4]), got[0])
	assert.Equal(t, src[4].Time, got[1].Time)
}

func TestConvert_StreamingRepeatedCallIsIdempotent(t *testing.T) {
	agg, p := newH4Aggregator(t, 1, 3)
	src := hourlyBars(wednesday, 14)

	require.NoError(t, agg.Convert(p, src[:12], h1Source, 0))
	require.NoError(t, agg.Convert(p, src[:13], h1Source, 0))
	require.NoError(t, agg.Convert(p, src[:14], h1Source, 0))
	b, err := agg.Buffers().Get(1)
	require.NoError(t, err)
	once := b.Rates[0].Bars()

	require.NoError(t, agg.Convert(p, src[:14], h1Source, 0))
	assert.Equal(t, once, b.Rates[0].Bars())
}

func TestConvert_StreamingIgnoresInvalidNewestBar(t *testing.T) {
	// Friday 2024-01-12 20:00 UTC onwards, crossing into Saturday.
	const friday int64 = 1705089600
	agg, p := newH4Aggregator(t, 1, 2)
	src := hourlyBars(friday, 6)

	require.NoError(t, agg.Convert(p, src[:4], h1Source, 0))
	b, err := agg.Buffers().Get(1)
	require.NoError(t, err)
	before := b.Rates[0].Bars()

	require.NoError(t, agg.Convert(p, src, h1Source, 0))
	assert.Equal(t, before, b.Rates[0].Bars())
}

func TestConvert_Errors(t *testing.T) {
	agg, p := newH4Aggregator(t, 1, 3)

	err := agg.Convert(nil, hourlyBars(wednesday, 4), h1Source, 0)
	assert.ErrorIs(t, err, ErrNullPointer)

	err = agg.Convert(p, nil, h1Source, 0)
	assert.ErrorIs(t, err, ErrNullPointer)

	err = agg.Convert(&Params{InstanceID: 99}, hourlyBars(wednesday, 4), h1Source, 0)
	assert.ErrorIs(t, err, ErrUnknownInstanceID)

	err = agg.Convert(p, Bars{}, h1Source, 0)
	assert.ErrorIs(t, err, ErrNotEnoughRatesData)

	// Disabled slots are skipped.
	assert.NoError(t, agg.Convert(p, hourlyBars(wednesday, 4), h1Source, 1))
	assert.NoError(t, agg.Convert(p, hourlyBars(wednesday, 4), SourceInfo{}, 0))
}

func TestConvert_MQLLayoutsMatchNativeBars(t *testing.T) {
	native := hourlyBars(wednesday, 8)
	mql4 := make(MQL4Rates, len(native))
	mql5 := make(MQL5Rates, len(native))
	for i, b := range native {
		mql4[i] = MQL4Rate{Time: b.Time, Open: b.Open, Low: b.Low, High: b.High, Close: b.Close, Volume: b.Volume}
		mql5[i] = MQL5Rate{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, TickVolume: int64(b.Volume), Spread: 2}
	}

	convert := func(src Series) []Bar {
		agg, p := newH4Aggregator(t, 3, 2)
		require.NoError(t, agg.Convert(p, src, h1Source, 0))
		b, err := agg.Buffers().Get(3)
		require.NoError(t, err)
		return b.Rates[0].Bars()
	}

	want := convert(native)
	assert.Equal(t, want, convert(mql4))
	assert.Equal(t, want, convert(mql5))
}
