// Package rates builds higher-timeframe OHLCV buffers incrementally from broker-native bar arrays.
package rates

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxInstances is the number of strategy instances a registry can track.
	MaxInstances = 200
	// MaxRatesBuffers is the number of timeframe slots per instance.
	MaxRatesBuffers = 10
	// MinutesPerWeek is the weekly timeframe in minutes.
	MinutesPerWeek = 10080
	// EpochWeekOffset aligns weekly buckets to Monday 00:00 UTC. The Unix epoch is a Thursday.
	EpochWeekOffset = 259200
	// WeekendBarMultiplier pads history requirements for bars lost to weekends and holidays.
	WeekendBarMultiplier = 1.2
	// DefaultBufferExtension is the number of spare bars allocated past each buffer's capacity.
	DefaultBufferExtension = 100
)

// ============================================================================
// BARS
// ============================================================================

// Bar is one OHLCV bar. Time is Unix seconds.
type Bar struct {
	Time   int64   `json:"time" parquet:"time"`
	Open   float64 `json:"open" parquet:"open"`
	High   float64 `json:"high" parquet:"high"`
	Low    float64 `json:"low" parquet:"low"`
	Close  float64 `json:"close" parquet:"close"`
	Volume float64 `json:"volume" parquet:"volume"`
}

// Series is read access to a source bar array ordered oldest first.
// Index Len()-1 is the most recent bar.
type Series interface {
	Len() int
	At(i int) Bar
}

// Bars is the native Series implementation.
type Bars []Bar

func (b Bars) Len() int { return len(b) }

func (b Bars) At(i int) Bar { return b[i] }

// MQL4Rate mirrors the MetaTrader 4 RateInfo layout.
type MQL4Rate struct {
	Time   int64
	Open   float64
	Low    float64
	High   float64
	Close  float64
	Volume float64
}

// MQL4Rates adapts MetaTrader 4 rate arrays to Series.
type MQL4Rates []MQL4Rate

func (r MQL4Rates) Len() int { return len(r) }

func (r MQL4Rates) At(i int) Bar {
	s := r[i]
	return Bar{Time: s.Time, Open: s.Open, High: s.High, Low: s.Low, Close: s.Close, Volume: s.Volume}
}

// MQL5Rate mirrors the MetaTrader 5 MqlRates layout.
type MQL5Rate struct {
	Time       int64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	TickVolume int64
	Spread     int32
	RealVolume int64
}

// MQL5Rates adapts MetaTrader 5 rate arrays to Series. Tick volume is used as volume.
type MQL5Rates []MQL5Rate

func (r MQL5Rates) Len() int { return len(r) }

func (r MQL5Rates) At(i int) Bar {
	s := r[i]
	return Bar{Time: s.Time, Open: s.Open, High: s.High, Low: s.Low, Close: s.Close, Volume: float64(s.TickVolume)}
}

// Bucket returns the timeframe period index a timestamp falls into.
func Bucket(t int64, timeframe int) int64 {
	var offset int64
	if timeframe == MinutesPerWeek {
		offset = EpochWeekOffset
	}
	return (t + offset) / (int64(timeframe) * 60)
}
