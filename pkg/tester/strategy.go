package tester

import (
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/asirikuy/framework/pkg/optimizer"
	"github.com/asirikuy/framework/pkg/rates"
)

// ============================================================================
// STRATEGY INTERFACE
// ============================================================================

// Strategy decides on every closed bar of the primary rates buffer.
type Strategy interface {
	Evaluate(settings *[optimizer.NumSettings]float64, buffers *rates.RatesBuffers, position *Position) Signal
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(settings *[optimizer.NumSettings]float64, buffers *rates.RatesBuffers, position *Position) Signal

func (f StrategyFunc) Evaluate(settings *[optimizer.NumSettings]float64, buffers *rates.RatesBuffers, position *Position) Signal {
	return f(settings, buffers, position)
}

// ============================================================================
// EMA CROSSOVER
// ============================================================================

// Strategy specific settings slots.
const (
	SettingFastPeriod = 0
	SettingSlowPeriod = 1
)

const defaultATRPeriod = 20

// EMACrossover goes long when the fast EMA of closes crosses above the slow one and short on the
// opposite cross. Stops and targets are ATR multiples when enabled in the settings.
type EMACrossover struct{}

func (EMACrossover) Evaluate(settings *[optimizer.NumSettings]float64, buffers *rates.RatesBuffers, position *Position) Signal {
	fast := int(settings[SettingFastPeriod])
	slow := int(settings[SettingSlowPeriod])
	if fast < 1 || slow <= fast {
		return Signal{}
	}

	highs, lows, closes := series(closedBars(&buffers.Rates[0]))
	if len(closes) < slow+1 {
		return Signal{}
	}

	fastEMA := compute(trend.NewEmaWithPeriod[float64](fast).Compute(feed(closes)))
	slowEMA := compute(trend.NewEmaWithPeriod[float64](slow).Compute(feed(closes)))
	if len(fastEMA) < 2 || len(slowEMA) < 2 {
		return Signal{}
	}

	fastPrev, fastNow := fastEMA[len(fastEMA)-2], fastEMA[len(fastEMA)-1]
	slowPrev, slowNow := slowEMA[len(slowEMA)-2], slowEMA[len(slowEMA)-1]

	var sig Signal
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		sig.Action = Buy
	case fastPrev >= slowPrev && fastNow < slowNow:
		sig.Action = Sell
	default:
		return sig
	}

	period := int(settings[optimizer.SettingATRAveragingPeriod])
	if period < 1 {
		period = defaultATRPeriod
	}
	atrValues := compute(volatility.NewAtrWithPeriod[float64](period).Compute(feed(highs), feed(lows), feed(closes)))
	if len(atrValues) == 0 {
		return sig
	}
	atr := atrValues[len(atrValues)-1]

	if settings[optimizer.SettingUseSL] != 0 {
		sig.StopDistance = atr * settings[optimizer.SettingSLATRMultiplier]
	}
	if settings[optimizer.SettingUseTP] != 0 {
		sig.TakeDistance = atr * settings[optimizer.SettingTPATRMultiplier]
	}
	return sig
}

// closedBars drops the newest slot, which is still being merged into.
func closedBars(r *rates.Rates) []rates.Bar {
	bars := r.Bars()
	if len(bars) == 0 {
		return nil
	}
	return bars[:len(bars)-1]
}

// series splits the filled part of a buffer into price columns, oldest first.
func series(bars []rates.Bar) (highs, lows, closes []float64) {
	for _, b := range bars {
		if b.Time <= 0 {
			continue
		}
		highs = append(highs, b.High)
		lows = append(lows, b.Low)
		closes = append(closes, b.Close)
	}
	return highs, lows, closes
}

func feed(values []float64) <-chan float64 {
	c := make(chan float64, len(values))
	for _, v := range values {
		c <- v
	}
	close(c)
	return c
}

func compute(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}
