// Performance statistics for a finished test
package tester

import (
	"math"

	"github.com/asirikuy/framework/pkg/optimizer"
)

const (
	secondsPerYear = 3600 * 24 * 365
	secondsPerWeek = 604800
	// sqrt(52), annualizes a weekly Sharpe ratio.
	weeklySharpeFactor = 7.2111103
)

// CalculateMetrics fills the statistics of a result from the balance history of a test.
// balances[0] is the opening balance; every later point is a closed trade.
func CalculateMetrics(balances []BalancePoint, initial float64, compoundingDisabled bool, lastTime int64, totalDuration float64) optimizer.TestResult {
	var r optimizer.TestResult
	if len(balances) == 0 {
		r.FinalBalance = initial
		return r
	}

	r.FinalBalance = balances[len(balances)-1].Balance
	r.TotalTrades = len(balances) - 1
	r.YearsTraded = math.Abs(float64(lastTime-balances[0].Time)) / secondsPerYear
	if r.YearsTraded > 0 && initial > 0 && r.FinalBalance > 0 {
		r.CAGR = 100 * (math.Pow(r.FinalBalance/initial, 1/r.YearsTraded) - 1)
	}
	if r.TotalTrades == 0 {
		return r
	}
	r.AvgTradeDuration = totalDuration / float64(r.TotalTrades)

	tradeStatistics(&r, balances, initial, compoundingDisabled)
	weeklyStatistics(&r, balances, initial, compoundingDisabled, lastTime)
	return r
}

// tradeStatistics computes drawdowns, profit factor, win rate and the R² of the balance curve.
func tradeStatistics(r *optimizer.TestResult, balances []BalancePoint, initial float64, compoundingDisabled bool) {
	first := balances[0]
	n := float64(len(balances))

	growth := func(b float64) float64 {
		if compoundingDisabled {
			return b - first.Balance
		}
		return math.Log(b) - math.Log(first.Balance)
	}

	var (
		maxBalance                   = initial
		ddStart                      = first.Time
		totalWin, totalLoss          float64
		wins, losses                 float64
		avgWin, avgLoss              float64
		sumTimeGrowth, sumTimeSquare float64
		avgGrowth                    float64
	)

	for i, p := range balances {
		dt := float64(p.Time - first.Time)
		g := growth(p.Balance)
		sumTimeSquare += dt * dt
		sumTimeGrowth += dt * g
		avgGrowth += g / n

		if i > 0 {
			ret := math.Abs(p.Profit / p.Balance)
			if p.Profit > 0 {
				totalWin += p.Profit
				wins++
				avgWin += (ret - avgWin) / wins
			} else {
				totalLoss += math.Abs(p.Profit)
				losses++
				avgLoss += (ret - avgLoss) / losses
			}
		}

		if p.Balance < maxBalance {
			depth := (maxBalance - p.Balance) / maxBalance * 100
			if compoundingDisabled {
				depth = (maxBalance - p.Balance) / initial * 100
			}
			r.MaxDDDepth = math.Max(r.MaxDDDepth, depth)
			r.MaxDDLength = math.Max(r.MaxDDLength, math.Abs(float64(p.Time-ddStart)))
		} else {
			maxBalance = p.Balance
			ddStart = p.Time
		}
	}

	r.MaxDDDepth = math.Min(r.MaxDDDepth, 100)
	r.Winning = wins / float64(r.TotalTrades) * 100
	if totalLoss > 0 {
		r.PF = totalWin / totalLoss
	}
	if avgLoss > 0 {
		r.RiskReward = avgWin / avgLoss
	}

	if sumTimeSquare == 0 {
		return
	}
	slope := sumTimeGrowth / sumTimeSquare
	var residual, spread float64
	for _, p := range balances {
		g := growth(p.Balance)
		d := slope*float64(p.Time-first.Time) - g
		residual += d * d
		spread += (g - avgGrowth) * (g - avgGrowth)
	}
	if spread > 0 {
		r.R2 = math.Max(0, 1-residual/spread)
	}
}

// weeklyStatistics samples the balance once a week for the Ulcer index, Sharpe and Martin ratios.
func weeklyStatistics(r *optimizer.TestResult, balances []BalancePoint, initial float64, compoundingDisabled bool, lastTime int64) {
	var (
		weeks               int
		j                   int
		sumSquares          float64
		sumReturn, sumSqRet float64
		maxBalance          = initial
		weekStart           = initial
		weekEnd             = initial
	)

	for at := balances[0].Time; at < lastTime; {
		weeks++
		at += secondsPerWeek
		for j < len(balances) && balances[j].Time < at {
			weekEnd = balances[j].Balance
			j++
		}

		ret := (weekEnd - weekStart) / weekStart
		if compoundingDisabled {
			ret = (weekEnd - weekStart) / initial
		}
		sumReturn += ret
		sumSqRet += ret * ret
		weekStart = weekEnd

		if weekEnd > maxBalance {
			maxBalance = weekEnd
		} else {
			dd := 100 * (weekEnd/maxBalance - 1)
			sumSquares += dd * dd
		}
	}
	if weeks == 0 {
		return
	}

	r.UlcerIndex = math.Min(math.Sqrt(sumSquares/float64(weeks)), 100)
	if r.UlcerIndex > 0 {
		r.Martin = r.CAGR / r.UlcerIndex
	}

	if weeks < 2 {
		return
	}
	w := float64(weeks)
	sigma := math.Sqrt((w*sumSqRet - sumReturn*sumReturn) / (w * (w - 1)))
	if sigma > 0 && !math.IsNaN(sigma) {
		r.Sharpe = weeklySharpeFactor * (sumReturn / w) / sigma
	}
}
