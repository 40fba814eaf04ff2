package optimizer

import (
	"context"
	"math"
)

// GoalValue extracts the metric a goal maximizes from a result. Ratios with a zero
// denominator score zero.
func GoalValue(goal Goal, r TestResult, initialBalance float64) float64 {
	switch goal {
	case GoalProfit:
		return r.FinalBalance - initialBalance
	case GoalMaxDD:
		return ratio(initialBalance, r.MaxDDDepth)
	case GoalMaxDDLength:
		return ratio(r.YearsTraded*365, r.MaxDDLength)
	case GoalProfitFactor:
		return r.PF
	case GoalR2:
		return r.R2
	case GoalUlcerIndex:
		return ratio(10, r.UlcerIndex)
	case GoalSharpe:
		return r.Sharpe
	case GoalCAGRToMaxDD:
		return ratio(r.CAGR, r.MaxDDDepth)
	case GoalCAGR:
		return r.CAGR
	default:
		return 0
	}
}

func ratio(num, den float64) float64 {
	if den == 0 || math.IsNaN(den) {
		return 0
	}
	return num / den
}

// Penalty returns why a result must score zero, or "" if it may keep its fitness.
func Penalty(cfg GeneticSettings, r TestResult, initialBalance float64) string {
	if r.FinalBalance-initialBalance < 0 {
		return "negative_profit"
	}
	if cfg.DiscardAsymmetricSets {
		diff := math.Abs(float64(r.NumShorts - r.NumLongs))
		if diff > 0.5*float64(min(r.NumShorts, r.NumLongs)) {
			return "asymmetric_set"
		}
	}
	if r.YearsTraded > 0 && float64(r.TotalTrades)/r.YearsTraded < float64(cfg.MinTradesAYear) {
		return "too_few_trades"
	}
	return ""
}

// fitness scores one chromosome by testing it on every symbol and summing the goal metric.
// A penalized symbol resets the running total to zero.
func (s *Scheduler) fitness(ctx context.Context, req *Request, chromosome []int, evaluation, slot int) float64 {
	values := req.Params.Genes(chromosome)
	set := req.Params.Set(values)
	cfg := req.Genetic

	var total float64
	for n, symbol := range req.Symbols {
		in, err := req.input(n, slot)
		if err != nil {
			s.logger.Warn().Err(err).Int("iteration", evaluation).Msg("Skipping fitness evaluation")
			continue
		}
		req.Params.Apply(&in.Settings, values)

		result, err := s.evaluate(ctx, in, set)
		if err != nil {
			s.logger.Error().Err(err).
				Int("iteration", evaluation).
				Str("symbol", symbol).
				Msg("Portfolio test failed")
			continue
		}
		s.update(req, result, set)

		balance := in.AccountInfo.Balance
		total += GoalValue(cfg.Goal, result, balance)
		if reason := Penalty(cfg, result, balance); reason != "" {
			total = 0
			s.logger.Debug().
				Int("iteration", evaluation).
				Str("symbol", symbol).
				Str("reason", reason).
				Msg("Candidate fitness zeroed")
		}
	}
	return total
}
