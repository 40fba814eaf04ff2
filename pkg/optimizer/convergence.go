package optimizer

import "math"

const convergenceWindow = 5

// convergence tracks the best fitness of the most recent generations.
type convergence struct {
	best [convergenceWindow]float64
	seen int
}

// record adds a generation's best fitness and reports whether the window has converged:
// a full window whose population standard deviation is under 5% of its mean.
func (c *convergence) record(best float64) bool {
	copy(c.best[1:], c.best[:convergenceWindow-1])
	c.best[0] = best
	if c.seen < convergenceWindow {
		c.seen++
	}
	if c.seen < convergenceWindow {
		return false
	}

	var mean float64
	for _, f := range c.best {
		mean += f / convergenceWindow
	}
	var variance float64
	for _, f := range c.best {
		variance += (f - mean) * (f - mean) / convergenceWindow
	}
	return math.Sqrt(variance) < 0.05*mean
}
