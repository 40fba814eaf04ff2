package optimizer

import (
	"fmt"
	"math"
)

// MaxParameterCombinations caps a brute force sweep. Larger spaces need a genetic run.
const MaxParameterCombinations = 10_000_000

// Gene bounds for genetic chromosomes.
const (
	AlleleMin = 1
	AlleleMax = 100
)

// Param is one swept setting: values start, start+step, ... up to stop.
type Param struct {
	Index int     `json:"index" yaml:"index" mapstructure:"index"`
	Name  string  `json:"name,omitempty" yaml:"name" mapstructure:"name"`
	Start float64 `json:"start" yaml:"start" mapstructure:"start"`
	Step  float64 `json:"step" yaml:"step" mapstructure:"step"`
	Stop  float64 `json:"stop" yaml:"stop" mapstructure:"stop"`
}

// Validate checks that the range can be enumerated.
func (p Param) Validate() error {
	if p.Index < 0 || p.Index >= NumSettings {
		return fmt.Errorf("param %d: index out of range: %w", p.Index, ErrInvalidParam)
	}
	if p.Step <= 0 || math.IsNaN(p.Step) || math.IsInf(p.Step, 0) {
		return fmt.Errorf("param %d: step %v: %w", p.Index, p.Step, ErrInvalidParam)
	}
	if p.Stop < p.Start {
		return fmt.Errorf("param %d: stop %v before start %v: %w", p.Index, p.Stop, p.Start, ErrInvalidParam)
	}
	return nil
}

// Steps returns how many values the sweep visits.
func (p Param) Steps() int {
	return int((p.Stop-p.Start)/p.Step) + 1
}

// Value returns the i-th value of the sweep.
func (p Param) Value(i int) float64 {
	return p.Start + float64(i)*p.Step
}

// MapGene maps a gene in [AlleleMin, AlleleMax] onto one of the discretized values.
// MapGene(0) is Start; AlleleMax maps to the last value not past Stop.
func (p Param) MapGene(v int) float64 {
	n := int(math.Abs((p.Stop-p.Start)/p.Step)) + 1
	i := n * v / AlleleMax
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return p.Value(i)
}

// Space is the Cartesian product of a list of parameter sweeps.
type Space []Param

// Validate checks every parameter.
func (s Space) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("empty parameter space: %w", ErrInvalidParam)
	}
	for _, p := range s {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the number of combinations. It saturates at math.MaxInt on overflow.
func (s Space) Size() int {
	total := 1
	for _, p := range s {
		n := p.Steps()
		if n <= 0 {
			return 0
		}
		if total > math.MaxInt/n {
			return math.MaxInt
		}
		total *= n
	}
	return total
}

// Combination decodes combination n. The first parameter varies fastest.
func (s Space) Combination(n int) []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		steps := p.Steps()
		out[i] = p.Value(n % steps)
		n /= steps
	}
	return out
}

// Genes maps a chromosome onto parameter values.
func (s Space) Genes(chromosome []int) []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.MapGene(chromosome[i])
	}
	return out
}

// Set flattens values into index/value pairs, the layout reported to update callbacks.
func (s Space) Set(values []float64) []float64 {
	out := make([]float64, 0, 2*len(s))
	for i, p := range s {
		out = append(out, float64(p.Index), values[i])
	}
	return out
}

// Apply writes values into their settings slots.
func (s Space) Apply(settings *[NumSettings]float64, values []float64) {
	for i, p := range s {
		settings[p.Index] = values[i]
	}
}
