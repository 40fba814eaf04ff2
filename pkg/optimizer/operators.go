package optimizer

import (
	"math/rand"
	"sort"
)

// candidate is one member of a genetic population.
type candidate struct {
	chromosome []int
	fitness    float64
	scored     bool
}

func (c *candidate) clone() *candidate {
	return &candidate{chromosome: append([]int(nil), c.chromosome...), fitness: c.fitness, scored: c.scored}
}

func randomChromosome(rng *rand.Rand, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = AlleleMin + rng.Intn(AlleleMax-AlleleMin+1)
	}
	return out
}

// ============================================================================
// SELECTION
// ============================================================================

// susSampler implements stochastic universal sampling: evenly spaced pointers over the
// cumulative fitness wheel, starting at a random offset.
type susSampler struct {
	pop   []*candidate
	cum   []float64
	total float64
	step  float64
	pos   float64
	rng   *rand.Rand
}

func newSUS(pop []*candidate, rng *rand.Rand) *susSampler {
	s := &susSampler{pop: pop, cum: make([]float64, len(pop)), rng: rng}

	lowest := 0.0
	for _, c := range pop {
		if c.fitness < lowest {
			lowest = c.fitness
		}
	}
	for i, c := range pop {
		s.total += c.fitness - lowest
		s.cum[i] = s.total
	}
	if s.total > 0 {
		s.step = s.total / float64(len(pop))
		s.pos = rng.Float64() * s.step
	}
	return s
}

func (s *susSampler) one() *candidate {
	if s.total <= 0 {
		return s.pop[s.rng.Intn(len(s.pop))]
	}
	i := sort.Search(len(s.cum), func(i int) bool { return s.cum[i] > s.pos })
	if i >= len(s.pop) {
		i = len(s.pop) - 1
	}
	s.pos += s.step
	if s.pos >= s.total {
		s.pos -= s.total
	}
	return s.pop[i]
}

func (s *susSampler) two() (*candidate, *candidate) {
	return s.one(), s.one()
}

// ============================================================================
// CROSSOVER
// ============================================================================

func crossover(mode CrossoverMode, rng *rand.Rand, mother, father []int) ([]int, []int) {
	n := len(mother)
	son := make([]int, n)
	daughter := make([]int, n)

	switch mode {
	case CrossoverSinglePoint:
		p := rng.Intn(n)
		for i := 0; i < n; i++ {
			if i < p {
				son[i], daughter[i] = mother[i], father[i]
			} else {
				son[i], daughter[i] = father[i], mother[i]
			}
		}
	case CrossoverDoublePoint:
		p1, p2 := rng.Intn(n), rng.Intn(n)
		if p1 > p2 {
			p1, p2 = p2, p1
		}
		for i := 0; i < n; i++ {
			if i < p1 || i >= p2 {
				son[i], daughter[i] = mother[i], father[i]
			} else {
				son[i], daughter[i] = father[i], mother[i]
			}
		}
	case CrossoverMean:
		for i := 0; i < n; i++ {
			son[i] = (mother[i] + father[i]) / 2
			daughter[i] = (mother[i] + father[i] + 1) / 2
		}
	case CrossoverMixing:
		if rng.Intn(2) == 0 {
			copy(son, mother)
			copy(daughter, father)
		} else {
			copy(son, father)
			copy(daughter, mother)
		}
	case CrossoverAlleleMixing:
		for i := 0; i < n; i++ {
			if rng.Intn(2) == 0 {
				son[i], daughter[i] = mother[i], father[i]
			} else {
				son[i], daughter[i] = father[i], mother[i]
			}
		}
	}
	return son, daughter
}

// ============================================================================
// MUTATION
// ============================================================================

func drift(rng *rand.Rand, v int) int {
	if rng.Intn(2) == 0 {
		v++
	} else {
		v--
	}
	if v > AlleleMax {
		return AlleleMin
	}
	if v < AlleleMin {
		return AlleleMax
	}
	return v
}

func mutate(mode MutationMode, rng *rand.Rand, parent []int) []int {
	child := append([]int(nil), parent...)
	switch mode {
	case MutationSinglePointDrift:
		p := rng.Intn(len(child))
		child[p] = drift(rng, child[p])
	case MutationSinglePointRandomize, MutationSinglePointRandomizeAlt:
		p := rng.Intn(len(child))
		child[p] = AlleleMin + rng.Intn(AlleleMax-AlleleMin+1)
	case MutationAllPoint:
		for i := range child {
			child[i] = drift(rng, child[i])
		}
	}
	return child
}
