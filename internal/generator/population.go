package generator

import (
	"fmt"
	"math"
)

// PopulationMode selects how the population size is derived from the slots.
type PopulationMode string

const (
	// PopulationCombined takes the larger of the largest effective size among
	// frequently used slots and the sum of selection probabilities.
	PopulationCombined PopulationMode = "combined"
	// PopulationSumMeans sums the selection probabilities.
	PopulationSumMeans PopulationMode = "sum-means"
	// PopulationSumKL sums the effective sizes weighted by selection
	// probability.
	PopulationSumKL PopulationMode = "sum-kl"
	// PopulationMaxSlot takes the largest weighted effective size.
	PopulationMaxSlot PopulationMode = "max-slot"
)

// ParsePopulationMode validates a configured mode. The empty string selects
// the combined mode.
func ParsePopulationMode(s string) (PopulationMode, error) {
	switch m := PopulationMode(s); m {
	case "":
		return PopulationCombined, nil
	case PopulationCombined, PopulationSumMeans, PopulationSumKL, PopulationMaxSlot:
		return m, nil
	default:
		return "", fmt.Errorf("unknown population mode: %q", s)
	}
}

// highMean is the selection probability from which a slot counts as
// frequently used in the combined mode.
const highMean = 0.5

// DeterminePopulation derives the number of samples per update from the
// current slot structure, divided by the elite fraction. It is never below
// one nor below the configured minimum.
func (g *Generator) DeterminePopulation() int {
	floor := max(1, g.cfg.MinPopulation)
	if len(g.slots) == 0 || g.cfg.Rho <= 0 {
		return floor
	}

	var sumMeans, sumKL, maxSlot, maxHigh float64
	for _, s := range g.slots {
		mu := s.SelectionProb()
		kl := s.KLSize()
		sumMeans += mu
		sumKL += mu * kl
		maxSlot = math.Max(maxSlot, mu*kl)
		if mu >= highMean {
			maxHigh = math.Max(maxHigh, kl)
		}
	}

	var size float64
	switch g.cfg.PopulationMode {
	case PopulationSumMeans:
		size = sumMeans
	case PopulationSumKL:
		size = sumKL
	case PopulationMaxSlot:
		size = maxSlot
	default:
		size = math.Max(maxHigh, sumMeans)
	}
	pop := math.Ceil(size / g.cfg.Rho)
	if math.IsNaN(pop) || pop < float64(floor) {
		return floor
	}
	return int(pop)
}

// NumElites is the elite set capacity for a population: the elite fraction
// of it, at least one.
func (g *Generator) NumElites(population int) int {
	return max(1, int(math.Ceil(g.cfg.Rho*float64(population))))
}
