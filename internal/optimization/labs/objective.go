package labs

import (
	"math"

	"github.com/copyleftdev/labsearch/internal/optimization"
)

// Scorer derives a scalar score from autocorrelations
type Scorer interface {
	// Objective returns the objective implemented by the scorer
	Objective() optimization.Objective

	// Score aggregates c[1..L-1] of the viewed sequence
	Score(v View) int

	// Neighbor returns the score the sequence would have after flipping bit i.
	// It reads v only and must equal Flip(i) followed by Score.
	Neighbor(v View, i int) int
}

// EnergyScorer scores a sequence by the sum of squared autocorrelations
type EnergyScorer struct{}

// Objective returns optimization.Energy
func (EnergyScorer) Objective() optimization.Objective { return optimization.Energy }

// Score returns sum c[k]^2
func (EnergyScorer) Score(v View) int {
	e := 0
	for k := 1; k < v.Len(); k++ {
		ck := v.Corr(k)
		e += ck * ck
	}
	return e
}

// Neighbor returns the energy after flipping bit i
func (EnergyScorer) Neighbor(v View, i int) int {
	n := v.Len()
	lmt := flipLimit(n, i)
	e := 0
	k := 1
	for ; k < lmt; k++ {
		ck := v.flipped(i, k)
		e += ck * ck
	}
	for ; k < n; k++ {
		ck := v.Corr(k)
		e += ck * ck
	}
	return e
}

// PSLScorer scores a sequence by its peak sidelobe level
type PSLScorer struct{}

// Objective returns optimization.PSL
func (PSLScorer) Objective() optimization.Objective { return optimization.PSL }

// Score returns max |c[k]|
func (PSLScorer) Score(v View) int {
	psl := 0
	for k := 1; k < v.Len(); k++ {
		if a := abs(v.Corr(k)); a > psl {
			psl = a
		}
	}
	return psl
}

// Neighbor returns the PSL after flipping bit i. Lags inside the flip range
// contribute their patched value only.
func (PSLScorer) Neighbor(v View, i int) int {
	n := v.Len()
	lmt := flipLimit(n, i)
	psl := 0
	k := 1
	for ; k < lmt; k++ {
		if a := abs(v.flipped(i, k)); a > psl {
			psl = a
		}
	}
	for ; k < n; k++ {
		if a := abs(v.Corr(k)); a > psl {
			psl = a
		}
	}
	return psl
}

// ScorerFor returns the scorer for objective.
func ScorerFor(objective optimization.Objective) (Scorer, error) {
	switch objective {
	case optimization.Energy:
		return EnergyScorer{}, nil
	case optimization.PSL:
		return PSLScorer{}, nil
	}
	return nil, optimization.WrapErrorf(optimization.ErrInvalidObjective, "objective %d", int(objective)).
		WithComponent("labs").WithOperation("scorer")
}

// MeritFactor returns L^2 / (2 * energy), the usual quality figure for
// reporting energy results. A zero energy yields +Inf.
func MeritFactor(length, energy int) float64 {
	if energy == 0 {
		return math.Inf(1)
	}
	return float64(length) * float64(length) / (2 * float64(energy))
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
