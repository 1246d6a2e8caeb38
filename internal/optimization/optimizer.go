package optimization

import (
	"context"
	"math"
	"strings"
	"time"
)

// Searcher defines the interface for LABS search algorithms
type Searcher interface {
	// Search runs the search until the evaluation budget is spent
	Search(ctx context.Context) (*Result, error)
}

// Objective selects the scalar minimised by a search.
type Objective int

const (
	// Energy is the sum of squared aperiodic autocorrelations.
	Energy Objective = iota
	// PSL is the peak sidelobe level, the largest absolute autocorrelation.
	PSL
)

// String returns the canonical lower-case name of the objective.
func (o Objective) String() string {
	switch o {
	case Energy:
		return "energy"
	case PSL:
		return "psl"
	default:
		return "unknown"
	}
}

// Valid reports whether o is a known objective.
func (o Objective) Valid() bool {
	return o == Energy || o == PSL
}

// ParseObjective converts a name such as "energy", "E" or "psl".
func ParseObjective(name string) (Objective, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "energy", "e", "labs":
		return Energy, nil
	case "psl", "peak":
		return PSL, nil
	}
	return Energy, WrapErrorf(ErrInvalidObjective, "unknown objective %q", name).
		WithOperation("parse_objective")
}

// Strategy selects the neighborhood policy of a search.
type Strategy int

const (
	// BestImprovement scans every single-bit neighbor, moves to the best
	// strictly improving one and restarts when there is none.
	BestImprovement Strategy = iota
	// FirstImprovement scans from a random offset, stops at the first
	// improving neighbor and restarts after a fixed number of steps.
	FirstImprovement
	// RandomSampling draws independent random sequences.
	RandomSampling
)

// String returns the canonical name of the strategy.
func (s Strategy) String() string {
	switch s {
	case BestImprovement:
		return "best"
	case FirstImprovement:
		return "first"
	case RandomSampling:
		return "random"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s >= BestImprovement && s <= RandomSampling
}

// ParseStrategy converts a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "best", "best-improvement", "neighborhood", "":
		return BestImprovement, nil
	case "first", "first-improvement", "depth-first":
		return FirstImprovement, nil
	case "random", "random-sampling":
		return RandomSampling, nil
	}
	return BestImprovement, WrapErrorf(ErrInvalidStrategy, "unknown strategy %q", name).
		WithOperation("parse_strategy")
}

// Result contains the outcome of a search run
type Result struct {
	// Best sequence found, never aliased with search state
	Sequence Sequence
	// Score of Sequence under Objective
	Score float64

	Objective Objective
	Strategy  Strategy
	Length    int
	Seed      int64

	// Evaluations is the number of score evaluations performed
	Evaluations int
	// Restarts counts random restarts after INIT
	Restarts int
	// Moves counts committed bit flips
	Moves   int
	Elapsed time.Duration
}

// MeritFactor returns L^2 / (2E) of the best sequence.
func (r *Result) MeritFactor() float64 {
	e := r.Score
	if r.Objective != Energy {
		e = float64(r.Sequence.Energy())
	}
	if e == 0 {
		return math.Inf(1)
	}
	n := float64(len(r.Sequence))
	return n * n / (2 * e)
}

// Speed returns evaluations per second.
func (r *Result) Speed() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Evaluations) / r.Elapsed.Seconds()
}
