package labs

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/labsearch/internal/optimization"
)

func TestScorers(t *testing.T) {
	tests := []struct {
		name   string
		seq    optimization.Sequence
		energy int
		psl    int
	}{
		{name: "L=2 equal", seq: optimization.Sequence{1, 1}, energy: 1, psl: 1},
		{name: "L=4 optimum", seq: optimization.Sequence{1, 1, 1, -1}, energy: 2, psl: 1},
		{name: "L=4 constant", seq: optimization.Sequence{1, 1, 1, 1}, energy: 14, psl: 3},
		{name: "L=4 pairs", seq: optimization.Sequence{1, 1, -1, -1}, energy: 6, psl: 2},
		{name: "Barker 13", seq: optimization.Sequence{1, 1, 1, 1, 1, -1, -1, 1, 1, -1, 1, -1, 1}, energy: 6, psl: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := FullEval(tt.seq).View()
			assert.Equal(t, tt.energy, EnergyScorer{}.Score(view))
			assert.Equal(t, tt.psl, PSLScorer{}.Score(view))
			assert.Equal(t, tt.energy, tt.seq.Energy())
			assert.Equal(t, tt.psl, tt.seq.PSL())
		})
	}
}

func TestNeighborMatchesFlip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	scorers := []Scorer{EnergyScorer{}, PSLScorer{}}

	for _, scorer := range scorers {
		for _, n := range testLengths {
			t.Run(fmt.Sprintf("%s/L=%d", scorer.Objective(), n), func(t *testing.T) {
				for trial := 0; trial < 10; trial++ {
					cache := FullEval(randomSequence(rng, n))
					seqBefore := cache.Sequence()
					corrBefore := cache.Correlations()

					for i := 0; i < n; i++ {
						got := scorer.Neighbor(cache.View(), i)

						committed := cache.Clone()
						committed.Flip(i)
						require.Equal(t, scorer.Score(committed.View()), got, "neighbor %d", i)

						flipped := cache.Sequence()
						flipped.Flip(i)
						require.Equal(t, naiveScore(scorer.Objective(), flipped), got, "neighbor %d from scratch", i)
					}

					assert.Equal(t, seqBefore, cache.Sequence(), "Neighbor must not mutate the sequence")
					assert.Equal(t, corrBefore, cache.Correlations(), "Neighbor must not mutate correlations")
				}
			})
		}
	}
}

// A PSL neighbor whose peak lag drops after the flip must not report the
// stale pre-flip value.
func TestPSLNeighborIgnoresStaleLags(t *testing.T) {
	x := optimization.Sequence{1, 1, 1, 1}
	cache := FullEval(x)
	require.Equal(t, 3, PSLScorer{}.Score(cache.View()))

	// flipping the last bit gives +++- whose PSL is 1
	assert.Equal(t, 1, PSLScorer{}.Neighbor(cache.View(), 3))
}

func TestScorerFor(t *testing.T) {
	s, err := ScorerFor(optimization.Energy)
	require.NoError(t, err)
	assert.Equal(t, optimization.Energy, s.Objective())

	s, err = ScorerFor(optimization.PSL)
	require.NoError(t, err)
	assert.Equal(t, optimization.PSL, s.Objective())

	_, err = ScorerFor(optimization.Objective(9))
	assert.True(t, errors.Is(err, optimization.ErrInvalidObjective))
}

func TestMeritFactor(t *testing.T) {
	assert.InDelta(t, 4.0, MeritFactor(4, 2), 1e-12)
	assert.InDelta(t, 169.0/12.0, MeritFactor(13, 6), 1e-12)
	assert.True(t, math.IsInf(MeritFactor(4, 0), 1))
}
