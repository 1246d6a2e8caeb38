package labs

import (
	"math/rand"

	"github.com/copyleftdev/labsearch/internal/optimization"
)

// RandomStream draws random ±1 sequences from an explicitly seeded source.
// It is owned by a single driver and is not safe for concurrent use.
type RandomStream struct {
	rng *rand.Rand
}

// NewRandomStream returns a stream seeded with seed. The seed is used
// verbatim, so equal seeds always produce equal draws.
func NewRandomStream(seed int64) *RandomStream {
	return &RandomStream{rng: rand.New(rand.NewSource(seed))}
}

// Fill overwrites x with uniform ±1 draws.
func (s *RandomStream) Fill(x optimization.Sequence) {
	for i := range x {
		if s.rng.Intn(2) == 1 {
			x[i] = 1
		} else {
			x[i] = -1
		}
	}
}

// Sequence draws a new sequence of length n.
func (s *RandomStream) Sequence(n int) optimization.Sequence {
	x := make(optimization.Sequence, n)
	s.Fill(x)
	return x
}

// Intn returns a uniform int in [0, n).
func (s *RandomStream) Intn(n int) int {
	return s.rng.Intn(n)
}

// DeriveSeed returns the seed of run r in a group of independent runs started
// from base. Runs use consecutive seeds.
func DeriveSeed(base int64, run int) int64 {
	return base + int64(run)
}
