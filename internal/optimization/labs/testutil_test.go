package labs

import (
	"math/rand"
	"testing"

	"github.com/copyleftdev/labsearch/internal/optimization"
)

// naiveCorrelations computes c[k] directly from the definition
func naiveCorrelations(x optimization.Sequence) []int {
	c := make([]int, len(x))
	for k := 1; k < len(x); k++ {
		for i := 0; i <= len(x)-1-k; i++ {
			c[k] += int(x[i]) * int(x[i+k])
		}
	}
	return c
}

// naiveScore scores x from scratch under objective
func naiveScore(objective optimization.Objective, x optimization.Sequence) int {
	score := 0
	for _, ck := range naiveCorrelations(x)[1:] {
		switch objective {
		case optimization.Energy:
			score += ck * ck
		case optimization.PSL:
			if ck < 0 {
				ck = -ck
			}
			if ck > score {
				score = ck
			}
		}
	}
	return score
}

// bruteForceMinimum enumerates all 2^n sequences
func bruteForceMinimum(objective optimization.Objective, n int) int {
	best := -1
	x := make(optimization.Sequence, n)
	for mask := 0; mask < 1<<n; mask++ {
		for i := range x {
			if mask&(1<<i) != 0 {
				x[i] = 1
			} else {
				x[i] = -1
			}
		}
		if s := naiveScore(objective, x); best < 0 || s < best {
			best = s
		}
	}
	return best
}

// randomSequence generates a random ±1 sequence of length n
func randomSequence(rng *rand.Rand, n int) optimization.Sequence {
	x := make(optimization.Sequence, n)
	for i := range x {
		x[i] = int8(2*rng.Intn(2) - 1)
	}
	return x
}

// assertIntSlicesEqual checks that two int slices are equal
func assertIntSlicesEqual(t *testing.T, got, want []int) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("at index %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

var testLengths = []int{2, 3, 5, 16, 17, 100}
