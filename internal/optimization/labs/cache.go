// Package labs implements local search for low autocorrelation binary
// sequences. The search keeps the lag autocorrelations of the current sequence
// in a Cache so that every single-bit neighbor can be scored in O(L) and a
// committed flip is applied in O(L), instead of the O(L^2) full recomputation.
package labs

import (
	"github.com/copyleftdev/labsearch/internal/optimization"
)

// Cache holds a sequence together with its aperiodic autocorrelations.
//
// Outside a call to Flip, c[k] == sum_{i=0}^{L-1-k} x[i]*x[i+k] for every
// k in [1, L-1]. c[0] is unused.
type Cache struct {
	seq optimization.Sequence
	c   []int
}

// NewCache allocates a cache for sequences of length n. The sequence starts as
// all +1 with its correlations computed.
func NewCache(n int) *Cache {
	seq := make(optimization.Sequence, n)
	for i := range seq {
		seq[i] = 1
	}
	cache := &Cache{seq: seq, c: make([]int, n)}
	cache.recompute()
	return cache
}

// FullEval builds a cache for a copy of x in O(L^2).
func FullEval(x optimization.Sequence) *Cache {
	cache := &Cache{seq: x.Clone(), c: make([]int, len(x))}
	cache.recompute()
	return cache
}

// Reset replaces the held sequence with a copy of x and recomputes every lag.
// x must have the cache length.
func (cc *Cache) Reset(x optimization.Sequence) {
	copy(cc.seq, x)
	cc.recompute()
}

func (cc *Cache) recompute() {
	n := len(cc.seq)
	for k := 1; k < n; k++ {
		ck := 0
		for i := 0; i < n-k; i++ {
			ck += int(cc.seq[i]) * int(cc.seq[i+k])
		}
		cc.c[k] = ck
	}
}

// flipLimit is the exclusive upper lag touched by flipping bit i.
func flipLimit(n, i int) int {
	if n-i > i+1 {
		return n - i
	}
	return i + 1
}

// Flip negates bit i and patches the affected lags in O(L). The correction
// uses the value of x[i] before the flip.
func (cc *Cache) Flip(i int) {
	n := len(cc.seq)
	xi := int(cc.seq[i])
	lmt := flipLimit(n, i)
	for k := 1; k < lmt; k++ {
		ck := cc.c[k]
		if i+k < n {
			ck -= 2 * xi * int(cc.seq[i+k])
		}
		if k <= i {
			ck -= 2 * int(cc.seq[i-k]) * xi
		}
		cc.c[k] = ck
	}
	cc.seq.Flip(i)
}

// Len returns the sequence length.
func (cc *Cache) Len() int {
	return len(cc.seq)
}

// Sequence returns a copy of the held sequence.
func (cc *Cache) Sequence() optimization.Sequence {
	return cc.seq.Clone()
}

// Correlations returns a copy of c[1..L-1]; index 0 is always zero.
func (cc *Cache) Correlations() []int {
	out := make([]int, len(cc.c))
	copy(out[1:], cc.c[1:])
	return out
}

// Clone returns a deep copy of the cache.
func (cc *Cache) Clone() *Cache {
	c := make([]int, len(cc.c))
	copy(c, cc.c)
	return &Cache{seq: cc.seq.Clone(), c: c}
}

// View returns a read-only view over the cache. The view aliases the cache,
// so it is valid only while nobody calls Flip or Reset.
func (cc *Cache) View() View {
	return View{seq: cc.seq, c: cc.c}
}

// View is a read-only window onto a Cache. It exposes no mutators; neighbor
// workers receive a View and can therefore never modify search state.
type View struct {
	seq optimization.Sequence
	c   []int
}

// Len returns the sequence length.
func (v View) Len() int {
	return len(v.seq)
}

// At returns x[i].
func (v View) At(i int) int {
	return int(v.seq[i])
}

// Corr returns c[k].
func (v View) Corr(k int) int {
	return v.c[k]
}

// flipped returns c[k] as it would be after flipping bit i, for k in
// [1, flipLimit(L, i)).
func (v View) flipped(i, k int) int {
	n := len(v.seq)
	xi := int(v.seq[i])
	ck := v.c[k]
	if i+k < n {
		ck -= 2 * xi * int(v.seq[i+k])
	}
	if k <= i {
		ck -= 2 * int(v.seq[i-k]) * xi
	}
	return ck
}
