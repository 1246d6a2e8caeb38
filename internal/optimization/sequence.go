package optimization

import (
	"strconv"
	"strings"
)

// Sequence is a binary sequence with elements in {-1, +1}.
type Sequence []int8

// Clone returns a deep copy of s.
func (s Sequence) Clone() Sequence {
	if s == nil {
		return nil
	}
	out := make(Sequence, len(s))
	copy(out, s)
	return out
}

// Flip negates element i in place.
func (s Sequence) Flip(i int) {
	s[i] = -s[i]
}

// Ints returns the elements as ints.
func (s Sequence) Ints() []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

// Equal reports whether s and o hold the same elements.
func (s Sequence) Equal(o Sequence) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// String renders s as '+' and '-' glyphs.
func (s Sequence) String() string {
	var b strings.Builder
	b.Grow(len(s))
	for _, v := range s {
		if v > 0 {
			b.WriteByte('+')
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Autocorrelation returns the aperiodic lag-k autocorrelation of s.
func (s Sequence) Autocorrelation(k int) int {
	c := 0
	for i := 0; i+k < len(s); i++ {
		c += int(s[i]) * int(s[i+k])
	}
	return c
}

// Energy computes the sum of squared autocorrelations from scratch.
func (s Sequence) Energy() int {
	e := 0
	for k := 1; k < len(s); k++ {
		c := s.Autocorrelation(k)
		e += c * c
	}
	return e
}

// PSL computes the peak sidelobe level from scratch.
func (s Sequence) PSL() int {
	psl := 0
	for k := 1; k < len(s); k++ {
		c := s.Autocorrelation(k)
		if c < 0 {
			c = -c
		}
		if c > psl {
			psl = c
		}
	}
	return psl
}

// ParseSequence accepts either a glyph string such as "++-+" or a list of
// 1/-1 values separated by spaces or commas.
func ParseSequence(text string) (Sequence, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, WrapError(ErrInvalidSequence, "empty sequence").WithOperation("parse_sequence")
	}

	if strings.Trim(text, "+-") == "" {
		seq := make(Sequence, len(text))
		for i := 0; i < len(text); i++ {
			if text[i] == '+' {
				seq[i] = 1
			} else {
				seq[i] = -1
			}
		}
		return seq, nil
	}

	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '[' || r == ']'
	})
	seq := make(Sequence, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || (v != 1 && v != -1) {
			return nil, WrapErrorf(ErrInvalidSequence, "element %q is not 1 or -1", f).
				WithOperation("parse_sequence")
		}
		seq = append(seq, int8(v))
	}
	return seq, nil
}
