// Package training turns selection events into pairwise training examples,
// keeps them in a bounded history and runs mini-batch updates over it.
package training

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// MaxHardNegatives caps how many candidates ranked above the selection are
// used as negatives.
const MaxHardNegatives = 9

// ErrInvalidRank is returned when the selected rank is outside the candidate list.
var ErrInvalidRank = errors.New("selected rank out of range")

// Candidate is one ranked item with its feature vector.
type Candidate struct {
	ID       string
	Features []float64
}

// Pair is a (preferred, non-preferred) training example. Its vectors are
// private copies and never change after construction.
type Pair struct {
	positive      []float64
	negative      []float64
	positiveLabel string
	negativeLabel string
}

// NewPair copies pos and neg into a new Pair.
func NewPair(pos, neg []float64, posLabel, negLabel string) Pair {
	return Pair{
		positive:      append([]float64(nil), pos...),
		negative:      append([]float64(nil), neg...),
		positiveLabel: posLabel,
		negativeLabel: negLabel,
	}
}

// Positive returns a copy of the preferred feature vector.
func (p Pair) Positive() []float64 { return append([]float64(nil), p.positive...) }

// Negative returns a copy of the non-preferred feature vector.
func (p Pair) Negative() []float64 { return append([]float64(nil), p.negative...) }

// Labels returns the debug identifiers of both sides.
func (p Pair) Labels() (pos, neg string) { return p.positiveLabel, p.negativeLabel }

// Width returns the shorter of the two vector lengths.
func (p Pair) Width() int { return min(len(p.positive), len(p.negative)) }

// extended returns a copy of p with both vectors padded to width using the
// trailing entries of defaults (zero where defaults is short).
func (p Pair) extended(width int, defaults []float64) Pair {
	pad := func(v []float64) []float64 {
		out := make([]float64, width)
		copy(out, v)
		for i := len(v); i < width; i++ {
			if i < len(defaults) {
				out[i] = defaults[i]
			}
		}
		return out
	}
	return Pair{
		positive:      pad(p.positive),
		negative:      pad(p.negative),
		positiveLabel: p.positiveLabel,
		negativeLabel: p.negativeLabel,
	}
}

// BuildPairs converts one selection into training pairs. rank is the 1-based
// position of the selected item in ranked.
//
// Every candidate ranked above the selection within the first
// MaxHardNegatives positions becomes a negative, followed by the candidate
// immediately below the selection and one more drawn uniformly from the rest
// of the list. A nil rng uses the process-wide generator.
func BuildPairs(ranked []Candidate, rank int, rng *rand.Rand) ([]Pair, error) {
	n := len(ranked)
	if rank < 1 || rank > n {
		return nil, fmt.Errorf("%w: rank %d of %d candidates", ErrInvalidRank, rank, n)
	}
	k := rank - 1
	sel := ranked[k]

	hard := min(k, MaxHardNegatives)
	pairs := make([]Pair, 0, hard+2)
	for i := 0; i < hard; i++ {
		pairs = append(pairs, NewPair(sel.Features, ranked[i].Features, sel.ID, ranked[i].ID))
	}

	if k+1 < n {
		next := ranked[k+1]
		pairs = append(pairs, NewPair(sel.Features, next.Features, sel.ID, next.ID))
	}

	if rest := n - (k + 2); rest > 0 {
		var j int
		if rng != nil {
			j = rng.IntN(rest)
		} else {
			j = rand.IntN(rest)
		}
		c := ranked[k+2+j]
		pairs = append(pairs, NewPair(sel.Features, c.Features, sel.ID, c.ID))
	}
	return pairs, nil
}

// PairCount returns how many pairs BuildPairs yields for a selection at
// 1-based rank among n candidates.
func PairCount(rank, n int) int {
	if rank < 1 || rank > n {
		return 0
	}
	count := min(rank-1, MaxHardNegatives)
	if rank < n {
		count++
	}
	if n-rank > 1 {
		count++
	}
	return count
}
