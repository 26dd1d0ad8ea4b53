package linalg

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// GlobalNorm returns the L2 norm taken across every element of every matrix.
// Nil entries are skipped.
func GlobalNorm(grads []*mat.Dense) float64 {
	var sq float64
	for _, g := range grads {
		if g == nil {
			continue
		}
		r, _ := g.Dims()
		for i := 0; i < r; i++ {
			row := g.RawRowView(i)
			sq += floats.Dot(row, row)
		}
	}
	return math.Sqrt(sq)
}

// ClipGradients rescales grads in place so that their global L2 norm does not
// exceed maxNorm, and returns the norm measured before clipping.
//
// Gradients are left untouched when the norm is already within bounds or when
// maxNorm <= 0.
func ClipGradients(grads []*mat.Dense, maxNorm float64) float64 {
	norm := GlobalNorm(grads)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, g := range grads {
		if g == nil {
			continue
		}
		g.Scale(scale, g)
	}
	return norm
}

// AllFinite reports whether every element of every matrix is a finite number.
func AllFinite(ms []*mat.Dense) bool {
	for _, m := range ms {
		if m == nil {
			continue
		}
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			for _, v := range m.RawRowView(i) {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return false
				}
			}
		}
	}
	return true
}
