package linalg

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Mask records which elements survived a dropout pass. The same mask is reused
// on the backward pass and on the twin forward pass of a training pair.
type Mask struct {
	rows, cols int
	keep       []bool
	scale      float64
}

// NewMask samples a rows×cols inverted-dropout mask.
func NewMask(rows, cols int, rate float64, rng *rand.Rand) *Mask {
	m := &Mask{
		rows:  rows,
		cols:  cols,
		keep:  make([]bool, rows*cols),
		scale: 1 / (1 - rate),
	}
	for i := range m.keep {
		m.keep[i] = rng.Float64() >= rate
	}
	return m
}

// Dims returns the mask shape.
func (m *Mask) Dims() (int, int) { return m.rows, m.cols }

// Kept reports whether element (i, j) survived.
func (m *Mask) Kept(i, j int) bool { return m.keep[i*m.cols+j] }

// Apply returns a copy of x with dropped elements zeroed and survivors scaled
// by 1/(1-rate). A nil mask returns x unchanged.
func (m *Mask) Apply(x *mat.Dense) (*mat.Dense, error) {
	if m == nil {
		return x, nil
	}
	r, c := x.Dims()
	if r != m.rows || c != m.cols {
		return nil, fmt.Errorf("%w: dropout mask %dx%d on %dx%d", ErrDimensionMismatch, m.rows, m.cols, r, c)
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := x.RawRowView(i)
		dst := out.RawRowView(i)
		for j, v := range src {
			if m.keep[i*c+j] {
				dst[j] = v * m.scale
			}
		}
	}
	return out, nil
}

// Dropout applies inverted dropout to x. When training is false or rate is zero
// it is a no-op and returns x itself with a nil mask.
func Dropout(x *mat.Dense, rate float64, training bool, rng *rand.Rand) (*mat.Dense, *Mask, error) {
	if !training || rate == 0 {
		return x, nil, nil
	}
	if rate < 0 || rate >= 1 {
		return nil, nil, fmt.Errorf("dropout rate %v outside [0, 1)", rate)
	}
	r, c := x.Dims()
	mask := NewMask(r, c, rate, rng)
	out, err := mask.Apply(x)
	if err != nil {
		return nil, nil, err
	}
	return out, mask, nil
}
