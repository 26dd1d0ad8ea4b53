// Package linalg provides the dense matrix primitives used by the ranking network.
//
// Every operation checks shapes up front and returns ErrDimensionMismatch instead
// of letting gonum panic, so a malformed caller input can never take the process
// down. Results are freshly allocated unless a function documents otherwise.
package linalg

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Shape errors.
var (
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrEmptyMatrix       = errors.New("matrix must have at least one row and one column")
)

// Zeros returns an r×c matrix of zeros. Both dimensions must be positive.
func Zeros(r, c int) *mat.Dense {
	return mat.NewDense(r, c, nil)
}

// Identity returns the n×n identity matrix.
func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Copy returns a deep copy of a.
func Copy(a mat.Matrix) *mat.Dense {
	return mat.DenseCopyOf(a)
}

// FromRows builds a matrix from row slices. Ragged input is rejected.
func FromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmptyMatrix
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrDimensionMismatch, i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// ToRows copies m into freshly allocated row slices.
func ToRows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		mat.Row(rows[i], i, m)
	}
	return rows
}

// RowVector wraps a copy of v as a 1×len(v) matrix.
func RowVector(v []float64) *mat.Dense {
	data := make([]float64, len(v))
	copy(data, v)
	return mat.NewDense(1, len(v), data)
}

// MatMul returns a·b. cols(a) must equal rows(b).
func MatMul(a, b mat.Matrix) (*mat.Dense, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != br {
		return nil, fmt.Errorf("%w: matmul %dx%d · %dx%d", ErrDimensionMismatch, ar, ac, br, bc)
	}
	var out mat.Dense
	out.Mul(a, b)
	return &out, nil
}

// Transpose returns a copy of aᵀ.
func Transpose(a mat.Matrix) *mat.Dense {
	return mat.DenseCopyOf(a.T())
}

// Apply returns a new matrix with fn applied to every element.
func Apply(a mat.Matrix, fn func(v float64) float64) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return fn(v) }, a)
	return &out
}

// Hadamard returns the elementwise product a∘b.
func Hadamard(a, b mat.Matrix) (*mat.Dense, error) {
	if err := sameShape("hadamard", a, b); err != nil {
		return nil, err
	}
	var out mat.Dense
	out.MulElem(a, b)
	return &out, nil
}

// Scale returns s·a.
func Scale(a mat.Matrix, s float64) *mat.Dense {
	var out mat.Dense
	out.Scale(s, a)
	return &out
}

// Sub returns a-b.
func Sub(a, b mat.Matrix) (*mat.Dense, error) {
	if err := sameShape("sub", a, b); err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Sub(a, b)
	return &out, nil
}

// Add returns a+b.
func Add(a, b mat.Matrix) (*mat.Dense, error) {
	if err := sameShape("add", a, b); err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Add(a, b)
	return &out, nil
}

// AddBias broadcasts the 1×n bias row across every row of the r×n matrix m.
func AddBias(m mat.Matrix, bias *mat.Dense) (*mat.Dense, error) {
	r, c := m.Dims()
	br, bc := bias.Dims()
	if br != 1 || bc != c {
		return nil, fmt.Errorf("%w: add_bias %dx%d + %dx%d", ErrDimensionMismatch, r, c, br, bc)
	}
	out := mat.DenseCopyOf(m)
	b := bias.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(out.RawRowView(i), b)
	}
	return out, nil
}

// ColumnSums returns the 1×n row of column sums of m.
func ColumnSums(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(1, c, nil)
	sum := out.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(sum, m.RawRowView(i))
	}
	return out
}

// ColumnMeans returns the 1×n row of column means of m.
func ColumnMeans(m *mat.Dense) *mat.Dense {
	r, _ := m.Dims()
	out := ColumnSums(m)
	floats.Scale(1/float64(r), out.RawRowView(0))
	return out
}

// ColumnVariances returns the 1×n row of population variances of m around mean.
func ColumnVariances(m, mean *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(1, c, nil)
	v := out.RawRowView(0)
	mu := mean.RawRowView(0)
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := range row {
			d := row[j] - mu[j]
			v[j] += d * d
		}
	}
	floats.Scale(1/float64(r), v)
	return out
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b mat.Matrix) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	return ar == br && ac == bc
}

func sameShape(op string, a, b mat.Matrix) error {
	if SameShape(a, b) {
		return nil
	}
	ar, ac := a.Dims()
	br, bc := b.Dims()
	return fmt.Errorf("%w: %s %dx%d vs %dx%d", ErrDimensionMismatch, op, ar, ac, br, bc)
}
