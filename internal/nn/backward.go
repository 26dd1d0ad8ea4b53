package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/onnwee/neuralrank/internal/linalg"
)

// LayerGrads mirrors the trainable parameters of one Layer.
type LayerGrads struct {
	W, B        *mat.Dense
	Gamma, Beta *mat.Dense
}

// Gradients accumulates parameter gradients across one or more backward passes.
type Gradients struct {
	Layers []LayerGrads
}

// NewGradients returns zeroed gradients shaped like net.
func NewGradients(net *Network) *Gradients {
	g := &Gradients{Layers: make([]LayerGrads, len(net.layers))}
	for i, l := range net.layers {
		r, c := l.W.Dims()
		g.Layers[i] = LayerGrads{W: mat.NewDense(r, c, nil), B: mat.NewDense(1, c, nil)}
		if l.HasBatchNorm() {
			g.Layers[i].Gamma = mat.NewDense(1, c, nil)
			g.Layers[i].Beta = mat.NewDense(1, c, nil)
		}
	}
	return g
}

// All returns every gradient matrix, in layer order, skipping absent ones.
func (g *Gradients) All() []*mat.Dense {
	out := make([]*mat.Dense, 0, len(g.Layers)*4)
	for _, l := range g.Layers {
		for _, m := range []*mat.Dense{l.W, l.B, l.Gamma, l.Beta} {
			if m != nil {
				out = append(out, m)
			}
		}
	}
	return out
}

// Zero resets every gradient to zero.
func (g *Gradients) Zero() {
	for _, m := range g.All() {
		m.Zero()
	}
}

// Backward propagates dOut (dL/dscore, batch×1) through a training trace and
// adds the parameter gradients into grads. Calling it for both passes of a
// pair accumulates into the same shared gradients.
func (n *Network) Backward(trace *Trace, dOut *mat.Dense, grads *Gradients) error {
	if len(trace.Layers) != len(n.layers) || len(grads.Layers) != len(n.layers) {
		return fmt.Errorf("%w: trace/gradient layer count does not match network", linalg.ErrDimensionMismatch)
	}
	if !linalg.SameShape(dOut, trace.Output) {
		return fmt.Errorf("%w: output gradient shape", linalg.ErrDimensionMismatch)
	}

	// Through the sigmoid: ds/dz = s(1-s).
	sig := linalg.Apply(trace.Output, func(s float64) float64 { return s * (1 - s) })
	dz, err := linalg.Hadamard(dOut, sig)
	if err != nil {
		return err
	}

	for i := len(n.layers) - 1; i >= 0; i-- {
		l := n.layers[i]
		lt := trace.Layers[i]
		hidden := i < len(n.layers)-1

		if hidden {
			// dz currently holds dL/d(layer output).
			if lt.Mask != nil {
				if dz, err = lt.Mask.Apply(dz); err != nil {
					return fmt.Errorf("layer %d: %w", i, err)
				}
			}
			dz = leakyGrad(dz, lt.Pre, n.cfg.LeakySlope)
			if l.HasBatchNorm() {
				if lt.XHat == nil || lt.Var == nil {
					return fmt.Errorf("layer %d: batch-norm backward needs a training trace", i)
				}
				dz = n.batchNormBackward(dz, lt, l, &grads.Layers[i])
			}
		}

		gw, err := linalg.MatMul(linalg.Transpose(lt.Input), dz)
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		grads.Layers[i].W.Add(grads.Layers[i].W, gw)
		floats.Add(grads.Layers[i].B.RawRowView(0), linalg.ColumnSums(dz).RawRowView(0))

		if i > 0 {
			if dz, err = linalg.MatMul(dz, l.W.T()); err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
		}
	}
	return nil
}

// batchNormBackward accumulates dGamma/dBeta and returns dL/dz for the linear
// output z, given dPre = dL/d(gamma·x̂ + beta).
func (n *Network) batchNormBackward(dPre *mat.Dense, lt LayerTrace, l *Layer, g *LayerGrads) *mat.Dense {
	rows, cols := dPre.Dims()
	gamma := l.Gamma.RawRowView(0)
	variance := lt.Var.RawRowView(0)
	dGamma := g.Gamma.RawRowView(0)
	dBeta := g.Beta.RawRowView(0)

	sumDXHat := make([]float64, cols)
	sumDXHatXHat := make([]float64, cols)
	dxhat := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		dp := dPre.RawRowView(i)
		xh := lt.XHat.RawRowView(i)
		dx := dxhat.RawRowView(i)
		for j := range dp {
			dGamma[j] += dp[j] * xh[j]
			dBeta[j] += dp[j]
			dx[j] = dp[j] * gamma[j]
			sumDXHat[j] += dx[j]
			sumDXHatXHat[j] += dx[j] * xh[j]
		}
	}

	inv := 1 / float64(rows)
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		dx := dxhat.RawRowView(i)
		xh := lt.XHat.RawRowView(i)
		dst := out.RawRowView(i)
		for j := range dx {
			invStd := 1 / math.Sqrt(variance[j]+n.cfg.BNEpsilon)
			dst[j] = inv * invStd * (float64(rows)*dx[j] - sumDXHat[j] - xh[j]*sumDXHatXHat[j])
		}
	}
	return out
}

func leakyGrad(d, pre *mat.Dense, slope float64) *mat.Dense {
	rows, cols := d.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		src := d.RawRowView(i)
		p := pre.RawRowView(i)
		dst := out.RawRowView(i)
		for j := range src {
			if p[j] > 0 {
				dst[j] = src[j]
			} else {
				dst[j] = slope * src[j]
			}
		}
	}
	return out
}
