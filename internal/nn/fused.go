package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/onnwee/neuralrank/internal/linalg"
)

// fusedLayer is an affine transform with batch norm already folded in.
// w is row-major in×out.
type fusedLayer struct {
	in, out int
	w       []float64
	b       []float64
}

// Fused is the inference cache: a read-only copy of a Network with batch-norm
// parameters folded into the preceding weights and biases, so scoring is a
// plain matmul+bias+activation chain. A Fused value is never modified after
// Fuse returns and may be shared between goroutines; per-call buffers live in
// a Scratch owned by the caller.
type Fused struct {
	layers     []fusedLayer
	slope      float64
	generation uint64
	maxWidth   int
}

// Fuse builds the inference cache for the current parameters of net.
//
// For a hidden layer with batch norm, scale = gamma / sqrt(runningVar + eps),
// W' = W·diag(scale) and b' = (b - runningMean)·scale + beta.
func Fuse(net *Network) *Fused {
	f := &Fused{
		layers:     make([]fusedLayer, len(net.layers)),
		slope:      net.cfg.LeakySlope,
		generation: net.generation,
	}
	for i, l := range net.layers {
		in, out := l.W.Dims()
		fl := fusedLayer{in: in, out: out, w: make([]float64, in*out), b: make([]float64, out)}
		for r := 0; r < in; r++ {
			copy(fl.w[r*out:(r+1)*out], l.W.RawRowView(r))
		}
		copy(fl.b, l.B.RawRowView(0))

		if l.HasBatchNorm() {
			gamma := l.Gamma.RawRowView(0)
			beta := l.Beta.RawRowView(0)
			mean := l.RunningMean.RawRowView(0)
			variance := l.RunningVar.RawRowView(0)
			scale := make([]float64, out)
			for j := range scale {
				scale[j] = gamma[j] / math.Sqrt(variance[j]+net.cfg.BNEpsilon)
			}
			for r := 0; r < in; r++ {
				floats.Mul(fl.w[r*out:(r+1)*out], scale)
			}
			for j := range fl.b {
				fl.b[j] = (fl.b[j]-mean[j])*scale[j] + beta[j]
			}
		}

		if out > f.maxWidth {
			f.maxWidth = out
		}
		f.layers[i] = fl
	}
	return f
}

// Generation returns the network generation the cache was built from.
func (f *Fused) Generation() uint64 { return f.generation }

// Stale reports whether net has been mutated since the cache was built.
func (f *Fused) Stale(net *Network) bool { return f.generation != net.Generation() }

// InputWidth returns the expected feature vector length.
func (f *Fused) InputWidth() int { return f.layers[0].in }

// Scratch holds the ping-pong activation buffers reused across Score calls.
// A Scratch must not be used by two goroutines at once.
type Scratch struct {
	a, b []float64
}

// NewScratch allocates buffers wide enough for every layer of f.
func (f *Fused) NewScratch() *Scratch {
	return &Scratch{a: make([]float64, f.maxWidth), b: make([]float64, f.maxWidth)}
}

// Fits reports whether s is large enough to score with f.
func (s *Scratch) Fits(f *Fused) bool {
	return s != nil && len(s.a) >= f.maxWidth && len(s.b) >= f.maxWidth
}

// Score returns the sigmoid score for one feature vector. It performs no heap
// allocation when s fits the cache.
func (f *Fused) Score(x []float64, s *Scratch) (float64, error) {
	if len(x) != f.InputWidth() {
		return 0, fmt.Errorf("%w: got %d features, want %d", linalg.ErrDimensionMismatch, len(x), f.InputWidth())
	}
	if !s.Fits(f) {
		s = f.NewScratch()
	}

	cur := x
	bufs := [2][]float64{s.a, s.b}
	last := len(f.layers) - 1
	for i, l := range f.layers {
		out := bufs[i%2][:l.out]
		copy(out, l.b)
		for r, v := range cur {
			if v != 0 {
				floats.AddScaled(out, v, l.w[r*l.out:(r+1)*l.out])
			}
		}
		if i < last {
			for j, v := range out {
				out[j] = leakyReLU(v, f.slope)
			}
		}
		cur = out
	}
	return Sigmoid(cur[0]), nil
}
