package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/onnwee/neuralrank/internal/linalg"
)

// Mode selects training or inference behavior of the forward pass.
type Mode int

const (
	// Inference uses running batch-norm statistics and disables dropout.
	Inference Mode = iota
	// Training uses mini-batch statistics and applies dropout masks.
	Training
)

// LayerTrace keeps the intermediate values of one layer for backpropagation.
type LayerTrace struct {
	Input *mat.Dense // value fed into the layer
	XHat  *mat.Dense // normalized pre-activation (batch norm only)
	Mean  *mat.Dense // batch mean (training batch norm only)
	Var   *mat.Dense // batch variance (training batch norm only)
	Pre   *mat.Dense // value entering the activation
	Mask  *linalg.Mask
}

// Trace is the record of one forward pass.
type Trace struct {
	Mode   Mode
	Layers []LayerTrace
	// Output holds the sigmoid scores, one row per sample.
	Output *mat.Dense
}

// BatchStats returns the per-hidden-layer batch means and variances observed
// during a training pass. Entries are nil for layers without batch norm.
func (t *Trace) BatchStats() (means, vars []*mat.Dense) {
	n := len(t.Layers) - 1
	means = make([]*mat.Dense, n)
	vars = make([]*mat.Dense, n)
	for i := 0; i < n; i++ {
		means[i] = t.Layers[i].Mean
		vars[i] = t.Layers[i].Var
	}
	return means, vars
}

// Forward runs x (batch×input) through the network. In Training mode masks
// supplies one dropout mask per hidden layer (nil entries disable dropout for
// that layer); it is ignored in Inference mode. Running statistics are never
// written here; see CommitBatchStats.
func (n *Network) Forward(x *mat.Dense, mode Mode, masks []*linalg.Mask) (*Trace, error) {
	_, c := x.Dims()
	if c != n.InputWidth() {
		return nil, fmt.Errorf("%w: input has %d features, network expects %d", linalg.ErrDimensionMismatch, c, n.InputWidth())
	}

	trace := &Trace{Mode: mode, Layers: make([]LayerTrace, len(n.layers))}
	cur := x
	last := len(n.layers) - 1
	for i, l := range n.layers {
		lt := LayerTrace{Input: cur}

		xw, err := linalg.MatMul(cur, l.W)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		z, err := linalg.AddBias(xw, l.B)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}

		if i == last {
			lt.Pre = z
			trace.Output = linalg.Apply(z, Sigmoid)
			trace.Layers[i] = lt
			break
		}

		pre := z
		if l.HasBatchNorm() {
			mean, variance := l.RunningMean, l.RunningVar
			if mode == Training {
				mean = linalg.ColumnMeans(z)
				variance = linalg.ColumnVariances(z, mean)
				lt.Mean, lt.Var = mean, variance
			}
			lt.XHat = normalize(z, mean, variance, n.cfg.BNEpsilon)
			pre = affine(lt.XHat, l.Gamma, l.Beta)
		}
		lt.Pre = pre

		slope := n.cfg.LeakySlope
		act := linalg.Apply(pre, func(v float64) float64 { return leakyReLU(v, slope) })

		if mode == Training && i < len(masks) && masks[i] != nil {
			lt.Mask = masks[i]
			if act, err = masks[i].Apply(act); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
		}

		trace.Layers[i] = lt
		cur = act
	}
	return trace, nil
}

// Predict runs an inference-mode forward pass and returns one score per row.
func (n *Network) Predict(x *mat.Dense) ([]float64, error) {
	trace, err := n.Forward(x, Inference, nil)
	if err != nil {
		return nil, err
	}
	r, _ := trace.Output.Dims()
	out := make([]float64, r)
	mat.Col(out, 0, trace.Output)
	return out, nil
}

// CommitBatchStats folds the batch statistics recorded by training traces into
// the running averages with exponential decay, one trace after another.
func (n *Network) CommitBatchStats(traces ...*Trace) error {
	if !n.cfg.BatchNorm {
		return nil
	}
	m := n.cfg.BNMomentum
	return n.Mutate(func(layers []*Layer) error {
		for _, t := range traces {
			means, vars := t.BatchStats()
			for i, mean := range means {
				if mean == nil || !layers[i].HasBatchNorm() {
					continue
				}
				decay(layers[i].RunningMean, mean, m)
				decay(layers[i].RunningVar, vars[i], m)
			}
		}
		return nil
	})
}

func decay(running, batch *mat.Dense, momentum float64) {
	r := running.RawRowView(0)
	b := batch.RawRowView(0)
	for j := range r {
		r[j] = (1-momentum)*r[j] + momentum*b[j]
	}
}

func normalize(z, mean, variance *mat.Dense, eps float64) *mat.Dense {
	rows, cols := z.Dims()
	out := mat.NewDense(rows, cols, nil)
	mu := mean.RawRowView(0)
	v := variance.RawRowView(0)
	for i := 0; i < rows; i++ {
		src := z.RawRowView(i)
		dst := out.RawRowView(i)
		for j := range src {
			dst[j] = (src[j] - mu[j]) / math.Sqrt(v[j]+eps)
		}
	}
	return out
}

func affine(xhat, gamma, beta *mat.Dense) *mat.Dense {
	rows, cols := xhat.Dims()
	out := mat.NewDense(rows, cols, nil)
	g := gamma.RawRowView(0)
	b := beta.RawRowView(0)
	for i := 0; i < rows; i++ {
		src := xhat.RawRowView(i)
		dst := out.RawRowView(i)
		for j := range src {
			dst[j] = g[j]*src[j] + b[j]
		}
	}
	return out
}

// Sigmoid is the logistic function.
func Sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

func leakyReLU(v, slope float64) float64 {
	if v > 0 {
		return v
	}
	return slope * v
}
