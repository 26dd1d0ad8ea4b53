package optim

import (
	"gonum.org/v1/gonum/mat"

	"github.com/onnwee/neuralrank/internal/nn"
)

// SGD is stochastic gradient descent with decoupled L2 weight decay:
// w -= lr·(g + wd·w). Decay applies to weight matrices only.
type SGD struct {
	cfg Config
	t   int
}

// Kind implements Optimizer.
func (o *SGD) Kind() Kind { return KindSGD }

// Timestep implements Optimizer.
func (o *SGD) Timestep() int { return o.t }

// Step implements Optimizer.
func (o *SGD) Step(net *nn.Network, grads *nn.Gradients) error {
	if err := checkGrads(net, grads); err != nil {
		return err
	}
	o.t++
	lr := o.cfg.LearningRate
	return net.Mutate(func(layers []*nn.Layer) error {
		for i, l := range layers {
			g := grads.Layers[i]
			sgdUpdate(l.W, g.W, lr, o.cfg.decayFor(i))
			sgdUpdate(l.B, g.B, lr, 0)
			if l.HasBatchNorm() {
				sgdUpdate(l.Gamma, g.Gamma, lr, 0)
				sgdUpdate(l.Beta, g.Beta, lr, 0)
			}
		}
		return nil
	})
}

func sgdUpdate(w, g *mat.Dense, lr, decay float64) {
	r, _ := w.Dims()
	for i := 0; i < r; i++ {
		wr := w.RawRowView(i)
		gr := g.RawRowView(i)
		for j := range wr {
			wr[j] -= lr * (gr[j] + decay*wr[j])
		}
	}
}

// State implements Optimizer.
func (o *SGD) State() State { return State{Kind: KindSGD, Timestep: o.t} }

// Restore implements Optimizer.
func (o *SGD) Restore(_ *nn.Network, s State) error {
	o.t = s.Timestep
	return nil
}

// ResetLayer implements Optimizer. SGD keeps no per-layer state.
func (o *SGD) ResetLayer(*nn.Network, int) {}

// Reset implements Optimizer.
func (o *SGD) Reset(*nn.Network) { o.t = 0 }
