package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/onnwee/neuralrank/internal/linalg"
	"github.com/onnwee/neuralrank/internal/nn"
)

// AdamW keeps bias-corrected first and second moment estimates per parameter
// and applies weight decay directly to the weights, outside the adaptive term.
type AdamW struct {
	cfg  Config
	t    int
	m, v *nn.Gradients
}

// Kind implements Optimizer.
func (o *AdamW) Kind() Kind { return KindAdamW }

// Timestep implements Optimizer.
func (o *AdamW) Timestep() int { return o.t }

// LearningRate returns the warmed-up learning rate for step t.
func (o *AdamW) LearningRate(t int) float64 {
	return WarmupLR(o.cfg.LearningRate, t, o.cfg.WarmupSteps, o.cfg.WarmupStartFactor)
}

// Step implements Optimizer.
func (o *AdamW) Step(net *nn.Network, grads *nn.Gradients) error {
	if err := checkGrads(net, grads); err != nil {
		return err
	}
	if err := checkGrads(net, o.m); err != nil {
		return fmt.Errorf("first moments: %w", err)
	}

	o.t++
	lr := o.LearningRate(o.t)
	c1 := 1 - math.Pow(o.cfg.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.cfg.Beta2, float64(o.t))

	return net.Mutate(func(layers []*nn.Layer) error {
		for i, l := range layers {
			g := grads.Layers[i]
			m := o.m.Layers[i]
			v := o.v.Layers[i]
			o.update(l.W, g.W, m.W, v.W, lr, c1, c2, o.cfg.decayFor(i))
			o.update(l.B, g.B, m.B, v.B, lr, c1, c2, 0)
			if l.HasBatchNorm() {
				o.update(l.Gamma, g.Gamma, m.Gamma, v.Gamma, lr, c1, c2, 0)
				o.update(l.Beta, g.Beta, m.Beta, v.Beta, lr, c1, c2, 0)
			}
		}
		return nil
	})
}

func (o *AdamW) update(w, g, m, v *mat.Dense, lr, c1, c2, decay float64) {
	b1, b2, eps := o.cfg.Beta1, o.cfg.Beta2, o.cfg.Epsilon
	r, _ := w.Dims()
	for i := 0; i < r; i++ {
		wr := w.RawRowView(i)
		gr := g.RawRowView(i)
		mr := m.RawRowView(i)
		vr := v.RawRowView(i)
		for j := range wr {
			mr[j] = b1*mr[j] + (1-b1)*gr[j]
			vr[j] = b2*vr[j] + (1-b2)*gr[j]*gr[j]
			mHat := mr[j] / c1
			vHat := vr[j] / c2
			wr[j] -= lr * (mHat/(math.Sqrt(vHat)+eps) + decay*wr[j])
		}
	}
}

// State implements Optimizer.
func (o *AdamW) State() State {
	return State{Kind: KindAdamW, Timestep: o.t, M: cloneGrads(o.m), V: cloneGrads(o.v)}
}

// Restore implements Optimizer. Moments must match the network shape exactly.
func (o *AdamW) Restore(net *nn.Network, s State) error {
	if s.Kind != KindAdamW {
		return fmt.Errorf("%w: restore %s state into adamw", ErrKindMismatch, s.Kind)
	}
	if s.M == nil || s.V == nil {
		return fmt.Errorf("%w: adamw state without moments", linalg.ErrDimensionMismatch)
	}
	if err := checkGrads(net, s.M); err != nil {
		return fmt.Errorf("first moments: %w", err)
	}
	if err := checkGrads(net, s.V); err != nil {
		return fmt.Errorf("second moments: %w", err)
	}
	o.t = s.Timestep
	o.m = cloneGrads(s.M)
	o.v = cloneGrads(s.V)
	return nil
}

// ResetLayer implements Optimizer. The timestep is preserved.
func (o *AdamW) ResetLayer(net *nn.Network, i int) {
	fresh := nn.NewGradients(net)
	o.m.Layers[i] = fresh.Layers[i]
	fresh = nn.NewGradients(net)
	o.v.Layers[i] = fresh.Layers[i]
}

// Reset implements Optimizer.
func (o *AdamW) Reset(net *nn.Network) {
	o.t = 0
	o.m = nn.NewGradients(net)
	o.v = nn.NewGradients(net)
}
