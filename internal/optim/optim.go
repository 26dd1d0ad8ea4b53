// Package optim implements the parameter update rules for the ranking network:
// plain SGD with decoupled L2 weight decay, and AdamW with bias-corrected
// moments, decoupled weight decay and linear learning-rate warmup.
package optim

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/onnwee/neuralrank/internal/linalg"
	"github.com/onnwee/neuralrank/internal/nn"
)

// Kind names an optimizer variant.
type Kind string

// Supported optimizer kinds.
const (
	KindSGD   Kind = "sgd"
	KindAdamW Kind = "adamw"
)

// Optimizer errors.
var (
	ErrUnknownKind  = errors.New("unknown optimizer kind")
	ErrKindMismatch = errors.New("optimizer kind mismatch")
)

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindSGD:
		return KindSGD, nil
	case KindAdamW, "adam_w", "adam":
		return KindAdamW, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Default hyperparameters.
const (
	DefaultLearningRate      = 0.001
	DefaultBeta1             = 0.9
	DefaultBeta2             = 0.999
	DefaultEpsilon           = 1e-8
	DefaultWarmupStartFactor = 0.1
)

// Config holds optimizer hyperparameters.
type Config struct {
	LearningRate float64
	WeightDecay  float64
	// LayerDecay multiplies WeightDecay per layer index; missing entries mean 1.
	LayerDecay []float64

	// AdamW only. Zero Beta1, Beta2 or Epsilon means the default.
	Beta1             float64
	Beta2             float64
	Epsilon           float64
	WarmupSteps       int
	WarmupStartFactor float64
}

func (c Config) withDefaults() Config {
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.Beta1 == 0 {
		c.Beta1 = DefaultBeta1
	}
	if c.Beta2 == 0 {
		c.Beta2 = DefaultBeta2
	}
	if c.Epsilon == 0 {
		c.Epsilon = DefaultEpsilon
	}
	c.LayerDecay = append([]float64(nil), c.LayerDecay...)
	return c
}

// decayFor returns the effective weight decay for layer i.
func (c Config) decayFor(i int) float64 {
	if i < len(c.LayerDecay) {
		return c.WeightDecay * c.LayerDecay[i]
	}
	return c.WeightDecay
}

// State is the serializable optimizer state. M and V are nil for SGD.
type State struct {
	Kind     Kind
	Timestep int
	M, V     *nn.Gradients
}

// Optimizer updates network parameters from accumulated gradients.
type Optimizer interface {
	Kind() Kind
	// Step applies one update. Gradients must already be clipped.
	Step(net *nn.Network, grads *nn.Gradients) error
	// Timestep returns the number of steps applied so far.
	Timestep() int
	// State returns a deep copy of the optimizer state.
	State() State
	// Restore replaces the state after checking it matches net.
	Restore(net *nn.Network, s State) error
	// ResetLayer zeroes the moments of layer i, reshaping them to net.
	ResetLayer(net *nn.Network, i int)
	// Reset zeroes every moment and the timestep.
	Reset(net *nn.Network)
}

// New creates an optimizer of the given kind for net.
func New(kind Kind, cfg Config, net *nn.Network) (Optimizer, error) {
	cfg = cfg.withDefaults()
	switch kind {
	case KindSGD:
		return &SGD{cfg: cfg}, nil
	case KindAdamW:
		return &AdamW{cfg: cfg, m: nn.NewGradients(net), v: nn.NewGradients(net)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// checkGrads verifies that grads mirrors the parameters of net.
func checkGrads(net *nn.Network, grads *nn.Gradients) error {
	layers := net.Layers()
	if len(grads.Layers) != len(layers) {
		return fmt.Errorf("%w: %d gradient layers for %d network layers", linalg.ErrDimensionMismatch, len(grads.Layers), len(layers))
	}
	for i, l := range layers {
		g := grads.Layers[i]
		pairs := [][2]*mat.Dense{{l.W, g.W}, {l.B, g.B}, {l.Gamma, g.Gamma}, {l.Beta, g.Beta}}
		for _, p := range pairs {
			if (p[0] == nil) != (p[1] == nil) {
				return fmt.Errorf("%w: layer %d parameter/gradient presence differs", linalg.ErrDimensionMismatch, i)
			}
			if p[0] != nil && !linalg.SameShape(p[0], p[1]) {
				return fmt.Errorf("%w: layer %d gradient shape", linalg.ErrDimensionMismatch, i)
			}
		}
	}
	return nil
}

func cloneGrads(g *nn.Gradients) *nn.Gradients {
	if g == nil {
		return nil
	}
	out := &nn.Gradients{Layers: make([]nn.LayerGrads, len(g.Layers))}
	for i, l := range g.Layers {
		out.Layers[i] = nn.LayerGrads{W: copyOrNil(l.W), B: copyOrNil(l.B), Gamma: copyOrNil(l.Gamma), Beta: copyOrNil(l.Beta)}
	}
	return out
}

func copyOrNil(m *mat.Dense) *mat.Dense {
	if m == nil {
		return nil
	}
	return linalg.Copy(m)
}

// WarmupLR returns the learning rate for step t (1-based): a linear ramp from
// base·startFactor towards base over warmupSteps steps, then base.
func WarmupLR(base float64, t, warmupSteps int, startFactor float64) float64 {
	if warmupSteps <= 0 || t > warmupSteps {
		return base
	}
	progress := float64(t) / float64(warmupSteps)
	return base * (startFactor + (1-startFactor)*progress)
}
