// Package nn implements the small feed-forward scoring network: parameter
// storage, training and inference forward passes, pairwise hinge loss with its
// backward pass, and the fused inference cache used for allocation-free scoring.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/onnwee/neuralrank/internal/linalg"
)

// Network errors.
var (
	ErrInvalidArchitecture = errors.New("invalid architecture")
	ErrShrinkInput         = errors.New("input width cannot shrink")
)

// Default hyperparameters for the network itself.
const (
	DefaultLeakySlope = 0.01
	DefaultBNMomentum = 0.1
	DefaultBNEpsilon  = 1e-5
)

// Config describes the shape and layer behavior of a Network.
type Config struct {
	// Architecture lists layer widths from input to output, e.g. [11, 16, 8, 1].
	Architecture []int
	// BatchNorm enables batch normalization on every hidden layer.
	BatchNorm bool
	// LeakySlope is the negative slope of the hidden activation.
	LeakySlope float64
	// DropoutRates holds one rate per hidden layer. Missing entries mean 0.
	DropoutRates []float64
	// BNMomentum is the weight of the batch statistic in the running average.
	BNMomentum float64
	// BNEpsilon is added to variances before taking square roots.
	BNEpsilon float64
}

func (c Config) withDefaults() Config {
	if c.LeakySlope == 0 {
		c.LeakySlope = DefaultLeakySlope
	}
	if c.BNMomentum == 0 {
		c.BNMomentum = DefaultBNMomentum
	}
	if c.BNEpsilon == 0 {
		c.BNEpsilon = DefaultBNEpsilon
	}
	c.Architecture = append([]int(nil), c.Architecture...)
	c.DropoutRates = append([]float64(nil), c.DropoutRates...)
	return c
}

// ValidateArchitecture checks that arch has at least one transition, positive
// widths and a single output unit.
func ValidateArchitecture(arch []int) error {
	if len(arch) < 2 {
		return fmt.Errorf("%w: need at least 2 widths, got %v", ErrInvalidArchitecture, arch)
	}
	for i, w := range arch {
		if w <= 0 {
			return fmt.Errorf("%w: width %d at position %d", ErrInvalidArchitecture, w, i)
		}
	}
	if arch[len(arch)-1] != 1 {
		return fmt.Errorf("%w: output width must be 1, got %d", ErrInvalidArchitecture, arch[len(arch)-1])
	}
	return nil
}

// Layer holds the parameters of one layer transition. Gamma, Beta, RunningMean
// and RunningVar are nil on the output layer and when batch norm is disabled.
type Layer struct {
	W           *mat.Dense // in×out
	B           *mat.Dense // 1×out
	Gamma       *mat.Dense // 1×out
	Beta        *mat.Dense // 1×out
	RunningMean *mat.Dense // 1×out
	RunningVar  *mat.Dense // 1×out
}

// HasBatchNorm reports whether the layer carries batch-norm parameters.
func (l *Layer) HasBatchNorm() bool { return l.Gamma != nil }

func (l *Layer) clone() *Layer {
	c := &Layer{W: linalg.Copy(l.W), B: linalg.Copy(l.B)}
	if l.HasBatchNorm() {
		c.Gamma = linalg.Copy(l.Gamma)
		c.Beta = linalg.Copy(l.Beta)
		c.RunningMean = linalg.Copy(l.RunningMean)
		c.RunningVar = linalg.Copy(l.RunningVar)
	}
	return c
}

// Network is a feed-forward scorer. All parameter writes must go through
// Mutate so that derived inference caches can detect staleness.
type Network struct {
	cfg        Config
	layers     []*Layer
	generation uint64
}

// New creates a network with He-initialized weights, zero biases and identity
// batch-norm parameters.
func New(cfg Config, rng *rand.Rand) (*Network, error) {
	cfg = cfg.withDefaults()
	if err := ValidateArchitecture(cfg.Architecture); err != nil {
		return nil, err
	}

	arch := cfg.Architecture
	layers := make([]*Layer, len(arch)-1)
	for i := range layers {
		in, out := arch[i], arch[i+1]
		std := math.Sqrt(2 / float64(in))
		w := mat.NewDense(in, out, nil)
		w.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() * std }, w)
		l := &Layer{W: w, B: mat.NewDense(1, out, nil)}
		if cfg.BatchNorm && i < len(layers)-1 {
			l.Gamma = filledRow(out, 1)
			l.Beta = mat.NewDense(1, out, nil)
			l.RunningMean = mat.NewDense(1, out, nil)
			l.RunningVar = filledRow(out, 1)
		}
		layers[i] = l
	}
	return &Network{cfg: cfg, layers: layers}, nil
}

// FromLayers builds a network around existing parameters after checking that
// every matrix agrees with the architecture.
func FromLayers(cfg Config, layers []*Layer) (*Network, error) {
	cfg = cfg.withDefaults()
	if err := ValidateArchitecture(cfg.Architecture); err != nil {
		return nil, err
	}
	arch := cfg.Architecture
	if len(layers) != len(arch)-1 {
		return nil, fmt.Errorf("%w: %d layers for architecture %v", ErrInvalidArchitecture, len(layers), arch)
	}
	for i, l := range layers {
		in, out := arch[i], arch[i+1]
		if l == nil || l.W == nil || l.B == nil {
			return nil, fmt.Errorf("%w: layer %d is missing weights or biases", ErrInvalidArchitecture, i)
		}
		if err := checkDims(l.W, in, out, "weights", i); err != nil {
			return nil, err
		}
		if err := checkDims(l.B, 1, out, "biases", i); err != nil {
			return nil, err
		}
		hidden := i < len(layers)-1
		wantBN := cfg.BatchNorm && hidden
		if wantBN != l.HasBatchNorm() {
			return nil, fmt.Errorf("%w: layer %d batch norm presence %t, want %t", ErrInvalidArchitecture, i, l.HasBatchNorm(), wantBN)
		}
		if wantBN {
			for name, m := range map[string]*mat.Dense{
				"gammas": l.Gamma, "betas": l.Beta, "running_means": l.RunningMean, "running_vars": l.RunningVar,
			} {
				if m == nil {
					return nil, fmt.Errorf("%w: layer %d is missing %s", ErrInvalidArchitecture, i, name)
				}
				if err := checkDims(m, 1, out, name, i); err != nil {
					return nil, err
				}
			}
		}
	}
	return &Network{cfg: cfg, layers: layers}, nil
}

func checkDims(m *mat.Dense, r, c int, name string, layer int) error {
	mr, mc := m.Dims()
	if mr != r || mc != c {
		return fmt.Errorf("%w: layer %d %s is %dx%d, want %dx%d", linalg.ErrDimensionMismatch, layer, name, mr, mc, r, c)
	}
	return nil
}

func filledRow(n int, v float64) *mat.Dense {
	data := make([]float64, n)
	for i := range data {
		data[i] = v
	}
	return mat.NewDense(1, n, data)
}

// Config returns a copy of the network configuration.
func (n *Network) Config() Config { return n.cfg.withDefaults() }

// Architecture returns a copy of the layer widths.
func (n *Network) Architecture() []int { return append([]int(nil), n.cfg.Architecture...) }

// InputWidth returns the expected feature vector length.
func (n *Network) InputWidth() int { return n.cfg.Architecture[0] }

// NumLayers returns the number of layer transitions.
func (n *Network) NumLayers() int { return len(n.layers) }

// Layers exposes the parameters for reading. Writes must use Mutate.
func (n *Network) Layers() []*Layer { return n.layers }

// Generation increases every time the parameters are mutated.
func (n *Network) Generation() uint64 { return n.generation }

// Mutate runs fn with write access to the parameters and bumps the generation,
// even if fn fails part way through.
func (n *Network) Mutate(fn func(layers []*Layer) error) error {
	defer func() { n.generation++ }()
	return fn(n.layers)
}

// Clone returns a deep copy of the network, preserving its generation.
func (n *Network) Clone() *Network {
	layers := make([]*Layer, len(n.layers))
	for i, l := range n.layers {
		layers[i] = l.clone()
	}
	return &Network{cfg: n.cfg.withDefaults(), layers: layers, generation: n.generation}
}

// Equal reports whether two networks hold bitwise identical parameters.
func (n *Network) Equal(o *Network) bool {
	if len(n.layers) != len(o.layers) {
		return false
	}
	for i := range n.layers {
		a, b := n.layers[i], o.layers[i]
		if !denseEqual(a.W, b.W) || !denseEqual(a.B, b.B) ||
			!denseEqual(a.Gamma, b.Gamma) || !denseEqual(a.Beta, b.Beta) ||
			!denseEqual(a.RunningMean, b.RunningMean) || !denseEqual(a.RunningVar, b.RunningVar) {
			return false
		}
	}
	return true
}

func denseEqual(a, b *mat.Dense) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !linalg.SameShape(a, b) {
		return false
	}
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.Float64bits(a.At(i, j)) != math.Float64bits(b.At(i, j)) {
				return false
			}
		}
	}
	return true
}

// GrowInput widens the first layer to width inputs by appending zero rows.
// Existing rows are preserved exactly. Shrinking is rejected.
func (n *Network) GrowInput(width int) error {
	old := n.InputWidth()
	if width < old {
		return fmt.Errorf("%w: %d -> %d", ErrShrinkInput, old, width)
	}
	if width == old {
		return nil
	}
	return n.Mutate(func(layers []*Layer) error {
		w := layers[0].W
		_, out := w.Dims()
		grown := mat.NewDense(width, out, nil)
		grown.Slice(0, old, 0, out).(*mat.Dense).Copy(w)
		layers[0].W = grown
		n.cfg.Architecture[0] = width
		return nil
	})
}

// DropoutRate returns the configured dropout rate for hidden layer i.
func (n *Network) DropoutRate(i int) float64 {
	if i < len(n.cfg.DropoutRates) {
		return n.cfg.DropoutRates[i]
	}
	return 0
}

// SampleMasks draws one dropout mask per hidden layer for a batch of the given
// size. Layers without dropout get a nil mask.
func (n *Network) SampleMasks(batch int, rng *rand.Rand) []*linalg.Mask {
	masks := make([]*linalg.Mask, len(n.layers)-1)
	for i := range masks {
		rate := n.DropoutRate(i)
		if rate <= 0 {
			continue
		}
		_, out := n.layers[i].W.Dims()
		masks[i] = linalg.NewMask(batch, out, rate, rng)
	}
	return masks
}
