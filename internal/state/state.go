// Package state defines the serialized form of a ranker and the stores that
// persist it.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/neuralrank/internal/linalg"
	"github.com/onnwee/neuralrank/internal/nn"
	"github.com/onnwee/neuralrank/internal/optim"
	"github.com/onnwee/neuralrank/internal/training"
)

// Version identifies the pairwise hinge-loss state layout.
const Version = "2.0-hinge"

// State errors.
var (
	ErrNotFound = errors.New("state not found")
	ErrCorrupt  = errors.New("corrupt state")
)

// State is everything needed to resume a ranker. Matrices are stored as
// lists of rows, one entry per layer; bias and batch-norm vectors are 1×n.
type State struct {
	Version       string         `json:"version"`
	Name          string         `json:"name,omitempty"`
	SchemaVersion string         `json:"schema_version,omitempty"`
	Architecture  []int          `json:"architecture"`
	Network       Network        `json:"network"`
	OptimizerKind string         `json:"optimizer_kind,omitempty"`
	Optimizer     OptimizerState `json:"optimizer_state"`
	History       []PairRecord   `json:"training_history,omitempty"`
	Stats         Stats          `json:"stats"`
	SavedAt       time.Time      `json:"saved_at"`
}

// Network holds the inference and batch-norm parameters. Batch-norm slices
// are empty when batch norm is disabled and otherwise cover hidden layers only.
type Network struct {
	RunningVars  [][][]float64 `json:"running_vars,omitempty"`
	RunningMeans [][][]float64 `json:"running_means,omitempty"`
	Weights      [][][]float64 `json:"weights"`
	Betas        [][][]float64 `json:"betas,omitempty"`
	Gammas       [][][]float64 `json:"gammas,omitempty"`
	Biases       [][][]float64 `json:"biases"`
}

// BatchNorm reports whether the network carries batch-norm parameters.
func (n Network) BatchNorm() bool { return len(n.Gammas) > 0 }

// OptimizerState is the persisted optimizer progress. M and V are nil for SGD.
type OptimizerState struct {
	Timestep int      `json:"timestep"`
	M        *Moments `json:"m,omitempty"`
	V        *Moments `json:"v,omitempty"`
}

// Moments mirrors the trainable parameters of every layer.
type Moments struct {
	Weights [][][]float64 `json:"weights"`
	Biases  [][][]float64 `json:"biases"`
	Gammas  [][][]float64 `json:"gammas,omitempty"`
	Betas   [][][]float64 `json:"betas,omitempty"`
}

// PairRecord is a persisted training pair.
type PairRecord struct {
	Positive      []float64 `json:"positive"`
	Negative      []float64 `json:"negative"`
	PositiveLabel string    `json:"positive_label,omitempty"`
	NegativeLabel string    `json:"negative_label,omitempty"`
}

// Stats are cumulative counters kept alongside the parameters.
type Stats struct {
	Selections       int64      `json:"selections"`
	PairsGenerated   int64      `json:"pairs_generated"`
	Updates          int64      `json:"updates"`
	AppliedBatches   int64      `json:"applied_batches"`
	ZeroLossBatches  int64      `json:"zero_loss_batches"`
	NonFiniteBatches int64      `json:"non_finite_batches"`
	DroppedTrainings int64      `json:"dropped_trainings"`
	LastLoss         float64    `json:"last_loss"`
	LastTrainedAt    *time.Time `json:"last_trained_at,omitempty"`
}

// InputWidth returns the persisted input width, or 0 without an architecture.
func (s *State) InputWidth() int {
	if len(s.Architecture) == 0 {
		return 0
	}
	return s.Architecture[0]
}

// InferArchitecture derives layer widths from weight matrix shapes: the
// first matrix's row count followed by every matrix's column count.
func InferArchitecture(weights [][][]float64) ([]int, error) {
	if len(weights) == 0 || len(weights[0]) == 0 {
		return nil, fmt.Errorf("%w: no weight matrices", ErrCorrupt)
	}
	arch := []int{len(weights[0])}
	for i, w := range weights {
		if len(w) == 0 {
			return nil, fmt.Errorf("%w: weight matrix %d is empty", ErrCorrupt, i)
		}
		arch = append(arch, len(w[0]))
	}
	return arch, nil
}

// Validate checks that every matrix agrees with the architecture.
func (s *State) Validate() error {
	if s.Version == "" {
		return fmt.Errorf("%w: missing version", ErrCorrupt)
	}
	if err := nn.ValidateArchitecture(s.Architecture); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	arch := s.Architecture
	layers := len(arch) - 1
	n := s.Network

	if err := checkLayers("weights", n.Weights, layers, func(i int) (int, int) { return arch[i], arch[i+1] }); err != nil {
		return err
	}
	if err := checkLayers("biases", n.Biases, layers, func(i int) (int, int) { return 1, arch[i+1] }); err != nil {
		return err
	}
	if n.BatchNorm() {
		row := func(i int) (int, int) { return 1, arch[i+1] }
		for name, v := range map[string][][][]float64{
			"gammas": n.Gammas, "betas": n.Betas, "running_means": n.RunningMeans, "running_vars": n.RunningVars,
		} {
			if err := checkLayers(name, v, layers-1, row); err != nil {
				return err
			}
		}
		for i, layer := range n.RunningVars {
			for _, v := range layer[0] {
				if v < 0 {
					return fmt.Errorf("%w: negative running variance in layer %d", ErrCorrupt, i)
				}
			}
		}
	}

	for _, m := range []*Moments{s.Optimizer.M, s.Optimizer.V} {
		if m == nil {
			continue
		}
		if err := checkLayers("moment weights", m.Weights, layers, func(i int) (int, int) { return arch[i], arch[i+1] }); err != nil {
			return err
		}
		if err := checkLayers("moment biases", m.Biases, layers, func(i int) (int, int) { return 1, arch[i+1] }); err != nil {
			return err
		}
	}
	if s.Optimizer.Timestep < 0 {
		return fmt.Errorf("%w: negative timestep", ErrCorrupt)
	}

	for i, p := range s.History {
		if len(p.Positive) != len(p.Negative) || len(p.Positive) == 0 {
			return fmt.Errorf("%w: history pair %d has widths %d/%d", ErrCorrupt, i, len(p.Positive), len(p.Negative))
		}
		if len(p.Positive) > arch[0] {
			return fmt.Errorf("%w: history pair %d wider than input layer", ErrCorrupt, i)
		}
		if !inUnitRange(p.Positive) || !inUnitRange(p.Negative) {
			return fmt.Errorf("%w: history pair %d has features outside [0, 1]", ErrCorrupt, i)
		}
	}
	return nil
}

func inUnitRange(v []float64) bool {
	for _, x := range v {
		if !(x >= 0 && x <= 1) {
			return false
		}
	}
	return true
}

func checkLayers(name string, layers [][][]float64, want int, shape func(int) (int, int)) error {
	if len(layers) != want {
		return fmt.Errorf("%w: %d %s matrices, want %d", ErrCorrupt, len(layers), name, want)
	}
	for i, m := range layers {
		r, c := shape(i)
		if len(m) != r {
			return fmt.Errorf("%w: %s[%d] has %d rows, want %d", ErrCorrupt, name, i, len(m), r)
		}
		for j, row := range m {
			if len(row) != c {
				return fmt.Errorf("%w: %s[%d] row %d has %d columns, want %d", ErrCorrupt, name, i, j, len(row), c)
			}
		}
	}
	return nil
}

// EncodeNetwork captures the parameters of net.
func EncodeNetwork(net *nn.Network) Network {
	var out Network
	for _, l := range net.Layers() {
		out.Weights = append(out.Weights, linalg.ToRows(l.W))
		out.Biases = append(out.Biases, linalg.ToRows(l.B))
		if l.HasBatchNorm() {
			out.Gammas = append(out.Gammas, linalg.ToRows(l.Gamma))
			out.Betas = append(out.Betas, linalg.ToRows(l.Beta))
			out.RunningMeans = append(out.RunningMeans, linalg.ToRows(l.RunningMean))
			out.RunningVars = append(out.RunningVars, linalg.ToRows(l.RunningVar))
		}
	}
	return out
}

// BuildNetwork reconstructs a network from the persisted parameters. cfg
// supplies the non-shape settings; its architecture and batch-norm flag are
// taken from the state.
func (s *State) BuildNetwork(cfg nn.Config) (*nn.Network, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	cfg.Architecture = append([]int(nil), s.Architecture...)
	cfg.BatchNorm = s.Network.BatchNorm()

	n := s.Network
	layers := make([]*nn.Layer, len(n.Weights))
	for i := range layers {
		l := &nn.Layer{}
		var err error
		if l.W, err = linalg.FromRows(n.Weights[i]); err != nil {
			return nil, fmt.Errorf("%w: weights[%d]: %v", ErrCorrupt, i, err)
		}
		if l.B, err = linalg.FromRows(n.Biases[i]); err != nil {
			return nil, fmt.Errorf("%w: biases[%d]: %v", ErrCorrupt, i, err)
		}
		if cfg.BatchNorm && i < len(n.Gammas) {
			if l.Gamma, err = linalg.FromRows(n.Gammas[i]); err != nil {
				return nil, fmt.Errorf("%w: gammas[%d]: %v", ErrCorrupt, i, err)
			}
			if l.Beta, err = linalg.FromRows(n.Betas[i]); err != nil {
				return nil, fmt.Errorf("%w: betas[%d]: %v", ErrCorrupt, i, err)
			}
			if l.RunningMean, err = linalg.FromRows(n.RunningMeans[i]); err != nil {
				return nil, fmt.Errorf("%w: running_means[%d]: %v", ErrCorrupt, i, err)
			}
			if l.RunningVar, err = linalg.FromRows(n.RunningVars[i]); err != nil {
				return nil, fmt.Errorf("%w: running_vars[%d]: %v", ErrCorrupt, i, err)
			}
		}
		layers[i] = l
	}
	net, err := nn.FromLayers(cfg, layers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return net, nil
}

// EncodeOptimizer captures optimizer progress.
func EncodeOptimizer(s optim.State) OptimizerState {
	return OptimizerState{Timestep: s.Timestep, M: encodeMoments(s.M), V: encodeMoments(s.V)}
}

func encodeMoments(g *nn.Gradients) *Moments {
	if g == nil {
		return nil
	}
	m := &Moments{}
	for _, l := range g.Layers {
		m.Weights = append(m.Weights, linalg.ToRows(l.W))
		m.Biases = append(m.Biases, linalg.ToRows(l.B))
		if l.Gamma != nil {
			m.Gammas = append(m.Gammas, linalg.ToRows(l.Gamma))
			m.Betas = append(m.Betas, linalg.ToRows(l.Beta))
		}
	}
	return m
}

// DecodeOptimizer converts persisted progress back into an optimizer state
// of the given kind.
func (s *State) DecodeOptimizer(kind optim.Kind) (optim.State, error) {
	out := optim.State{Kind: kind, Timestep: s.Optimizer.Timestep}
	var err error
	if out.M, err = decodeMoments(s.Optimizer.M); err != nil {
		return optim.State{}, fmt.Errorf("first moments: %w", err)
	}
	if out.V, err = decodeMoments(s.Optimizer.V); err != nil {
		return optim.State{}, fmt.Errorf("second moments: %w", err)
	}
	return out, nil
}

func decodeMoments(m *Moments) (*nn.Gradients, error) {
	if m == nil {
		return nil, nil
	}
	if len(m.Biases) != len(m.Weights) {
		return nil, fmt.Errorf("%w: %d bias moments for %d layers", ErrCorrupt, len(m.Biases), len(m.Weights))
	}
	g := &nn.Gradients{Layers: make([]nn.LayerGrads, len(m.Weights))}
	for i := range m.Weights {
		var err error
		lg := nn.LayerGrads{}
		if lg.W, err = linalg.FromRows(m.Weights[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if lg.B, err = linalg.FromRows(m.Biases[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if i < len(m.Gammas) && i < len(m.Betas) {
			if lg.Gamma, err = linalg.FromRows(m.Gammas[i]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if lg.Beta, err = linalg.FromRows(m.Betas[i]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
		g.Layers[i] = lg
	}
	return g, nil
}

// EncodeHistory converts pairs into records, oldest first.
func EncodeHistory(pairs []training.Pair) []PairRecord {
	out := make([]PairRecord, len(pairs))
	for i, p := range pairs {
		pos, neg := p.Labels()
		out[i] = PairRecord{Positive: p.Positive(), Negative: p.Negative(), PositiveLabel: pos, NegativeLabel: neg}
	}
	return out
}

// Pair converts the record back into a training pair.
func (r PairRecord) Pair() training.Pair {
	return training.NewPair(r.Positive, r.Negative, r.PositiveLabel, r.NegativeLabel)
}

// InferenceOnly returns a copy of s holding only the network parameters,
// with the architecture inferred from the weight shapes. Optimizer moments,
// history and stats are dropped. The result is what WithDefaults expects.
func (s *State) InferenceOnly() (*State, error) {
	arch, err := InferArchitecture(s.Network.Weights)
	if err != nil {
		return nil, err
	}
	out := &State{
		Version:       Version,
		SchemaVersion: s.SchemaVersion,
		Architecture:  arch,
		Network:       s.Clone().Network,
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := *s
	c.Architecture = append([]int(nil), s.Architecture...)
	c.Network = Network{
		RunningVars:  cloneTensor(s.Network.RunningVars),
		RunningMeans: cloneTensor(s.Network.RunningMeans),
		Weights:      cloneTensor(s.Network.Weights),
		Betas:        cloneTensor(s.Network.Betas),
		Gammas:       cloneTensor(s.Network.Gammas),
		Biases:       cloneTensor(s.Network.Biases),
	}
	c.Optimizer.M = cloneMoments(s.Optimizer.M)
	c.Optimizer.V = cloneMoments(s.Optimizer.V)
	if s.History != nil {
		c.History = make([]PairRecord, len(s.History))
		for i, p := range s.History {
			c.History[i] = PairRecord{
				Positive:      append([]float64(nil), p.Positive...),
				Negative:      append([]float64(nil), p.Negative...),
				PositiveLabel: p.PositiveLabel,
				NegativeLabel: p.NegativeLabel,
			}
		}
	}
	if s.Stats.LastTrainedAt != nil {
		t := *s.Stats.LastTrainedAt
		c.Stats.LastTrainedAt = &t
	}
	return &c
}

func cloneMoments(m *Moments) *Moments {
	if m == nil {
		return nil
	}
	return &Moments{
		Weights: cloneTensor(m.Weights),
		Biases:  cloneTensor(m.Biases),
		Gammas:  cloneTensor(m.Gammas),
		Betas:   cloneTensor(m.Betas),
	}
}

func cloneTensor(t [][][]float64) [][][]float64 {
	if t == nil {
		return nil
	}
	out := make([][][]float64, len(t))
	for i, m := range t {
		out[i] = make([][]float64, len(m))
		for j, row := range m {
			out[i][j] = append([]float64(nil), row...)
		}
	}
	return out
}
