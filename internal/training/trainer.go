package training

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/onnwee/neuralrank/internal/linalg"
	"github.com/onnwee/neuralrank/internal/nn"
	"github.com/onnwee/neuralrank/internal/optim"
)

// ErrNonFinite marks a batch whose loss or gradients contained NaN or Inf.
var ErrNonFinite = errors.New("non-finite loss or gradients")

// Default trainer settings.
const (
	DefaultBatchSize        = 16
	DefaultBatchesPerUpdate = 1
	DefaultMargin           = 0.1
	DefaultMaxGradNorm      = 1.0
)

// Config controls how an update drains the history.
type Config struct {
	BatchSize        int
	BatchesPerUpdate int
	Margin           float64
	// MaxGradNorm bounds the global gradient norm. Zero or less disables clipping.
	MaxGradNorm float64
}

// Trainer runs mini-batch updates over a History.
type Trainer struct {
	cfg Config
	rng *rand.Rand
}

// NewTrainer creates a trainer. rng drives dropout masks and must not be
// shared with another goroutine; nil seeds a private generator.
func NewTrainer(cfg Config, rng *rand.Rand) *Trainer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchesPerUpdate <= 0 {
		cfg.BatchesPerUpdate = DefaultBatchesPerUpdate
	}
	return &Trainer{cfg: cfg, rng: rng}
}

// Report summarizes one Update.
type Report struct {
	// Batches is the number of mini-batches evaluated.
	Batches int
	// Applied counts batches that changed the parameters.
	Applied int
	// ZeroLoss counts batches skipped because every pair met the margin.
	ZeroLoss int
	// NonFinite counts batches skipped because of NaN or Inf values.
	NonFinite int
	// Pairs is the number of pairs evaluated across all batches.
	Pairs int
	// MeanLoss averages the finite batch losses.
	MeanLoss float64
	// GradNorm is the pre-clipping gradient norm of the last applied batch.
	GradNorm float64
}

// Changed reports whether any batch modified the parameters.
func (r Report) Changed() bool { return r.Applied > 0 }

// Err returns ErrNonFinite when a batch had to be skipped for non-finite values.
func (r Report) Err() error {
	if r.NonFinite > 0 {
		return fmt.Errorf("%w: %d of %d batches skipped", ErrNonFinite, r.NonFinite, r.Batches)
	}
	return nil
}

// Plan returns how many batches of which size an update over n pairs runs.
// It never waits for a full batch: with fewer than BatchSize pairs a single
// smaller batch is used.
func (t *Trainer) Plan(n int) (batches, size int) {
	if n <= 0 {
		return 0, 0
	}
	size = min(t.cfg.BatchSize, n)
	batches = min(t.cfg.BatchesPerUpdate, max(1, n/size))
	return batches, size
}

// Update runs up to BatchesPerUpdate mini-batches built from the newest
// history entries, newest block first. A batch with zero loss leaves the
// parameters, running statistics and optimizer timestep untouched.
func (t *Trainer) Update(net *nn.Network, opt optim.Optimizer, history *History) (Report, error) {
	var rep Report
	batches, size := t.Plan(history.Len())
	if batches == 0 {
		return rep, nil
	}
	recent := history.Recent(batches * size)

	grads := nn.NewGradients(net)
	var lossSum float64
	var lossCount int
	for b := 0; b < batches; b++ {
		end := len(recent) - b*size
		block := recent[end-size : end]

		loss, applied, err := t.step(net, opt, grads, block)
		rep.Batches++
		rep.Pairs += len(block)
		switch {
		case errors.Is(err, ErrNonFinite):
			rep.NonFinite++
			continue
		case err != nil:
			return rep, fmt.Errorf("batch %d: %w", b, err)
		}
		lossSum += loss
		lossCount++
		if applied.ok {
			rep.Applied++
			rep.GradNorm = applied.norm
		} else {
			rep.ZeroLoss++
		}
	}
	if lossCount > 0 {
		rep.MeanLoss = lossSum / float64(lossCount)
	}
	return rep, nil
}

type stepResult struct {
	ok   bool
	norm float64
}

func (t *Trainer) step(net *nn.Network, opt optim.Optimizer, grads *nn.Gradients, block []Pair) (float64, stepResult, error) {
	pos, neg, err := batchMatrices(block, net.InputWidth())
	if err != nil {
		return 0, stepResult{}, err
	}

	masks := net.SampleMasks(len(block), t.rng)
	tp, err := net.Forward(pos, nn.Training, masks)
	if err != nil {
		return 0, stepResult{}, fmt.Errorf("positive pass: %w", err)
	}
	tn, err := net.Forward(neg, nn.Training, masks)
	if err != nil {
		return 0, stepResult{}, fmt.Errorf("negative pass: %w", err)
	}

	loss, err := nn.PairwiseHinge(tp.Output, tn.Output, t.cfg.Margin)
	if err != nil {
		return 0, stepResult{}, err
	}
	if math.IsNaN(loss.Mean) || math.IsInf(loss.Mean, 0) {
		return 0, stepResult{}, ErrNonFinite
	}
	if loss.Violations == 0 {
		return 0, stepResult{}, nil
	}

	grads.Zero()
	if err := net.Backward(tp, loss.DPos, grads); err != nil {
		return 0, stepResult{}, fmt.Errorf("positive backward: %w", err)
	}
	if err := net.Backward(tn, loss.DNeg, grads); err != nil {
		return 0, stepResult{}, fmt.Errorf("negative backward: %w", err)
	}
	all := grads.All()
	if !linalg.AllFinite(all) {
		return 0, stepResult{}, ErrNonFinite
	}
	norm := linalg.ClipGradients(all, t.cfg.MaxGradNorm)

	if err := net.CommitBatchStats(tp, tn); err != nil {
		return 0, stepResult{}, err
	}
	if err := opt.Step(net, grads); err != nil {
		return 0, stepResult{}, fmt.Errorf("optimizer step: %w", err)
	}
	return loss.Mean, stepResult{ok: true, norm: norm}, nil
}

// batchMatrices stacks the positive and negative vectors of block into two
// len(block)×width matrices.
func batchMatrices(block []Pair, width int) (pos, neg *mat.Dense, err error) {
	pos = mat.NewDense(len(block), width, nil)
	neg = mat.NewDense(len(block), width, nil)
	for i, p := range block {
		if len(p.positive) != width || len(p.negative) != width {
			return nil, nil, fmt.Errorf("%w: pair %d has widths %d/%d, network expects %d",
				linalg.ErrDimensionMismatch, i, len(p.positive), len(p.negative), width)
		}
		pos.SetRow(i, p.positive)
		neg.SetRow(i, p.negative)
	}
	return pos, neg, nil
}
