package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/onnwee/neuralrank/internal/linalg"
)

// HingeLoss returns max(0, margin - (pos - neg)).
func HingeLoss(pos, neg, margin float64) float64 {
	return math.Max(0, margin-(pos-neg))
}

// PairLoss is the batch result of the pairwise hinge loss.
type PairLoss struct {
	// Mean is the loss averaged over the batch.
	Mean float64
	// Violations counts pairs whose score gap is below the margin.
	Violations int
	// DPos and DNeg are dL/dscore for the positive and negative passes.
	DPos, DNeg *mat.Dense
}

// PairwiseHinge evaluates the mean hinge loss for a batch of positive and
// negative scores (both batch×1). A violated pair contributes -1/B to the
// positive score gradient and +1/B to the negative one; satisfied pairs
// contribute nothing.
func PairwiseHinge(pos, neg *mat.Dense, margin float64) (PairLoss, error) {
	pr, pc := pos.Dims()
	nr, nc := neg.Dims()
	if pr != nr || pc != 1 || nc != 1 {
		return PairLoss{}, fmt.Errorf("%w: pairwise hinge %dx%d vs %dx%d", linalg.ErrDimensionMismatch, pr, pc, nr, nc)
	}

	res := PairLoss{
		DPos: mat.NewDense(pr, 1, nil),
		DNeg: mat.NewDense(pr, 1, nil),
	}
	inv := 1 / float64(pr)
	var total float64
	for i := 0; i < pr; i++ {
		l := HingeLoss(pos.At(i, 0), neg.At(i, 0), margin)
		if l <= 0 {
			continue
		}
		total += l
		res.Violations++
		res.DPos.Set(i, 0, -inv)
		res.DNeg.Set(i, 0, inv)
	}
	res.Mean = total * inv
	return res, nil
}
