// Package ranker is the online learning-to-rank engine. A Ranker owns one
// scoring network, its optimizer, the training history and the fused
// inference cache. Scoring reads an atomically published cache and never
// blocks; selections feed a single-flight background trainer.
package ranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/neuralrank/internal/jobs"
	"github.com/onnwee/neuralrank/internal/nn"
	"github.com/onnwee/neuralrank/internal/notify"
	"github.com/onnwee/neuralrank/internal/optim"
	"github.com/onnwee/neuralrank/internal/ranking"
	"github.com/onnwee/neuralrank/internal/state"
	"github.com/onnwee/neuralrank/internal/tracing"
	"github.com/onnwee/neuralrank/internal/training"
)

// Ranker errors.
var (
	// ErrShapeMismatch is returned when a feature vector has the wrong width.
	ErrShapeMismatch = errors.New("feature vector shape mismatch")
	// ErrInvalidFeature is returned when a feature value is NaN or outside [0, 1].
	ErrInvalidFeature = errors.New("feature value outside [0, 1]")
	// ErrInvalidRank is returned when a selection's rank is outside its candidate list.
	ErrInvalidRank = training.ErrInvalidRank
	// ErrArchitectureShrink is returned when persisted state has more inputs
	// than the configured architecture. It is a configuration error.
	ErrArchitectureShrink = errors.New("persisted input width exceeds configured architecture")
	// ErrIncompatibleState is returned when hidden or output widths differ.
	ErrIncompatibleState = errors.New("persisted state is incompatible with configured architecture")
	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid ranker configuration")
)

// Selection is one user choice among a ranked candidate list.
type Selection struct {
	// Candidates in the order they were shown, best first.
	Candidates []training.Candidate
	// Rank is the 1-based position of the chosen candidate.
	Rank int
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithStore sets where Restore and Persist read and write state. The default
// is an in-process MemoryStore.
func WithStore(s state.Store) Option {
	return func(r *Ranker) { r.store = s }
}

// WithNotifier sets the sink for migration and error notices.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Ranker) { r.notifier = n }
}

// WithMetrics sets the Prometheus metrics to record into.
func WithMetrics(m *Metrics) Option {
	return func(r *Ranker) { r.metrics = m }
}

// WithJobMetrics reports training updates and restores into the centralized
// background job metrics.
func WithJobMetrics(m jobs.Reporter) Option {
	return func(r *Ranker) { r.jobMetrics = m }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Ranker) { r.logger = l }
}

// WithDefaults sets bundled parameters used by Restore when the store has no
// state for this ranker.
func WithDefaults(s *state.State) Option {
	return func(r *Ranker) { r.defaults = s }
}

// WithSchema sets the feature schema. Its width must match the configured
// input width; its defaults are used to backfill history on migration.
func WithSchema(s *ranking.Schema) Option {
	return func(r *Ranker) { r.schema = s }
}

// Ranker is safe for concurrent use.
type Ranker struct {
	cfg        Config
	schema     *ranking.Schema
	store      state.Store
	notifier   notify.Notifier
	metrics    *Metrics
	jobMetrics jobs.Reporter
	logger     *slog.Logger
	defaults   *state.State

	// mu guards net, opt and trainer. Training holds the write lock for the
	// duration of one update; Score never takes it.
	mu      sync.RWMutex
	net     *nn.Network
	opt     optim.Optimizer
	trainer *training.Trainer

	history *training.History // fixed for the ranker's lifetime

	statsMu sync.Mutex
	stats   state.Stats

	fused   atomic.Pointer[nn.Fused]
	scratch sync.Pool

	training atomic.Bool
	inflight sync.WaitGroup
	dirty    atomic.Bool

	rngMu   sync.Mutex
	rng     *rand.Rand // initialization and negative sampling
	seedSeq uint64
}

// New creates a ranker with freshly initialized parameters. Call Restore to
// pick up persisted state.
func New(cfg Config, opts ...Option) (*Ranker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Ranker{cfg: cfg.clone()}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("ranker", cfg.Name)
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.store == nil {
		r.store = state.NewMemoryStore()
	}
	if r.schema == nil {
		r.schema = ranking.DefaultSchema()
	}
	if r.schema.Width() != cfg.InputWidth() {
		return nil, fmt.Errorf("%w: schema %q has %d features, architecture expects %d",
			ErrInvalidConfig, r.schema.Version, r.schema.Width(), cfg.InputWidth())
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	r.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	r.history = training.NewHistory(cfg.HistorySize)

	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

// childRNG derives an independent generator from the ranker's seed stream.
// Callers must hold rngMu.
func (r *Ranker) childRNG() *rand.Rand {
	r.seedSeq++
	return rand.New(rand.NewPCG(r.rng.Uint64(), r.seedSeq))
}

// reset replaces every parameter with a fresh initialization and clears the
// history and statistics.
func (r *Ranker) reset() error {
	r.rngMu.Lock()
	netRNG, trainRNG := r.childRNG(), r.childRNG()
	r.rngMu.Unlock()

	net, err := nn.New(r.cfg.netConfig(), netRNG)
	if err != nil {
		return err
	}
	opt, err := optim.New(r.cfg.optimizerKind(), r.cfg.optimConfig(), net)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.net = net
	r.opt = opt
	r.trainer = training.NewTrainer(r.cfg.trainerConfig(), trainRNG)
	r.publish()
	r.mu.Unlock()

	r.history.Reset()
	r.statsMu.Lock()
	r.stats = state.Stats{}
	r.statsMu.Unlock()
	return nil
}

// publish rebuilds the inference cache from r.net. Callers must hold mu.
func (r *Ranker) publish() {
	r.fused.Store(nn.Fuse(r.net))
}

// Name returns the configured ranker name.
func (r *Ranker) Name() string { return r.cfg.Name }

// Config returns a copy of the configuration.
func (r *Ranker) Config() Config { return r.cfg.clone() }

// Schema returns the feature schema.
func (r *Ranker) Schema() *ranking.Schema { return r.schema }

// Score returns the relevance of one feature vector in (0, 1). It does not
// block on training and does not allocate once the scratch pool is warm.
func (r *Ranker) Score(features []float64) (float64, error) {
	f := r.fused.Load()
	if len(features) != f.InputWidth() {
		return 0, fmt.Errorf("%w: got %d features, want %d", ErrShapeMismatch, len(features), f.InputWidth())
	}
	if j, ok := firstInvalid(features); ok {
		return 0, fmt.Errorf("%w: feature %d is %v", ErrInvalidFeature, j, features[j])
	}
	s, _ := r.scratch.Get().(*nn.Scratch)
	if !s.Fits(f) {
		s = f.NewScratch()
	}
	v, err := f.Score(features, s)
	r.scratch.Put(s)
	return v, err
}

// ScoreAll scores a list of feature vectors against one snapshot of the
// inference cache.
func (r *Ranker) ScoreAll(vectors [][]float64) ([]float64, error) {
	f := r.fused.Load()
	s, _ := r.scratch.Get().(*nn.Scratch)
	if !s.Fits(f) {
		s = f.NewScratch()
	}
	defer r.scratch.Put(s)

	out := make([]float64, len(vectors))
	for i, x := range vectors {
		if len(x) != f.InputWidth() {
			return nil, fmt.Errorf("%w: vector %d has %d features, want %d", ErrShapeMismatch, i, len(x), f.InputWidth())
		}
		if j, ok := firstInvalid(x); ok {
			return nil, fmt.Errorf("%w: vector %d feature %d is %v", ErrInvalidFeature, i, j, x[j])
		}
		v, err := f.Score(x, s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Train records the training pairs implied by sel and, when no update is in
// flight, starts one in the background. An invalid selection is returned as
// an error and leaves the history untouched. Failures inside the update are
// reported through the notifier.
// A selection arriving during an update is recorded in the history but does
// not start another update.
func (r *Ranker) Train(ctx context.Context, sel Selection) error {
	width := r.cfg.InputWidth()
	for i, c := range sel.Candidates {
		if len(c.Features) != width {
			return fmt.Errorf("%w: candidate %d has %d features, want %d", ErrShapeMismatch, i, len(c.Features), width)
		}
		if j, ok := firstInvalid(c.Features); ok {
			return fmt.Errorf("%w: candidate %d feature %d is %v", ErrInvalidFeature, i, j, c.Features[j])
		}
	}

	r.rngMu.Lock()
	pairs, err := training.BuildPairs(sel.Candidates, sel.Rank, r.rng)
	r.rngMu.Unlock()
	if err != nil {
		return err
	}

	r.history.Add(pairs...)
	r.statsMu.Lock()
	r.stats.Selections++
	r.stats.PairsGenerated += int64(len(pairs))
	r.statsMu.Unlock()
	r.dirty.Store(true)
	r.metrics.observeSelection(r.cfg.Name, len(pairs), r.history.Len())

	if len(pairs) == 0 {
		return nil
	}
	if !r.training.CompareAndSwap(false, true) {
		r.statsMu.Lock()
		r.stats.DroppedTrainings++
		r.statsMu.Unlock()
		r.metrics.observeDropped(r.cfg.Name)
		r.logger.Debug("training already in progress, selection recorded only")
		return nil
	}

	r.inflight.Add(1)
	go r.runUpdate(context.WithoutCancel(ctx))
	return nil
}

// firstInvalid returns the index of the first value of x that is NaN or
// outside [0, 1].
func firstInvalid(x []float64) (int, bool) {
	for i, v := range x {
		if !(v >= 0 && v <= 1) {
			return i, true
		}
	}
	return 0, false
}

// Training reports whether an update is in flight.
func (r *Ranker) Training() bool { return r.training.Load() }

// Wait blocks until the in-flight update, if any, has finished.
func (r *Ranker) Wait() { r.inflight.Wait() }

func (r *Ranker) runUpdate(ctx context.Context) {
	defer r.inflight.Done()
	defer r.training.Store(false)
	defer func() {
		if p := recover(); p != nil {
			r.report(ctx, fmt.Errorf("training panicked: %v", p))
		}
	}()

	ctx, endSpan := tracing.StartSpan(ctx, "ranker.update")
	err := r.update(ctx)
	endSpan(err)
	if err != nil {
		r.report(ctx, err)
	}
}

// update runs one trainer update and records its outcome.
func (r *Ranker) update(ctx context.Context) error {
	start := time.Now()
	rep, err := r.applyUpdate()
	duration := time.Since(start).Seconds()
	if err != nil {
		r.metrics.observeUpdate(r.cfg.Name, StatusError, 0, duration)
		r.observeJob(jobs.JobTypeRankerTraining, duration, "update_error")
		return err
	}

	now := time.Now().UTC()
	r.statsMu.Lock()
	r.stats.Updates++
	r.stats.AppliedBatches += int64(rep.Applied)
	r.stats.ZeroLossBatches += int64(rep.ZeroLoss)
	r.stats.NonFiniteBatches += int64(rep.NonFinite)
	if rep.Applied+rep.ZeroLoss > 0 {
		r.stats.LastLoss = rep.MeanLoss
	}
	r.stats.LastTrainedAt = &now
	r.statsMu.Unlock()

	status := StatusSkipped
	switch {
	case rep.NonFinite > 0:
		status = StatusNonFinite
	case rep.Changed():
		status = StatusApplied
	}
	r.metrics.observeUpdate(r.cfg.Name, status, rep.MeanLoss, duration)
	if status == StatusNonFinite {
		r.observeJob(jobs.JobTypeRankerTraining, duration, "non_finite")
	} else {
		r.observeJob(jobs.JobTypeRankerTraining, duration, "")
	}

	tracing.SetAttributes(ctx,
		attribute.Int("ranker.batches", rep.Batches),
		attribute.Int("ranker.batches_applied", rep.Applied),
		attribute.Int("ranker.pairs", rep.Pairs),
		attribute.Float64("ranker.mean_loss", rep.MeanLoss),
	)
	r.logger.Debug("training update finished",
		"batches", rep.Batches,
		"applied", rep.Applied,
		"zero_loss", rep.ZeroLoss,
		"non_finite", rep.NonFinite,
		"mean_loss", rep.MeanLoss,
		"grad_norm", rep.GradNorm,
		"duration_seconds", duration)

	return rep.Err()
}

// applyUpdate runs the trainer under the write lock and publishes a new
// inference cache once if any batch was applied. On error or panic the
// network and optimizer are rolled back to their state before the update.
func (r *Ranker) applyUpdate() (rep training.Report, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.net.Clone()
	optState := r.opt.State()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("training panicked: %v", p)
		}
		if err == nil {
			return
		}
		r.net = snapshot
		if rerr := r.opt.Restore(snapshot, optState); rerr != nil {
			err = errors.Join(err, rerr)
		}
		r.publish()
	}()

	rep, err = r.trainer.Update(r.net, r.opt, r.history)
	if err != nil {
		return rep, fmt.Errorf("training update: %w", err)
	}
	if rep.Changed() {
		r.publish()
		r.dirty.Store(true)
	}
	return rep, nil
}

// observeJob records one background job run. A non-empty errorType marks it
// as failed.
func (r *Ranker) observeJob(jobType string, seconds float64, errorType string) {
	if r.jobMetrics == nil {
		return
	}
	status := jobs.StatusSuccess
	if errorType != "" {
		status = jobs.StatusFailure
		r.jobMetrics.IncJobErrors(jobType, errorType)
	}
	r.jobMetrics.IncJobsTotal(jobType, status)
	r.jobMetrics.ObserveJobDuration(jobType, seconds)
}

// report logs err and forwards it to the notifier.
func (r *Ranker) report(ctx context.Context, err error) {
	r.logger.Error("ranker error", "error", err)
	r.notifier.Notify(ctx, notify.New(r.cfg.Name, notify.KindError, fmt.Sprintf("%s: %v", r.cfg.Name, err)))
}

// Stats returns a copy of the cumulative counters.
func (r *Ranker) Stats() state.Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s := r.stats
	if s.LastTrainedAt != nil {
		t := *s.LastTrainedAt
		s.LastTrainedAt = &t
	}
	return s
}

// HistoryLen returns the number of recorded training pairs.
func (r *Ranker) HistoryLen() int { return r.history.Len() }

// Dirty reports whether anything changed since the last successful Persist.
func (r *Ranker) Dirty() bool { return r.dirty.Load() }
