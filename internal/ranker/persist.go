package ranker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/neuralrank/internal/jobs"
	"github.com/onnwee/neuralrank/internal/nn"
	"github.com/onnwee/neuralrank/internal/notify"
	"github.com/onnwee/neuralrank/internal/optim"
	"github.com/onnwee/neuralrank/internal/state"
	"github.com/onnwee/neuralrank/internal/tracing"
	"github.com/onnwee/neuralrank/internal/training"
)

// Serialize captures the full ranker state: parameters, optimizer progress,
// training history and statistics.
func (r *Ranker) Serialize() *state.State {
	r.mu.RLock()
	st := &state.State{
		Version:       state.Version,
		Name:          r.cfg.Name,
		SchemaVersion: r.schema.Version,
		Architecture:  r.net.Architecture(),
		Network:       state.EncodeNetwork(r.net),
		OptimizerKind: string(r.opt.Kind()),
		Optimizer:     state.EncodeOptimizer(r.opt.State()),
	}
	r.mu.RUnlock()

	st.History = state.EncodeHistory(r.history.All())
	st.Stats = r.Stats()
	st.SavedAt = time.Now().UTC()
	return st
}

// migration describes how a loaded state had to be adapted.
type migration struct {
	from, to   int
	backfilled int
}

// Load replaces the ranker's state with st.
//
// A state with fewer inputs than configured is migrated: the first weight
// matrix grows by zero rows, first-layer optimizer moments are reset while
// the timestep is kept, and recorded history is backfilled with the schema
// defaults of the new features. One migration notice is sent. History pairs
// narrower than the state's own input width are backfilled the same way.
//
// Load fails with state.ErrCorrupt for inconsistent states,
// ErrArchitectureShrink when st has more inputs than configured and
// ErrIncompatibleState when hidden widths or batch norm differ. The ranker is
// unchanged on error.
func (r *Ranker) Load(ctx context.Context, st *state.State) error {
	if st == nil {
		return fmt.Errorf("%w: nil state", state.ErrCorrupt)
	}
	if err := st.Validate(); err != nil {
		return err
	}

	want := r.cfg.InputWidth()
	have := st.InputWidth()
	switch {
	case have > want:
		return fmt.Errorf("%w: state has %d inputs, configured %d", ErrArchitectureShrink, have, want)
	case !slices.Equal(st.Architecture[1:], r.cfg.Architecture[1:]):
		return fmt.Errorf("%w: state architecture %v, configured %v", ErrIncompatibleState, st.Architecture, r.cfg.Architecture)
	case st.Network.BatchNorm() != r.cfg.BatchNorm:
		return fmt.Errorf("%w: state batch_norm=%t, configured %t", ErrIncompatibleState, st.Network.BatchNorm(), r.cfg.BatchNorm)
	}

	net, err := st.BuildNetwork(r.cfg.netConfig())
	if err != nil {
		return err
	}
	opt, err := r.restoreOptimizer(st, net)
	if err != nil {
		return err
	}

	var mig *migration
	if have < want {
		if err := net.GrowInput(want); err != nil {
			return fmt.Errorf("%w: %v", ErrArchitectureShrink, err)
		}
		opt.ResetLayer(net, 0)
		mig = &migration{from: have, to: want}
	}

	pairs := make([]training.Pair, len(st.History))
	for i, rec := range st.History {
		pairs[i] = rec.Pair()
	}

	r.rngMu.Lock()
	trainRNG := r.childRNG()
	r.rngMu.Unlock()

	r.mu.Lock()
	r.net = net
	r.opt = opt
	r.trainer = training.NewTrainer(r.cfg.trainerConfig(), trainRNG)
	r.publish()
	r.history.Reset()
	r.history.Add(pairs...)
	backfilled := r.history.Backfill(want, r.schema.Defaults())
	if mig != nil {
		mig.backfilled = backfilled
	}
	r.mu.Unlock()

	stats := st.Stats
	if stats.LastTrainedAt != nil {
		t := *stats.LastTrainedAt
		stats.LastTrainedAt = &t
	}
	r.statsMu.Lock()
	r.stats = stats
	r.statsMu.Unlock()
	r.metrics.observeHistory(r.cfg.Name, r.history.Len())

	if mig != nil {
		r.dirty.Store(true)
		r.metrics.observeMigration(r.cfg.Name)
		r.logger.Info("migrated ranker state",
			"from_width", mig.from,
			"to_width", mig.to,
			"history_backfilled", mig.backfilled)
		r.notifier.Notify(ctx, notify.New(r.cfg.Name, notify.KindMigration,
			fmt.Sprintf("%s: migrated input width %d → %d", r.cfg.Name, mig.from, mig.to)))
	}
	return nil
}

// restoreOptimizer creates the configured optimizer for net and resumes the
// persisted progress when the state was written by the same kind. A state
// without moments (bundled defaults) starts the optimizer fresh.
func (r *Ranker) restoreOptimizer(st *state.State, net *nn.Network) (optim.Optimizer, error) {
	kind := r.cfg.optimizerKind()
	opt, err := optim.New(kind, r.cfg.optimConfig(), net)
	if err != nil {
		return nil, err
	}

	persisted, err := optim.ParseKind(st.OptimizerKind)
	if err != nil || persisted != kind {
		if st.OptimizerKind != "" {
			r.logger.Info("optimizer kind changed, starting optimizer fresh",
				"persisted", st.OptimizerKind,
				"configured", kind)
		}
		return opt, nil
	}
	if kind == optim.KindAdamW && (st.Optimizer.M == nil || st.Optimizer.V == nil) {
		return opt, nil
	}

	saved, err := st.DecodeOptimizer(kind)
	if err != nil {
		return nil, err
	}
	if err := opt.Restore(net, saved); err != nil {
		return nil, fmt.Errorf("%w: optimizer state: %v", state.ErrCorrupt, err)
	}
	return opt, nil
}

// Restore loads the persisted state for this ranker. A missing state falls
// back to the bundled defaults, then to the fresh initialization from New.
// Corrupt or incompatible state is reported and replaced by a fresh
// initialization. Only store failures and ErrArchitectureShrink are returned.
func (r *Ranker) Restore(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ranker.restore")
	start := time.Now()
	defer func() {
		endSpan(err)
		errorType := ""
		if err != nil {
			errorType = "load_error"
		}
		r.observeJob(jobs.JobTypeRankerRestore, time.Since(start).Seconds(), errorType)
	}()
	tracing.SetAttributes(ctx, attribute.String("ranker.name", r.cfg.Name))

	st, err := r.store.Load(ctx, r.cfg.Name)
	switch {
	case errors.Is(err, state.ErrNotFound):
		return r.restoreDefaults(ctx)
	case errors.Is(err, state.ErrCorrupt):
		return r.reinitialize(ctx, err)
	case err != nil:
		return fmt.Errorf("load state for %q: %w", r.cfg.Name, err)
	}

	if err := r.Load(ctx, st); err != nil {
		if errors.Is(err, ErrArchitectureShrink) {
			return err
		}
		return r.reinitialize(ctx, err)
	}
	r.logger.Info("restored ranker state",
		"architecture", st.Architecture,
		"history", r.history.Len(),
		"timestep", st.Optimizer.Timestep)
	return nil
}

func (r *Ranker) restoreDefaults(ctx context.Context) error {
	if r.defaults == nil {
		r.logger.Info("no persisted state, starting fresh")
		return nil
	}
	if err := r.Load(ctx, r.defaults.Clone()); err != nil {
		r.logger.Warn("bundled defaults are incompatible, starting fresh", "error", err)
		return nil
	}
	r.dirty.Store(true)
	r.logger.Info("no persisted state, loaded bundled defaults")
	return nil
}

// reinitialize replaces the state with a fresh initialization and reports why.
func (r *Ranker) reinitialize(ctx context.Context, cause error) error {
	if err := r.reset(); err != nil {
		return err
	}
	r.dirty.Store(true)
	r.metrics.observeReset(r.cfg.Name)
	r.logger.Warn("discarded persisted state, reinitialized", "error", cause)
	r.notifier.Notify(ctx, notify.New(r.cfg.Name, notify.KindError,
		fmt.Sprintf("%s: persisted state discarded (%v), reinitialized", r.cfg.Name, cause)))
	return nil
}

// Persist writes the current state to the store. The dirty flag is cleared
// on success.
func (r *Ranker) Persist(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ranker.persist")
	defer func() { endSpan(err) }()

	wasDirty := r.dirty.Swap(false)
	st := r.Serialize()
	tracing.SetAttributes(ctx,
		attribute.String("ranker.name", r.cfg.Name),
		attribute.Int("ranker.history", len(st.History)),
	)
	if err := r.store.Save(ctx, r.cfg.Name, st); err != nil {
		if wasDirty {
			r.dirty.Store(true)
		}
		return fmt.Errorf("save state for %q: %w", r.cfg.Name, err)
	}
	return nil
}
