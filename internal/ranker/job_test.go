package ranker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/neuralrank/internal/jobs"
	"github.com/onnwee/neuralrank/internal/state"
)

func TestPersistJob_StartStop(t *testing.T) {
	job := NewPersistJob(PersistJobConfig{
		Interval: 100 * time.Millisecond,
		Logger:   quietLogger(),
	}, NewRegistry())

	if job.IsRunning() {
		t.Error("job should not be running before Start")
	}

	ctx := context.Background()
	if err := job.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !job.IsRunning() {
		t.Error("job should be running after Start")
	}

	// Starting again should be safe
	if err := job.Start(ctx); err != nil {
		t.Fatalf("Start() second call error = %v", err)
	}

	job.Stop()
	if job.IsRunning() {
		t.Error("job should not be running after Stop")
	}
	job.Stop()
}

func TestPersistJob_Defaults(t *testing.T) {
	job := NewPersistJob(PersistJobConfig{}, NewRegistry())
	if job.config.Interval != DefaultPersistInterval {
		t.Errorf("expected interval %v, got %v", DefaultPersistInterval, job.config.Interval)
	}
	if job.config.Timeout != DefaultPersistTimeout {
		t.Errorf("expected timeout %v, got %v", DefaultPersistTimeout, job.config.Timeout)
	}
	if job.config.Logger == nil {
		t.Error("expected a default logger")
	}
}

func TestPersistJob_FlushesOnStop(t *testing.T) {
	store := state.NewMemoryStore()
	g := NewRegistry()
	r := namedRanker(t, "a", store)
	if err := g.Add(r); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	job := NewPersistJob(PersistJobConfig{Interval: time.Hour, Logger: quietLogger()}, g)
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	trainAndWait(t, r, separable(3))
	job.Stop()

	if r.Dirty() {
		t.Error("expected Stop to persist dirty rankers")
	}
	if _, err := store.Load(context.Background(), "a"); err != nil {
		t.Errorf("expected state to be saved, got %v", err)
	}
}

func TestPersistJob_PersistNowRecordsJobMetrics(t *testing.T) {
	jm := jobs.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := jm.Register(reg); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	g := NewRegistry()
	ok := namedRanker(t, "ok", state.NewMemoryStore())
	bad := namedRanker(t, "bad", failingStore{err: errors.New("unavailable")})
	for _, r := range []*Ranker{ok, bad} {
		if err := g.Add(r); err != nil {
			t.Fatalf("Add() error: %v", err)
		}
		trainAndWait(t, r, separable(3))
	}

	job := NewPersistJob(PersistJobConfig{Logger: quietLogger(), JobMetrics: jm}, g)
	job.PersistNow(context.Background())

	if ok.Dirty() {
		t.Error("expected the healthy ranker to be persisted")
	}
	if !bad.Dirty() {
		t.Error("expected the failing ranker to stay dirty")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	var failures float64
	for _, f := range families {
		if f.GetName() != jobs.MetricBackgroundJobErrorsTotal {
			continue
		}
		for _, m := range f.GetMetric() {
			failures += m.GetCounter().GetValue()
		}
	}
	if failures != 1 {
		t.Errorf("expected 1 job error recorded, got %v", failures)
	}

	// A clean registry writes nothing and records nothing new.
	job.PersistNow(context.Background())
}
