package ranker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/neuralrank/internal/jobs"
)

// DefaultPersistInterval is the default interval between persist cycles.
const DefaultPersistInterval = 30 * time.Second

// DefaultPersistTimeout is the default timeout for a single persist cycle.
const DefaultPersistTimeout = 10 * time.Second

// PersistJobConfig configures the persist job.
type PersistJobConfig struct {
	// Interval is the duration between persist cycles.
	Interval time.Duration
	// Timeout for each persist cycle.
	Timeout time.Duration
	// Logger for job activity.
	Logger *slog.Logger
	// JobMetrics for centralized background job tracking.
	JobMetrics jobs.Reporter
}

// PersistJob periodically writes the state of every dirty ranker.
type PersistJob struct {
	config   PersistJobConfig
	registry *Registry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPersistJob creates a persist job over registry.
func NewPersistJob(config PersistJobConfig, registry *Registry) *PersistJob {
	if config.Interval == 0 {
		config.Interval = DefaultPersistInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultPersistTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &PersistJob{config: config, registry: registry}
}

// Start begins the periodic persist job.
// Returns immediately; the job runs in a background goroutine.
func (j *PersistJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for it to finish. Dirty rankers are
// written one last time before Stop returns.
func (j *PersistJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *PersistJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *PersistJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("persist job stopping due to context cancellation")
			j.persistDirty(context.WithoutCancel(ctx))
			return
		case <-j.stopCh:
			j.config.Logger.Info("persist job stopping due to stop signal")
			j.persistDirty(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			j.persistDirty(ctx)
		}
	}
}

// persistDirty writes every dirty ranker within the configured timeout.
func (j *PersistJob) persistDirty(parentCtx context.Context) {
	ctx, cancel := context.WithTimeout(parentCtx, j.config.Timeout)
	defer cancel()

	startTime := time.Now()
	written, err := j.registry.PersistAll(ctx, true)
	duration := time.Since(startTime).Seconds()

	status := jobs.StatusSuccess
	if err != nil {
		status = jobs.StatusFailure
		errorType := "save_error"
		if ctx.Err() != nil {
			errorType = "timeout"
		}
		j.config.Logger.Error("ranker persist failed",
			"error", err,
			"written", written)
		if j.config.JobMetrics != nil {
			j.config.JobMetrics.IncJobErrors(jobs.JobTypeRankerPersist, errorType)
		}
	}
	if written == 0 && err == nil {
		return
	}

	if j.config.JobMetrics != nil {
		j.config.JobMetrics.IncJobsTotal(jobs.JobTypeRankerPersist, status)
		j.config.JobMetrics.ObserveJobDuration(jobs.JobTypeRankerPersist, duration)
	}
	j.config.Logger.Info("ranker persist completed",
		"duration_seconds", duration,
		"rankers_written", written)
}

// PersistNow immediately writes every dirty ranker without waiting for the ticker.
func (j *PersistJob) PersistNow(ctx context.Context) {
	j.persistDirty(ctx)
}
