package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/pkg/workerpool"
)

// JobState is the lifecycle of a genomics import job
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// ErrJobNotFound is returned for unknown job IDs
var ErrJobNotFound = errors.New("genomics job not found")

// Job reports the progress of one VCF import
type Job struct {
	ID        string                  `json:"id"`
	UserID    int64                   `json:"user_id"`
	State     JobState                `json:"state"`
	Progress  string                  `json:"progress,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Result    *genomics.Result        `json:"result,omitempty"`
	Imported  *genomics.ImportSummary `json:"imported,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

type jobPayload struct {
	userID int64
	vcf    []byte
}

// GenomicsJobs processes uploaded VCF files on a worker pool and imports
// the results
type GenomicsJobs struct {
	engine    *Engine
	processor *genomics.Processor
	pool      *workerpool.Pool
	logger    *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewGenomicsJobs creates and starts the job runner
func NewGenomicsJobs(engine *Engine, processor *genomics.Processor, cfg workerpool.Config, logger *zap.Logger) (*GenomicsJobs, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &GenomicsJobs{
		engine:    engine,
		processor: processor,
		logger:    logger,
		jobs:      make(map[string]*Job),
	}
	pool, err := workerpool.New(cfg, g.work, logger.Named("genomics-pool"))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	g.pool = pool
	pool.Start()
	return g, nil
}

// Submit queues a VCF file for a patient. The returned done channel
// receives the finished job.
func (g *GenomicsJobs) Submit(ctx context.Context, userID int64, vcf []byte) (*Job, <-chan *Job, error) {
	if userID <= 0 {
		return nil, nil, invalid("user_id", "patient is required")
	}
	if len(vcf) == 0 {
		return nil, nil, invalid("file", "VCF file is empty")
	}

	now := time.Now().UTC()
	job := &Job{ID: uuid.NewString(), UserID: userID, State: JobQueued, CreatedAt: now, UpdatedAt: now}
	g.mu.Lock()
	g.jobs[job.ID] = job
	g.mu.Unlock()

	task := &workerpool.Task{
		ID:      job.ID,
		Payload: jobPayload{userID: userID, vcf: vcf},
		Context: context.WithoutCancel(ctx),
	}
	if err := g.pool.Submit(task); err != nil {
		g.update(job.ID, func(j *Job) { j.State, j.Error = JobFailed, err.Error() })
		return nil, nil, fmt.Errorf("queue genomics job: %w", err)
	}

	done := make(chan *Job, 1)
	go func() {
		<-task.Done()
		j, _ := g.Get(job.ID)
		done <- j
		close(done)
	}()
	snapshot, _ := g.Get(job.ID)
	return snapshot, done, nil
}

// Get returns a copy of a job
func (g *GenomicsJobs) Get(id string) (*Job, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	j, ok := g.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	cp := *j
	return &cp, nil
}

// Saturated reports whether the job queue is nearly full
func (g *GenomicsJobs) Saturated() bool { return g.pool.Saturated() }

// Stop waits for queued jobs to finish
func (g *GenomicsJobs) Stop() error {
	return g.pool.Stop()
}

func (g *GenomicsJobs) update(id string, fn func(j *Job)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if j, ok := g.jobs[id]; ok {
		fn(j)
		j.UpdatedAt = time.Now().UTC()
	}
}

func (g *GenomicsJobs) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	p := task.Payload.(jobPayload)
	g.update(task.ID, func(j *Job) { j.State = JobRunning })

	res, err := g.processor.Process(ctx, bytes.NewReader(p.vcf), func(msg string) {
		g.update(task.ID, func(j *Job) { j.Progress = msg })
	})
	if err == nil {
		var sum *genomics.ImportSummary
		sum, err = g.engine.ImportGenomics(ctx, p.userID, res)
		if err == nil {
			g.update(task.ID, func(j *Job) {
				j.State, j.Result, j.Imported = JobSucceeded, res, sum
				j.Progress = res.Summary
			})
			metrics.GenomicsJobs.WithLabelValues("succeeded").Inc()
			return &workerpool.Result{Success: true, Data: sum}
		}
	}

	g.update(task.ID, func(j *Job) { j.State, j.Error = JobFailed, err.Error() })
	metrics.GenomicsJobs.WithLabelValues("failed").Inc()
	g.logger.Warn("genomics job failed",
		zap.String("job_id", task.ID),
		zap.Int64("user_id", p.userID),
		zap.Error(err))
	return &workerpool.Result{Error: err}
}
