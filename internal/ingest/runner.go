package ingest

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultQueueDepth = 128

// RunnerConfig assembles the background worker pool.
type RunnerConfig struct {
	Jobs       *Service
	Pipeline   *Pipeline
	Workers    int
	QueueDepth int
	Logger     *zap.Logger
}

// Runner processes ingestion jobs asynchronously. Submission returns
// immediately; a fixed pool of workers drains the queue, and each job is
// deduplicated while in flight so a retry enqueue cannot double-process.
type Runner struct {
	jobs     *Service
	pipeline *Pipeline
	logger   *zap.Logger

	ctx    context.Context
	group  *errgroup.Group
	queue  chan int64
	mu     sync.Mutex
	active map[int64]struct{}
	closed bool
}

// NewRunner starts the worker pool. The pool drains until Shutdown is
// called; ctx cancellation aborts in-progress item steps through their
// per-item deadlines.
func NewRunner(ctx context.Context, cfg RunnerConfig) (*Runner, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("ingest: job service is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("ingest: pipeline is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	runner := &Runner{
		jobs:     cfg.Jobs,
		pipeline: cfg.Pipeline,
		logger:   logger,
		ctx:      ctx,
		group:    &errgroup.Group{},
		queue:    make(chan int64, depth),
		active:   map[int64]struct{}{},
	}
	for index := 0; index < workers; index++ {
		runner.group.Go(runner.work)
	}
	return runner, nil
}

// Enqueue submits a job for background processing. Returns false when the
// runner is shut down, the job is already in flight, or the queue is
// saturated. The send happens under the same lock Shutdown closes the queue
// under, so a concurrent Shutdown can never close the channel mid-send.
func (r *Runner) Enqueue(jobID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, running := r.active[jobID]; running {
		return false
	}

	select {
	case r.queue <- jobID:
		r.active[jobID] = struct{}{}
		return true
	default:
		r.logger.Warn("ingestion queue saturated", zap.Int64("job_id", jobID))
		return false
	}
}

// Shutdown stops accepting jobs and waits for in-flight work to finish.
func (r *Runner) Shutdown() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	return r.group.Wait()
}

func (r *Runner) work() error {
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case jobID, open := <-r.queue:
			if !open {
				return nil
			}
			r.runJob(jobID)
			r.release(jobID)
		}
	}
}

func (r *Runner) release(jobID int64) {
	r.mu.Lock()
	delete(r.active, jobID)
	r.mu.Unlock()
}

// runJob claims and processes every queued item of the job. Items are
// independent: one item's failure is recorded on that item and never aborts
// the rest of the batch.
func (r *Runner) runJob(jobID int64) {
	items, err := r.jobs.QueuedItems(r.ctx, jobID)
	if err != nil {
		r.logger.Error("failed to load queued items", zap.Int64("job_id", jobID), zap.Error(err))
		return
	}

	var job *Job
	job, err = r.jobs.GetJob(r.ctx, jobID)
	if err != nil {
		r.logger.Error("failed to load job", zap.Int64("job_id", jobID), zap.Error(err))
		return
	}
	options := job.Options()

	for index := range items {
		item := items[index]
		if r.ctx.Err() != nil {
			return
		}
		if err := r.jobs.MarkItemProcessing(r.ctx, &item); err != nil {
			// Another writer claimed the item; skip it.
			continue
		}
		outcome := r.pipeline.ProcessItem(r.ctx, item, options)
		if err := r.jobs.CompleteItem(r.ctx, &item, outcome); err != nil {
			r.logger.Error("failed to record item outcome",
				zap.Int64("job_id", jobID),
				zap.Int64("item_id", item.ID),
				zap.Error(err))
		}
	}
}
