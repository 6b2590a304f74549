package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"calsync/internal/database"
	"calsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultQueueKey      = "calsync:jobs"
	DefaultDeadLetterKey = "calsync:jobs:deadletter"
)

// Executor runs one sync job. It returns an error only when the job could not
// be run at all; the outcome of the sync itself is recorded on the job.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// PendingSource lists jobs that were created but never picked up, so jobs
// survive a lost queue entry or a restart.
type PendingSource interface {
	ListPendingSyncJobs(ctx context.Context, limit int) ([]models.SyncJob, error)
}

// Task is the queued reference to a sync job.
type Task struct {
	JobID      string    `json:"job_id"`
	OwnerID    string    `json:"owner_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type Options struct {
	Workers       int
	QueueSize     int
	QueueKey      string
	DeadLetterKey string
	PollInterval  time.Duration
	BatchSize     int
	Retry         RetryPolicy
}

// Pool executes sync jobs on a fixed number of goroutines. Tasks arrive via
// the in-process queue, then Redis, then by polling pending jobs.
type Pool struct {
	exec    Executor
	pending PendingSource
	redis   *redis.Client
	opts    Options
	queue   chan Task
	logger  *zerolog.Logger
}

// NewPool builds a pool with sane defaults. redisClient may be nil.
func NewPool(exec Executor, pending PendingSource, redisClient *redis.Client, opts Options, logger *zerolog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = models.WorkerQueueSize
	}
	if opts.QueueKey == "" {
		opts.QueueKey = DefaultQueueKey
	}
	if opts.DeadLetterKey == "" {
		opts.DeadLetterKey = DefaultDeadLetterKey
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry.MaxRetries = 3
	}
	if opts.Retry.InitialDelay == 0 {
		opts.Retry.InitialDelay = 2 * time.Second
	}
	if opts.Retry.MaxDelay == 0 {
		opts.Retry.MaxDelay = time.Minute
	}
	if opts.Retry.BackoffFactor == 0 {
		opts.Retry.BackoffFactor = 2
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "worker_pool").Logger()

	return &Pool{
		exec:    exec,
		pending: pending,
		redis:   redisClient,
		opts:    opts,
		queue:   make(chan Task, opts.QueueSize),
		logger:  &l,
	}
}

// Dispatch queues job for execution.
func (p *Pool) Dispatch(ctx context.Context, job models.SyncJob) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	return p.enqueue(ctx, Task{JobID: job.ID, OwnerID: job.OwnerID, EnqueuedAt: time.Now().UTC()})
}

func (p *Pool) enqueue(ctx context.Context, task Task) error {
	if p.redis != nil {
		if err := p.pushRedis(ctx, p.opts.QueueKey, task); err != nil {
			p.logger.Warn().Err(err).Str("sync_job_id", task.JobID).Msg("Redis push failed, using in-memory queue")
		} else {
			return nil
		}
	}

	select {
	case p.queue <- task:
	default:
		// the job row stays pending and is found by polling
		p.logger.Warn().Str("sync_job_id", task.JobID).Msg("In-memory queue full, job left to polling")
	}
	return nil
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info().Int("workers", p.opts.Workers).Msg("Worker pool started")
	defer p.logger.Info().Msg("Worker pool stopped")

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := p.tryLocalQueue(); ok {
			p.process(ctx, t)
			continue
		}

		if t, ok := p.tryRedis(ctx); ok {
			p.process(ctx, t)
			continue
		}

		tasks, err := p.pollPending(ctx)
		if err != nil {
			p.logger.Error().Err(err).Int("worker", id).Msg("Fetch pending jobs failed")
		}
		if len(tasks) == 0 {
			if !p.wait(ctx) {
				return
			}
			continue
		}
		for _, t := range tasks {
			p.process(ctx, t)
		}
	}
}

func (p *Pool) wait(ctx context.Context) bool {
	t := time.NewTimer(p.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case task := <-p.queue:
		p.process(ctx, task)
		return true
	case <-t.C:
		return true
	}
}

func (p *Pool) tryLocalQueue() (Task, bool) {
	select {
	case t := <-p.queue:
		return t, true
	default:
		return Task{}, false
	}
}

func (p *Pool) tryRedis(ctx context.Context) (Task, bool) {
	if p.redis == nil {
		return Task{}, false
	}
	res, err := p.redis.BRPop(ctx, time.Second, p.opts.QueueKey).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.Nil) {
			return Task{}, false
		}
		p.logger.Error().Err(err).Msg("Redis BRPOP failed")
		return Task{}, false
	}
	if len(res) != 2 {
		return Task{}, false
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		p.logger.Error().Err(err).Msg("Decode redis task failed")
		return Task{}, false
	}
	return task, true
}

func (p *Pool) pollPending(ctx context.Context) ([]Task, error) {
	if p.pending == nil {
		return nil, nil
	}
	jobs, err := p.pending.ListPendingSyncJobs(ctx, p.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(jobs))
	for _, j := range jobs {
		tasks = append(tasks, Task{JobID: j.ID, OwnerID: j.OwnerID, EnqueuedAt: j.StartedAt})
	}
	return tasks, nil
}

func (p *Pool) process(ctx context.Context, task Task) {
	err := p.exec.Execute(ctx, task.JobID)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrJobNotActive), errors.Is(err, database.ErrJobNotFound):
		// claimed elsewhere, finished, or swept
		p.logger.Debug().Str("sync_job_id", task.JobID).Err(err).Msg("Skipping job")
	case ctx.Err() != nil:
	default:
		p.retryOrFail(ctx, task, err)
	}
}

func (p *Pool) retryOrFail(ctx context.Context, task Task, cause error) {
	task.Attempt++
	if task.Attempt >= p.opts.Retry.MaxRetries {
		p.logger.Error().Err(cause).Str("sync_job_id", task.JobID).Int("attempts", task.Attempt).Msg("Job could not be started, moving to dead letter")
		p.pushDeadLetter(ctx, task)
		return
	}

	delay := p.opts.Retry.NextDelay(task.Attempt)
	p.logger.Warn().Err(cause).Str("sync_job_id", task.JobID).Dur("retry_in", delay).Msg("Job could not be started, retrying")
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := p.enqueue(ctx, task); err != nil {
			p.logger.Error().Err(err).Str("sync_job_id", task.JobID).Msg("Requeue failed")
		}
	})
}

func (p *Pool) pushRedis(ctx context.Context, key string, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return p.redis.LPush(ctx, key, data).Err()
}

func (p *Pool) pushDeadLetter(ctx context.Context, task Task) {
	if p.redis == nil {
		return
	}
	if err := p.pushRedis(context.WithoutCancel(ctx), p.opts.DeadLetterKey, task); err != nil {
		p.logger.Error().Err(err).Str("sync_job_id", task.JobID).Msg("Dead letter push failed")
	}
}

// QueueDepth reports the tasks waiting in the in-process queue and in Redis.
func (p *Pool) QueueDepth(ctx context.Context) (int64, error) {
	depth := int64(len(p.queue))
	if p.redis == nil {
		return depth, nil
	}
	n, err := p.redis.LLen(ctx, p.opts.QueueKey).Result()
	if err != nil {
		return depth, err
	}
	return depth + n, nil
}
