package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/media"
	"github.com/jdziat/clipjobs/pkg/publish"
	"github.com/jdziat/clipjobs/pkg/queue"
)

// SourceResolver turns a source id into a local file. *media.SourceCache
// satisfies it.
type SourceResolver interface {
	Resolve(ctx context.Context, sourceID string) (path string, cached bool, err error)
}

// Stages are the collaborators a job passes through. Publisher is optional.
type Stages struct {
	Sources    SourceResolver
	Prober     media.Prober
	Transcoder media.Transcoder
	Executor   *media.Executor
	Publisher  publish.Publisher
}

var (
	errLockLost = errors.New("job lock lost")
	errDraining = errors.New("worker shutting down")
)

// Pool claims jobs and runs them through the stages with bounded concurrency.
type Pool struct {
	queue  *queue.Queue
	stages Stages
	config WorkerConfig
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewPool creates a pool working jobs from q.
func NewPool(q *queue.Queue, stages Stages, opts ...WorkerOption) *Pool {
	config := defaultConfig()
	config.WorkerID = uuid.New().String()
	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.StorageRetry == nil {
		cfg := DefaultRetryConfig()
		config.StorageRetry = &cfg
	}
	if config.DequeueRetry == nil {
		cfg := claimRetryConfig()
		config.DequeueRetry = &cfg
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Observer == nil {
		config.Observer = nopObserver{}
	}
	if stages.Executor == nil {
		stages.Executor = media.NewExecutor(config.Concurrency)
	}

	return &Pool{
		queue:  q,
		stages: stages,
		config: config,
		logger: config.Logger.With(zap.String("worker_id", config.WorkerID)),
	}
}

// Config returns the effective configuration.
func (p *Pool) Config() WorkerConfig {
	return p.config
}

// Start processes jobs until ctx is cancelled, then waits for in-flight jobs
// to drain. It returns ctx.Err() after a clean shutdown.
func (p *Pool) Start(ctx context.Context) error {
	if p.stages.Sources == nil || p.stages.Prober == nil || p.stages.Transcoder == nil {
		return errors.New("worker: source resolver, prober and transcoder are required")
	}
	if err := os.MkdirAll(p.config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("worker: create output dir: %w", err)
	}

	// Jobs outlive ctx so shutdown can drain them; runCtx is cut after the
	// drain timeout.
	runCtx, stopJobs := context.WithCancelCause(context.WithoutCancel(ctx))
	defer stopJobs(nil)

	n := p.config.Concurrency
	slots := make(chan struct{}, n)
	jobs := make(chan *core.Job)

	for range n {
		p.wg.Add(1)
		go p.processLoop(runCtx, jobs, slots)
	}

	if p.config.StaleLockInterval > 0 {
		go p.runStaleLockSweep(ctx)
	}

	p.logger.Info("worker pool started",
		zap.Int("concurrency", n),
		zap.Duration("job_timeout", p.config.JobTimeout),
	)

	idle := p.config.PollInterval
	for {
		select {
		case <-ctx.Done():
			return p.drain(ctx, jobs, stopJobs)
		case slots <- struct{}{}:
		}

		job, err := p.claimWithRetry(ctx)
		if err != nil || job == nil {
			<-slots
			if err != nil && ctx.Err() == nil {
				p.logger.Error("failed to claim job after retries", zap.Error(err))
			}
			if !p.sleep(ctx, idle) {
				return p.drain(ctx, jobs, stopJobs)
			}
			idle = min(idle*2, p.config.MaxIdleBackoff)
			continue
		}
		idle = p.config.PollInterval
		jobs <- job
	}
}

func (p *Pool) drain(ctx context.Context, jobs chan *core.Job, stopJobs context.CancelCauseFunc) error {
	close(jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.config.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("drain timeout reached, interrupting running jobs")
		stopJobs(errDraining)
		<-done
	}
	p.stages.Executor.Wait()
	p.logger.Info("worker pool stopped")
	return ctx.Err()
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Pool) claimWithRetry(ctx context.Context) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, *p.config.DequeueRetry, func() error {
		var claimErr error
		job, claimErr = p.queue.Store().ClaimNext(ctx, p.config.WorkerID, p.config.LockDuration)
		return claimErr
	})
	return job, err
}

func (p *Pool) processLoop(ctx context.Context, jobs <-chan *core.Job, slots <-chan struct{}) {
	defer p.wg.Done()

	for job := range jobs {
		p.config.Observer.WorkerBusy(1)
		p.processJob(ctx, job)
		p.config.Observer.WorkerBusy(-1)
		<-slots
	}
}

func (p *Pool) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("source_id", job.SourceID),
		zap.Int("attempt", job.Attempt),
	)
	log.Info("job started")

	p.queue.CallStartHooks(ctx, job)
	p.queue.Emit(&core.JobStarted{Job: job, WorkerID: p.config.WorkerID, Timestamp: startTime})

	jobCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	jobCtx, cancelTimeout := context.WithTimeout(jobCtx, p.config.JobTimeout)
	defer cancelTimeout()

	go p.runHeartbeat(jobCtx, job, abort, log)

	r := &run{pool: p, job: job, abort: abort, log: log}
	res, err := r.execute(jobCtx)

	abort(nil)
	cause := context.Cause(jobCtx)

	// Terminal writes must land even when jobCtx has expired.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelWrite()

	switch {
	case errors.Is(cause, errLockLost) && err != nil:
		log.Warn("job abandoned after losing its lock", zap.Error(err))
	case errors.Is(context.Cause(ctx), errDraining) && err != nil:
		p.release(writeCtx, job, log)
	case err != nil:
		p.handleError(writeCtx, job, err, log)
	default:
		p.complete(writeCtx, job, res, time.Since(startTime), log)
	}
}

// runHeartbeat extends the job lock while it runs. Losing ownership aborts
// the job.
func (p *Pool) runHeartbeat(ctx context.Context, job *core.Job, abort context.CancelCauseFunc, log *zap.Logger) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *p.config.StorageRetry, func() error {
				return p.queue.Store().Heartbeat(ctx, job.ID, p.config.WorkerID, p.config.LockDuration)
			})
			switch {
			case err == nil:
				log.Debug("heartbeat sent")
			case ctx.Err() != nil:
				return
			case !IsRetryableError(err):
				log.Warn("heartbeat rejected, aborting job", zap.Error(err))
				abort(errLockLost)
				return
			default:
				log.Warn("heartbeat failed after retries", zap.Error(err))
			}
		}
	}
}

func (p *Pool) complete(ctx context.Context, job *core.Job, res result, elapsed time.Duration, log *zap.Logger) {
	var done *core.Job
	err := retryWithBackoff(ctx, *p.config.StorageRetry, func() error {
		var completeErr error
		done, completeErr = p.queue.Store().Complete(ctx, job.ID, p.config.WorkerID, res.locator, res.localPath)
		return completeErr
	})
	if err != nil {
		log.Error("failed to complete job after retries", zap.Error(err))
		return
	}

	log.Info("job completed",
		zap.Duration("duration", elapsed),
		zap.String("locator", done.ResultLocator),
		zap.Bool("abandoned", done.Abandoned),
	)
	p.queue.CallCompleteHooks(ctx, done)
	p.queue.Emit(&core.JobCompleted{Job: done, Duration: elapsed, Timestamp: time.Now()})
}

func (p *Pool) handleError(ctx context.Context, job *core.Job, err error, log *zap.Logger) {
	category := core.CategoryOf(err)
	log = log.With(zap.String("category", string(category)), zap.Error(err))

	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = core.DefaultMaxAttempts
	}

	if category.Retryable() && job.Attempt < maxAttempts {
		delay := JobBackoff(job.Attempt, p.config.RetryBase, p.config.RetryMax)
		runAt := time.Now().Add(delay)

		var requeued *core.Job
		writeErr := retryWithBackoff(ctx, *p.config.StorageRetry, func() error {
			var requeueErr error
			requeued, requeueErr = p.queue.Store().Requeue(ctx, job.ID, p.config.WorkerID, core.ReasonOf(err), runAt)
			return requeueErr
		})
		if writeErr != nil {
			log.Error("failed to requeue job after retries", zap.NamedError("store_error", writeErr))
			return
		}
		log.Warn("job will be retried", zap.Duration("delay", delay))
		p.queue.CallRetryHooks(ctx, requeued, job.Attempt, err)
		p.queue.Emit(&core.JobRetrying{Job: requeued, Attempt: job.Attempt, Error: err, NextRunAt: runAt, Timestamp: time.Now()})
		return
	}

	var failed *core.Job
	writeErr := retryWithBackoff(ctx, *p.config.StorageRetry, func() error {
		var failErr error
		failed, failErr = p.queue.Store().Fail(ctx, job.ID, p.config.WorkerID, category, core.ReasonOf(err))
		return failErr
	})
	if writeErr != nil {
		log.Error("failed to mark job as failed after retries", zap.NamedError("store_error", writeErr))
		return
	}
	log.Warn("job failed")
	p.queue.CallFailHooks(ctx, failed, err)
	p.queue.Emit(&core.JobFailed{Job: failed, Error: err, Timestamp: time.Now()})
}

// release hands an interrupted job back to the queue for another worker.
func (p *Pool) release(ctx context.Context, job *core.Job, log *zap.Logger) {
	_, err := p.queue.Store().Requeue(ctx, job.ID, p.config.WorkerID, "Transient: worker shut down", time.Now())
	if err != nil {
		log.Error("failed to release interrupted job", zap.Error(err))
		return
	}
	log.Info("interrupted job released")
}

func (p *Pool) runStaleLockSweep(ctx context.Context) {
	ticker := time.NewTicker(p.config.StaleLockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Store().ReleaseStaleLocks(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("stale lock sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				p.logger.Info("released stale job locks", zap.Int64("count", n))
			}
		}
	}
}
