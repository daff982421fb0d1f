package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/security"
	"github.com/jdziat/clipjobs/pkg/sourceid"
)

// SubmitRequest asks for a clip of one source. SourceID takes precedence over
// SourceRef when both are set.
type SubmitRequest struct {
	SourceRef string `json:"sourceRef"`
	SourceID  string `json:"sourceId"`
}

// ValidateResult reports whether a reference resolves to a source.
type ValidateResult struct {
	Valid    bool   `json:"valid"`
	SourceID string `json:"sourceId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Queue is the submission side of the pipeline. It validates requests,
// records jobs in the store, and fans lifecycle events out to listeners.
type Queue struct {
	store  core.Store
	opts   *Options
	logger *zap.Logger
	mu     sync.RWMutex

	// Hooks
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onRetry    []func(context.Context, *core.Job, int, error)

	// Event stream
	listeners []func(core.Event)
	eventSubs []chan core.Event
}

// New creates a new Queue on top of store.
func New(store core.Store, opts ...Option) *Queue {
	o := NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}
	return &Queue{
		store:  store,
		opts:   o,
		logger: o.Logger,
	}
}

// Store returns the underlying store.
func (q *Queue) Store() core.Store {
	return q.store
}

// Submit validates req and records a queued job for it.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	id, err := resolveSource(req)
	if err != nil {
		return "", err
	}

	job := &core.Job{
		ID:          uuid.New().String(),
		SourceRef:   strings.TrimSpace(req.SourceRef),
		SourceID:    id,
		State:       core.StateQueued,
		MaxAttempts: q.opts.MaxAttempts,
	}
	if job.SourceRef == "" {
		job.SourceRef = id
	}

	if err := q.store.Create(ctx, job); err != nil {
		q.logger.Error("enqueue failed",
			zap.String("source_id", id),
			zap.Error(err),
		)
		return "", core.QueueUnavailable(err)
	}

	q.logger.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("source_id", id),
	)
	q.Emit(&core.JobQueued{Job: job, Timestamp: time.Now()})
	return job.ID, nil
}

// Validate resolves ref without enqueueing anything.
func (q *Queue) Validate(ref string) ValidateResult {
	id, err := resolveSource(SubmitRequest{SourceRef: ref})
	if err != nil {
		var ce *core.ClipError
		if errors.As(err, &ce) {
			return ValidateResult{Message: ce.Message}
		}
		return ValidateResult{Message: err.Error()}
	}
	return ValidateResult{Valid: true, SourceID: id}
}

func resolveSource(req SubmitRequest) (string, error) {
	if id := strings.TrimSpace(req.SourceID); id != "" {
		if !sourceid.Valid(id) {
			return "", core.Validation("source id must be 11 characters of letters, digits, '-' or '_'")
		}
		return id, nil
	}
	if err := security.ValidateSourceRef(req.SourceRef); err != nil {
		return "", err
	}
	id, ok := sourceid.Extract(req.SourceRef)
	if !ok {
		return "", core.Validation("could not find a video id in the given URL")
	}
	return id, nil
}

// Status returns the client-facing status of a job.
func (q *Queue) Status(ctx context.Context, jobID string) (core.Status, error) {
	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return core.Status{}, err
	}
	return core.StatusOf(job), nil
}

// Cancel withdraws a job. A queued job fails with category Cancelled and is
// never claimed; an active job is flagged abandoned and runs to completion.
func (q *Queue) Cancel(ctx context.Context, jobID string) (core.CancelOutcome, error) {
	outcome, err := q.store.Cancel(ctx, jobID)
	if err != nil {
		return outcome, err
	}

	q.logger.Info("job cancel requested",
		zap.String("job_id", jobID),
		zap.Bool("cancelled", outcome.Cancelled),
		zap.Bool("abandoned", outcome.Abandoned),
	)
	if outcome.Cancelled {
		if job, err := q.store.Get(ctx, jobID); err == nil {
			q.Emit(&core.JobFailed{
				Job:       job,
				Error:     core.NewError(core.CategoryCancelled, "cancelled by client", nil),
				Timestamp: time.Now(),
			})
		}
	}
	return outcome, nil
}

// OnJobStart registers a callback for when a job starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a job is re-queued.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// Listen registers fn to be called synchronously for every emitted event.
// fn must not block.
func (q *Queue) Listen(fn func(core.Event)) {
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, q.opts.EventBuffer)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; after Unsubscribe returns no further events are sent to it.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all listeners and subscribers.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	listeners := make([]func(core.Event), len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.RUnlock()

	for _, fn := range listeners {
		fn(e)
	}
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full - this prevents blocking on slow consumers
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}
