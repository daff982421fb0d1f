package core

import "time"

// Event is the interface for all job lifecycle events.
type Event interface {
	eventMarker()
	// JobID returns the job the event belongs to.
	JobID() string
}

// Event type names as seen by real-time subscribers.
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// JobQueued is emitted when a job is accepted by the submission path.
type JobQueued struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobQueued) eventMarker()    {}
func (e *JobQueued) JobID() string { return e.Job.ID }

// JobStarted is emitted when a worker claims a job.
type JobStarted struct {
	Job       *Job
	WorkerID  string
	Timestamp time.Time
}

func (*JobStarted) eventMarker()    {}
func (e *JobStarted) JobID() string { return e.Job.ID }

// JobProgress is emitted after a progress update has been persisted.
type JobProgress struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobProgress) eventMarker()    {}
func (e *JobProgress) JobID() string { return e.Job.ID }

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker()    {}
func (e *JobCompleted) JobID() string { return e.Job.ID }

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker()    {}
func (e *JobFailed) JobID() string { return e.Job.ID }

// JobRetrying is emitted when a job is re-queued after a retryable failure.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) eventMarker()    {}
func (e *JobRetrying) JobID() string { return e.Job.ID }

// ClientEventType maps an event onto the real-time contract. Events that are
// not part of it return "".
func ClientEventType(e Event) string {
	switch e.(type) {
	case *JobProgress:
		return EventProgress
	case *JobCompleted:
		return EventCompleted
	case *JobFailed:
		return EventFailed
	}
	return ""
}
