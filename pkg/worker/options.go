package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/media"
	"github.com/jdziat/clipjobs/pkg/security"
)

// WorkerOption configures a Pool.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// Observer receives pipeline measurements. Implementations must not block.
type Observer interface {
	ObserveStage(stage string, d time.Duration, err error)
	WorkerBusy(delta int)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration, error) {}
func (nopObserver) WorkerBusy(int)                            {}

// WorkerConfig holds pool configuration.
type WorkerConfig struct {
	WorkerID    string
	Concurrency int

	// PollInterval is the claim interval while work is available. An idle
	// pool doubles it up to MaxIdleBackoff.
	PollInterval   time.Duration
	MaxIdleBackoff time.Duration

	JobTimeout        time.Duration
	LockDuration      time.Duration
	HeartbeatInterval time.Duration
	StaleLockInterval time.Duration

	// DrainTimeout bounds how long in-flight jobs may keep running after
	// shutdown begins. Jobs still running afterwards are re-queued.
	DrainTimeout time.Duration

	StorageRetry *RetryConfig
	DequeueRetry *RetryConfig

	// RetryBase and RetryMax shape the delay before a retried job runs again.
	RetryBase time.Duration
	RetryMax  time.Duration

	OutputDir      string
	MinOutputBytes int64
	Profile        media.Profile
	Window         media.WindowPolicy

	Logger   *zap.Logger
	Observer Observer
}

func defaultConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:       2,
		PollInterval:      250 * time.Millisecond,
		MaxIdleBackoff:    5 * time.Second,
		JobTimeout:        15 * time.Minute,
		LockDuration:      5 * time.Minute,
		HeartbeatInterval: time.Minute,
		StaleLockInterval: time.Minute,
		DrainTimeout:      30 * time.Second,
		RetryBase:         30 * time.Second,
		RetryMax:          5 * time.Minute,
		OutputDir:         "outputs",
		MinOutputBytes:    1024,
		Profile:           media.DefaultProfile(),
		Window:            media.DefaultWindowPolicy(),
	}
}

// WithWorkerID names the pool in lock ownership and logs.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// Concurrency sets how many jobs run at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// PollInterval sets the base claim interval and the idle backoff cap.
func PollInterval(base, maxIdle time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if base > 0 {
			c.PollInterval = base
		}
		if maxIdle >= c.PollInterval {
			c.MaxIdleBackoff = maxIdle
		}
	})
}

// JobTimeout bounds a single attempt of a job.
func JobTimeout(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.JobTimeout = d
		}
	})
}

// LockDuration sets how long a claim stays valid without a heartbeat, and
// how often the heartbeat renews it.
func LockDuration(lock, heartbeat time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if lock > 0 {
			c.LockDuration = lock
		}
		if heartbeat > 0 && heartbeat < c.LockDuration {
			c.HeartbeatInterval = heartbeat
		}
	})
}

// StaleLockInterval sets how often expired claims are released. Zero
// disables the sweep.
func StaleLockInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StaleLockInterval = d
	})
}

// DrainTimeout bounds graceful shutdown.
func DrainTimeout(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DrainTimeout = d
	})
}

// RetryBackoff sets the delay before a retried job is offered again.
func RetryBackoff(base, ceiling time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.RetryBase = base
		c.RetryMax = max(ceiling, base)
	})
}

// WithStorageRetry sets the retry policy for store writes.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry sets the retry policy for claims.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// WithRetryAttempts sets the attempt count of the store write retry policy.
func WithRetryAttempts(attempts int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = max(attempts, 1)
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes every store call single-shot.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		single := RetryConfig{MaxAttempts: 1}
		c.StorageRetry = &single
		dq := single
		c.DequeueRetry = &dq
	})
}

// OutputDir sets where finished clips are written.
func OutputDir(dir string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.OutputDir = dir
	})
}

// MinOutputBytes sets the smallest output accepted as a clip.
func MinOutputBytes(n int64) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.MinOutputBytes = n
	})
}

// WithProfile sets the encoding profile.
func WithProfile(p media.Profile) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Profile = p
	})
}

// WithWindowPolicy sets the duration band and clip window bounds.
func WithWindowPolicy(p media.WindowPolicy) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Window = p
	})
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithObserver sets the measurement sink.
func WithObserver(o Observer) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Observer = o
	})
}
