// Package reaper deletes aged files from the scratch and output directories.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Defaults keep files well past the longest job attempt.
const (
	DefaultInterval = 10 * time.Minute
	DefaultMaxAge   = 2 * time.Hour
)

// Result summarises one sweep.
type Result struct {
	Removed int
	Bytes   int64
	Failed  int
}

// Reaper removes regular files older than maxAge from a set of directories.
// It does not descend into subdirectories.
type Reaper struct {
	dirs      []string
	maxAge    time.Duration
	spec      string
	logger    *zap.Logger
	onRemoved func(Result)

	mu sync.Mutex
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithInterval sweeps at a fixed interval.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.spec = "@every " + d.String()
		}
	}
}

// WithSchedule sweeps on a cron expression or descriptor such as "@hourly".
func WithSchedule(spec string) Option {
	return func(r *Reaper) {
		if spec != "" {
			r.spec = spec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithSweepHook is called after every sweep.
func WithSweepHook(fn func(Result)) Option {
	return func(r *Reaper) { r.onRemoved = fn }
}

// New creates a reaper over dirs. A non-positive maxAge uses DefaultMaxAge.
func New(dirs []string, maxAge time.Duration, opts ...Option) *Reaper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	r := &Reaper{
		dirs:   dirs,
		maxAge: maxAge,
		spec:   "@every " + DefaultInterval.String(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spec returns the schedule expression.
func (r *Reaper) Spec() string {
	return r.spec
}

// ParseSchedule parses a five-field cron expression or a descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", spec, err)
	}
	return s, nil
}

// Sweep deletes every regular file whose modification time is older than
// now minus maxAge. Missing directories are skipped.
func (r *Reaper) Sweep(now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.maxAge)
	var res Result
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("reaper cannot read directory", zap.String("dir", dir), zap.Error(err))
				res.Failed++
			}
			continue
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("reaper cannot remove file", zap.String("path", path), zap.Error(err))
				res.Failed++
				continue
			}
			res.Removed++
			res.Bytes += info.Size()
		}
	}

	if res.Removed > 0 || res.Failed > 0 {
		r.logger.Info("scratch sweep finished",
			zap.Int("removed", res.Removed),
			zap.Int64("bytes", res.Bytes),
			zap.Int("failed", res.Failed),
		)
	}
	if r.onRemoved != nil {
		r.onRemoved(res)
	}
	return res
}

// Start runs a sweep immediately and then on the schedule until ctx is done.
func (r *Reaper) Start(ctx context.Context) error {
	schedule, err := ParseSchedule(r.spec)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithLogger(cronLogger{r.logger.Sugar()}))
	c.Schedule(schedule, cron.FuncJob(func() { r.Sweep(time.Now()) }))

	r.Sweep(time.Now())
	c.Start()
	r.logger.Info("reaper started",
		zap.String("schedule", r.spec),
		zap.Duration("max_age", r.maxAge),
		zap.Strings("dirs", r.dirs),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
