package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for values the service cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, &ValidationError{Field: field, Message: msg})
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "must be one of: debug, info, warn, error")
	}

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite":
	case "postgres", "postgresql":
		if c.Database.DSN == "" {
			add("database.dsn", "is required for postgres")
		}
	default:
		add("database.driver", "must be sqlite or postgres")
	}

	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		add("server.mode", "must be one of: debug, release, test")
	}

	w := c.Worker
	if w.Concurrency < 1 {
		add("worker.concurrency", "must be at least 1")
	}
	if w.MaxAttempts < 1 || w.MaxAttempts > 10 {
		add("worker.max_attempts", "must be between 1 and 10")
	}
	if w.HeartbeatInterval >= w.LockDuration {
		add("worker.heartbeat_interval", "must be shorter than worker.lock_duration")
	}
	if w.RetryMax < w.RetryBase {
		add("worker.retry_max", "must not be shorter than worker.retry_base")
	}

	m := c.Media
	if m.MinDuration >= m.MaxDuration {
		add("media.min_duration", "must be shorter than media.max_duration")
	}
	if m.ClipFloor > m.ClipCeiling {
		add("media.clip_floor", "must not exceed media.clip_ceiling")
	}
	if m.FetchRate <= 0 {
		add("media.fetch_rate", "must be positive")
	}
	if m.ScratchDir == m.OutputDir {
		add("media.output_dir", "must differ from media.scratch_dir")
	}

	if c.Reaper.MaxAge <= w.JobTimeout {
		add("reaper.max_age", "must be longer than worker.job_timeout")
	}

	return errors.Join(errs...)
}
