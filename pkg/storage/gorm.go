// Package storage provides storage implementations for clip jobs.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/security"
)

// claimCandidates is how many queued jobs a claim attempt looks at before
// re-reading the queue.
const claimCandidates = 8

// claimRounds bounds how often ClaimNext re-reads the queue after losing races.
const claimRounds = 3

// GormStorage implements core.Store using GORM.
type GormStorage struct {
	db *gorm.DB
}

var _ core.Store = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{})
}

// Create inserts a new queued job.
func (s *GormStorage) Create(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.State == "" {
		job.State = core.StateQueued
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = core.DefaultMaxAttempts
	}
	if job.ProgressLabel == "" {
		job.ProgressLabel = "Queued"
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// Get retrieves a job by ID.
func (s *GormStorage) Get(ctx context.Context, jobID string) (*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID).Limit(1).Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, core.ErrJobNotFound
	}
	return jobs[0], nil
}

// ClaimNext moves the oldest due queued job to active and assigns it to
// workerID. Each candidate is claimed with a conditional update, so of any
// number of concurrent callers exactly one wins a given job. Returns nil when
// nothing is due.
func (s *GormStorage) ClaimNext(ctx context.Context, workerID string, lockFor time.Duration) (*core.Job, error) {
	for range claimRounds {
		now := time.Now()
		var candidates []string
		err := s.db.WithContext(ctx).
			Model(&core.Job{}).
			Where("state = ?", core.StateQueued).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Order("created_at ASC, id ASC").
			Limit(claimCandidates).
			Pluck("id", &candidates).Error
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, id := range candidates {
			lockUntil := now.Add(lockFor)
			result := s.db.WithContext(ctx).
				Model(&core.Job{}).
				Where("id = ? AND state = ?", id, core.StateQueued).
				Updates(map[string]any{
					"state":          core.StateActive,
					"locked_by":      workerID,
					"locked_until":   lockUntil,
					"started_at":     now,
					"attempt":        gorm.Expr("attempt + 1"),
					"progress_label": "Starting",
				})
			if result.Error != nil {
				return nil, result.Error
			}
			if result.RowsAffected == 1 {
				return s.Get(ctx, id)
			}
		}
	}
	return nil, nil
}

// UpdateProgress records progress for an active job. The stored percentage
// never decreases; a lower value keeps the current percentage and label.
func (s *GormStorage) UpdateProgress(ctx context.Context, jobID, workerID string, percent int, label string) (*core.Job, error) {
	percent = security.ClampPercent(percent)
	label = security.SanitizeLabel(label)

	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND state = ? AND locked_by = ?", jobID, core.StateActive, workerID).
		Updates(map[string]any{
			"progress_percent": gorm.Expr("CASE WHEN progress_percent < ? THEN ? ELSE progress_percent END", percent, percent),
			"progress_label":   gorm.Expr("CASE WHEN progress_percent <= ? THEN ? ELSE progress_label END", percent, label),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, s.rejection(ctx, jobID)
	}
	return s.Get(ctx, jobID)
}

// Complete marks an active job as completed. Only the owning worker may
// complete a job, and a terminal job is never changed again.
func (s *GormStorage) Complete(ctx context.Context, jobID, workerID, locator, localPath string) (*core.Job, error) {
	now := time.Now()
	return s.finish(ctx, jobID, workerID, map[string]any{
		"state":            core.StateCompleted,
		"progress_percent": 100,
		"progress_label":   "Complete",
		"result_locator":   locator,
		"local_path":       localPath,
		"finished_at":      now,
		"locked_by":        "",
		"locked_until":     nil,
	})
}

// Fail marks an active job as failed. The reason is sanitized before storage.
func (s *GormStorage) Fail(ctx context.Context, jobID, workerID string, category core.Category, reason string) (*core.Job, error) {
	now := time.Now()
	return s.finish(ctx, jobID, workerID, map[string]any{
		"state":            core.StateFailed,
		"progress_label":   "Failed",
		"failure_category": category,
		"failure_reason":   security.SanitizeErrorMessage(reason),
		"finished_at":      now,
		"locked_by":        "",
		"locked_until":     nil,
	})
}

// Requeue hands an active job back to the queue to run again at runAt.
// Progress restarts from zero since the next attempt runs every stage again.
func (s *GormStorage) Requeue(ctx context.Context, jobID, workerID, reason string, runAt time.Time) (*core.Job, error) {
	return s.finish(ctx, jobID, workerID, map[string]any{
		"state":            core.StateQueued,
		"progress_percent": 0,
		"progress_label":   "Waiting to retry",
		"failure_reason":   security.SanitizeErrorMessage(reason),
		"run_at":           runAt,
		"locked_by":        "",
		"locked_until":     nil,
	})
}

func (s *GormStorage) finish(ctx context.Context, jobID, workerID string, updates map[string]any) (*core.Job, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND state = ? AND locked_by = ?", jobID, core.StateActive, workerID).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, s.rejection(ctx, jobID)
	}
	return s.Get(ctx, jobID)
}

// Cancel stops a queued job from ever being claimed. An active job is only
// flagged as abandoned and keeps running to its natural end.
func (s *GormStorage) Cancel(ctx context.Context, jobID string) (core.CancelOutcome, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND state = ?", jobID, core.StateQueued).
		Updates(map[string]any{
			"state":            core.StateFailed,
			"progress_label":   "Cancelled",
			"failure_category": core.CategoryCancelled,
			"failure_reason":   fmt.Sprintf("%s: cancelled by client", core.CategoryCancelled),
			"finished_at":      now,
		})
	if result.Error != nil {
		return core.CancelOutcome{}, result.Error
	}
	if result.RowsAffected == 1 {
		return core.CancelOutcome{Cancelled: true}, nil
	}

	result = s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND state = ?", jobID, core.StateActive).
		Update("abandoned", true)
	if result.Error != nil {
		return core.CancelOutcome{}, result.Error
	}
	if result.RowsAffected == 1 {
		return core.CancelOutcome{Abandoned: true}, nil
	}
	return core.CancelOutcome{}, s.rejection(ctx, jobID)
}

// rejection explains why a guarded update matched no row.
func (s *GormStorage) rejection(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.State.Terminal():
		return core.ErrJobTerminal
	case job.State != core.StateActive:
		return core.ErrJobNotActive
	default:
		return core.ErrJobNotOwned
	}
}

// Heartbeat extends the lock on an active job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID, workerID string, lockFor time.Duration) error {
	lockUntil := time.Now().Add(lockFor)
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND state = ? AND locked_by = ?", jobID, core.StateActive, workerID).
		Update("locked_until", lockUntil)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// ReleaseStaleLocks recovers active jobs whose worker stopped heartbeating.
// Jobs with attempts left go back to the queue, the rest fail with Timeout.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	now := time.Now()
	failed := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("state = ?", core.StateActive).
		Where("locked_until < ?", now).
		Where("attempt >= max_attempts").
		Updates(map[string]any{
			"state":            core.StateFailed,
			"progress_label":   "Failed",
			"failure_category": core.CategoryTimeout,
			"failure_reason":   fmt.Sprintf("%s: worker stopped responding", core.CategoryTimeout),
			"finished_at":      now,
			"locked_by":        "",
			"locked_until":     nil,
		})
	if failed.Error != nil {
		return 0, failed.Error
	}

	released := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("state = ?", core.StateActive).
		Where("locked_until < ?", now).
		Updates(map[string]any{
			"state":            core.StateQueued,
			"progress_percent": 0,
			"progress_label":   "Waiting to retry",
			"locked_by":        "",
			"locked_until":     nil,
		})
	return failed.RowsAffected + released.RowsAffected, released.Error
}

// List returns the most recent jobs, optionally filtered by state.
func (s *GormStorage) List(ctx context.Context, state core.JobState, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobList).Error
	return jobList, err
}

// Ping checks that the database is reachable.
func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connections.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
