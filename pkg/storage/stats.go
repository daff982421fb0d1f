package storage

import (
	"context"

	"github.com/jdziat/clipjobs/pkg/core"
)

// CountByState returns the number of jobs in each state.
func (s *GormStorage) CountByState(ctx context.Context) (map[core.JobState]int64, error) {
	type row struct {
		State core.JobState
		Count int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("state, count(*) as count").
		Group("state").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := map[core.JobState]int64{
		core.StateQueued:    0,
		core.StateActive:    0,
		core.StateCompleted: 0,
		core.StateFailed:    0,
	}
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

// FailuresByCategory returns the number of failed jobs per failure category.
func (s *GormStorage) FailuresByCategory(ctx context.Context) (map[core.Category]int64, error) {
	type row struct {
		FailureCategory core.Category
		Count           int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("failure_category, count(*) as count").
		Where("state = ?", core.StateFailed).
		Group("failure_category").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[core.Category]int64, len(rows))
	for _, r := range rows {
		counts[r.FailureCategory] = r.Count
	}
	return counts, nil
}
