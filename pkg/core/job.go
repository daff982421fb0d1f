package core

import (
	"time"
)

// JobState represents the current state of a clip job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// DefaultMaxAttempts bounds automatic re-queues of a job (initial attempt included).
const DefaultMaxAttempts = 2

// Job is one request to produce a clip from one source.
type Job struct {
	ID              string     `gorm:"primaryKey;size:36"`
	SourceRef       string     `gorm:"type:text"`
	SourceID        string     `gorm:"index;size:11;not null"`
	State           JobState   `gorm:"index;size:20;default:'queued'"`
	ProgressPercent int        `gorm:"default:0"`
	ProgressLabel   string     `gorm:"size:255"`
	ResultLocator   string     `gorm:"type:text"`
	LocalPath       string     `gorm:"type:text"`
	FailureCategory Category   `gorm:"size:32"`
	FailureReason   string     `gorm:"type:text"`
	Attempt         int        `gorm:"default:0"`
	MaxAttempts     int        `gorm:"default:2"`
	Abandoned       bool       `gorm:"default:false"`
	RunAt           *time.Time `gorm:"index"`
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// Status is the client-facing view of a job. It is the payload of status reads
// and of every real-time event.
type Status struct {
	JobID           string    `json:"jobId"`
	SourceID        string    `json:"sourceId"`
	State           JobState  `json:"state"`
	ProgressPercent int       `json:"progressPercent"`
	ProgressLabel   string    `json:"progressLabel"`
	ResultLocator   string    `json:"resultLocator,omitempty"`
	FailureReason   string    `json:"failureReason,omitempty"`
	FailureCategory Category  `json:"failureCategory,omitempty"`
	Attempt         int       `json:"attempt"`
	Abandoned       bool      `json:"abandoned,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// StatusOf projects a job onto its client-facing status. Result and failure
// fields are only populated in the matching terminal state.
func StatusOf(j *Job) Status {
	st := Status{
		JobID:           j.ID,
		SourceID:        j.SourceID,
		State:           j.State,
		ProgressPercent: j.ProgressPercent,
		ProgressLabel:   j.ProgressLabel,
		Attempt:         j.Attempt,
		Abandoned:       j.Abandoned,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	switch j.State {
	case StateCompleted:
		st.ResultLocator = j.ResultLocator
	case StateFailed:
		st.FailureReason = j.FailureReason
		st.FailureCategory = j.FailureCategory
	}
	return st
}
