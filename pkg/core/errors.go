package core

import (
	"context"
	"errors"
	"fmt"
)

// Store errors
var (
	ErrJobNotFound   = errors.New("clipjobs: job not found")
	ErrJobNotOwned   = errors.New("clipjobs: job not owned by this worker")
	ErrJobNotActive  = errors.New("clipjobs: job is not active")
	ErrJobTerminal   = errors.New("clipjobs: job already reached a terminal state")
	ErrInvalidSource = errors.New("clipjobs: source identifier is malformed")
)

// Category classifies a failure. Categories are what clients see; wrapped
// causes stay in logs.
type Category string

const (
	CategoryValidation        Category = "ValidationError"
	CategoryQueueUnavailable  Category = "QueueUnavailable"
	CategorySourceUnavailable Category = "SourceUnavailable"
	CategoryPolicyViolation   Category = "PolicyViolation"
	CategoryTranscode         Category = "TranscodeError"
	CategoryTimeout           Category = "Timeout"
	CategoryPublish           Category = "PublishError"
	CategoryTransient         Category = "Transient"
	CategoryCancelled         Category = "Cancelled"
	CategoryInternal          Category = "Internal"
)

// Retryable reports whether a failure of this category may be re-queued.
// Permanent categories are never retried.
func (c Category) Retryable() bool {
	return c == CategoryTimeout || c == CategoryTransient
}

// ClipError is a categorised pipeline error.
type ClipError struct {
	Category Category
	Message  string
	Err      error
}

func (e *ClipError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *ClipError) Unwrap() error {
	return e.Err
}

// Reason returns the single human-readable failure message stored on the job.
func (e *ClipError) Reason() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Category, msg)
}

// NewError builds a ClipError of the given category.
func NewError(c Category, msg string, err error) error {
	return &ClipError{Category: c, Message: msg, Err: err}
}

// Validation wraps a submission-time validation failure.
func Validation(msg string) error {
	return &ClipError{Category: CategoryValidation, Message: msg}
}

// QueueUnavailable wraps a store write failure at submission time.
func QueueUnavailable(err error) error {
	return &ClipError{Category: CategoryQueueUnavailable, Message: "job queue is unavailable, try again later", Err: err}
}

// SourceUnavailable wraps a classified fetch failure.
func SourceUnavailable(msg string, err error) error {
	return &ClipError{Category: CategorySourceUnavailable, Message: msg, Err: err}
}

// PolicyViolation wraps a rejected source (duration band).
func PolicyViolation(msg string) error {
	return &ClipError{Category: CategoryPolicyViolation, Message: msg}
}

// TranscodeFailed wraps a transcoder failure.
func TranscodeFailed(msg string, err error) error {
	return &ClipError{Category: CategoryTranscode, Message: msg, Err: err}
}

// Timeout wraps a stage that exceeded its bound.
func Timeout(stage string, err error) error {
	return &ClipError{Category: CategoryTimeout, Message: stage + " exceeded its time limit", Err: err}
}

// Transient wraps a raw transport failure.
func Transient(msg string, err error) error {
	return &ClipError{Category: CategoryTransient, Message: msg, Err: err}
}

// PublishFailed wraps a non-fatal upload failure.
func PublishFailed(err error) error {
	return &ClipError{Category: CategoryPublish, Message: "upload to durable storage failed", Err: err}
}

// CategoryOf returns the category of err. Deadline errors map to Timeout and
// anything uncategorised is Internal.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var ce *ClipError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryInternal
}

// ReasonOf returns the stored failure reason for err.
func ReasonOf(err error) string {
	var ce *ClipError
	if errors.As(err, &ce) {
		return ce.Reason()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s: job exceeded its time limit", CategoryTimeout)
	}
	return fmt.Sprintf("%s: unexpected processing error", CategoryInternal)
}
