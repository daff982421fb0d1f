package security

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jdziat/clipjobs/pkg/core"
)

// Security limits and configuration
const (
	// MaxSourceRefLength is the maximum length for a submitted source reference
	MaxSourceRefLength = 2048

	// MaxAttempts is the hard limit for attempts per job
	MaxAttempts = 10

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored failure reasons
	MaxErrorMessageLength = 4096

	// MaxProgressLabelLength is the maximum length for stored progress labels
	MaxProgressLabelLength = 255
)

// ValidateSourceRef rejects references that are empty or too large to be a URL.
func ValidateSourceRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return core.Validation("a video URL or id is required")
	}
	if len(ref) > MaxSourceRefLength {
		return core.Validation("video URL is too long")
	}
	return nil
}

// ValidateJobID checks that id is a canonical job identifier. Ids are used to
// build file paths, so anything else is refused.
func ValidateJobID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return core.ErrJobNotFound
	}
	return nil
}

// ContainedPath joins name onto dir and reports whether the result stays inside dir.
func ContainedPath(dir, name string) (string, bool) {
	root := filepath.Clean(dir)
	p := filepath.Join(root, name)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", false
	}
	return p, true
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	return sanitize(msg, MaxErrorMessageLength)
}

// SanitizeLabel cleans a progress label for storage.
func SanitizeLabel(label string) string {
	return sanitize(strings.ReplaceAll(label, "\n", " "), MaxProgressLabelLength)
}

func sanitize(msg string, limit int) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > limit {
		runes := []rune(result)
		result = string(runes[:limit-3]) + "..."
	}

	return result
}

// ClampAttempts ensures the attempt bound is within limits
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampPercent bounds a progress value to 0..100.
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
