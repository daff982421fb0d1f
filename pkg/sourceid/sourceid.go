// Package sourceid extracts canonical video identifiers from user-supplied references.
package sourceid

import (
	"regexp"
	"strings"
)

// Length is the fixed length of a canonical source identifier.
const Length = 11

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// Ordered URL shapes. The first pattern that matches wins.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:^|//)(?:www\.)?youtube\.com/watch\?(?:[^#]*&)?v=([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:^|//)(?:www\.)?youtu\.be/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`/embed/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`/v/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:^|//)m\.youtube\.com/watch\?(?:[^#]*&)?v=([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`/shorts/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`/live/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`[?&]v=([a-zA-Z0-9_-]{11})`),
}

// Valid reports whether id is a well-formed source identifier.
func Valid(id string) bool {
	return validID.MatchString(id)
}

// Extract returns the source identifier referenced by ref. A bare identifier
// is returned unchanged. The second result is false when ref matches no known
// shape.
func Extract(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if Valid(ref) {
		return ref, true
	}
	for _, p := range patterns {
		loc := p.FindStringSubmatchIndex(ref)
		if loc == nil {
			continue
		}
		// The capture must not run on into more identifier characters.
		if end := loc[3]; end < len(ref) && isIDChar(ref[end]) {
			continue
		}
		return ref[loc[2]:loc[3]], true
	}
	return "", false
}

func isIDChar(c byte) bool {
	return c == '-' || c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
