package media

import (
	"fmt"
	"time"

	"github.com/jdziat/clipjobs/pkg/core"
)

// WindowPolicy bounds accepted sources and the clip cut from them.
type WindowPolicy struct {
	// MinDuration and MaxDuration bound the accepted source duration.
	MinDuration time.Duration
	MaxDuration time.Duration
	// Floor and Ceiling bound the clip length.
	Floor   time.Duration
	Ceiling time.Duration
}

// DefaultWindowPolicy accepts sources from 10s to 30m and cuts clips of 5s to 30s.
func DefaultWindowPolicy() WindowPolicy {
	return WindowPolicy{
		MinDuration: 10 * time.Second,
		MaxDuration: 30 * time.Minute,
		Floor:       5 * time.Second,
		Ceiling:     30 * time.Second,
	}
}

// Window is the segment of a source that becomes the clip.
type Window struct {
	Offset time.Duration
	Length time.Duration
}

// Check rejects sources outside the accepted duration band.
func (p WindowPolicy) Check(total time.Duration) error {
	if total > p.MaxDuration {
		return core.PolicyViolation(fmt.Sprintf(
			"video is too long, maximum duration is %s", humanDuration(p.MaxDuration)))
	}
	if total < p.MinDuration {
		return core.PolicyViolation(fmt.Sprintf(
			"video is too short, minimum duration is %s", humanDuration(p.MinDuration)))
	}
	return nil
}

// SelectWindow picks the clip segment for a source of the given duration.
// The length is a third of the source clamped to [Floor, Ceiling] and never
// longer than the source. The window sits centred in the first third of the
// source when it fits there, otherwise a third of the way into the slack.
func (p WindowPolicy) SelectWindow(total time.Duration) Window {
	if total <= 0 {
		return Window{}
	}
	length := min(max(total/3, p.Floor), p.Ceiling)
	if length > total {
		length = total
	}

	third := total / 3
	var offset time.Duration
	if length <= third {
		offset = (third - length) / 2
	} else {
		offset = (total - length) / 3
	}
	return Window{
		Offset: offset.Truncate(time.Millisecond),
		Length: length.Truncate(time.Millisecond),
	}
}

func humanDuration(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return fmt.Sprintf("%d seconds", int(d/time.Second))
}
