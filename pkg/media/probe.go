package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jdziat/clipjobs/pkg/core"
)

// Prober reports the duration of a local media file.
type Prober interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// FFProbe reads durations with ffprobe.
type FFProbe struct {
	binary string
	runner commandRunner
}

// NewFFProbe returns a prober using the given binary ("ffprobe" when empty).
func NewFFProbe(binary string) *FFProbe {
	if binary == "" {
		binary = "ffprobe"
	}
	return &FFProbe{binary: binary, runner: &execRunner{}}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe returns the container duration of path.
func (p *FFProbe) Probe(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}
	res, err := p.runner.Run(ctx, p.binary, args, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, core.Timeout("probe", ctx.Err())
		}
		return 0, core.SourceUnavailable("source media could not be read",
			fmt.Errorf("ffprobe: %s: %w", lastLine(res.Stderr), err))
	}
	return parseProbeDuration(res.Stdout)
}

func parseProbeDuration(out string) (time.Duration, error) {
	var parsed probeOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return 0, core.SourceUnavailable("source media could not be read", err)
	}
	secs, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil || secs <= 0 {
		return 0, core.SourceUnavailable("source media has no duration", err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
