package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/clipjobs/pkg/core"
)

// Profile describes the clip encoding.
type Profile struct {
	Width      int
	Height     int
	VideoCodec string
	AudioCodec string
	Preset     string
	CRF        int
	Aspect     string
}

// DefaultProfile is a 1080x1920 vertical H.264/AAC clip.
func DefaultProfile() Profile {
	return Profile{
		Width:      1080,
		Height:     1920,
		VideoCodec: "libx264",
		AudioCodec: "aac",
		Preset:     "fast",
		CRF:        23,
		Aspect:     "9:16",
	}
}

// Filter returns the scale and crop filter for the profile.
func (p Profile) Filter() string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,format=yuv420p",
		p.Width, p.Height, p.Width, p.Height)
}

// ProgressFunc receives transcode progress as a percentage of the clip.
type ProgressFunc func(percent int, label string)

// Transcoder cuts window out of in and encodes it to out.
type Transcoder interface {
	Transcode(ctx context.Context, in, out string, w Window, p Profile, onProgress ProgressFunc) error
}

// FFmpegTranscoder encodes clips with ffmpeg.
type FFmpegTranscoder struct {
	binary string
	runner commandRunner
}

// NewFFmpegTranscoder returns a transcoder using the given binary ("ffmpeg" when empty).
func NewFFmpegTranscoder(binary string) *FFmpegTranscoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegTranscoder{binary: binary, runner: &execRunner{}}
}

// Args returns the ffmpeg arguments for one clip.
func (t *FFmpegTranscoder) Args(in, out string, w Window, p Profile) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-ss", formatSeconds(w.Offset),
		"-t", formatSeconds(w.Length),
		"-i", in,
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-c:a", p.AudioCodec,
		"-movflags", "+faststart",
		"-vf", p.Filter(),
		"-aspect", p.Aspect,
		"-progress", "pipe:1",
		"-nostats",
		out,
	}
}

// Transcode runs ffmpeg and reports progress parsed from its progress stream.
// A failed run leaves no partial output behind.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, in, out string, w Window, p Profile, onProgress ProgressFunc) error {
	last := -1
	onLine := func(line string) {
		pct, ok := parseProgressLine(line, w.Length)
		if !ok || pct <= last || onProgress == nil {
			return
		}
		last = pct
		onProgress(pct, "Transcoding clip")
	}

	res, err := t.runner.Run(ctx, t.binary, t.Args(in, out, w, p), onLine)
	if err == nil {
		return nil
	}
	_ = os.Remove(out)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.Timeout("transcode", ctx.Err())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return core.NewError(core.CategoryInternal, "transcoder is not installed", err)
	}
	return core.TranscodeFailed(
		fmt.Sprintf("transcoder exited with status %d", res.ExitCode),
		fmt.Errorf("%s: %w", lastLine(res.Stderr), err))
}

// parseProgressLine converts one "-progress" key=value line into a percentage
// of length. Only time keys and the end marker produce a value.
func parseProgressLine(line string, length time.Duration) (int, bool) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return 0, false
	}
	switch key {
	case "progress":
		if value == "end" {
			return 100, true
		}
		return 0, false
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 || length <= 0 {
			return 0, false
		}
		pct := int(time.Duration(us) * time.Microsecond * 100 / length)
		return min(pct, 100), true
	}
	return 0, false
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
