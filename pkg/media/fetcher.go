package media

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jdziat/clipjobs/pkg/core"
)

// Fetcher downloads the source media for sourceID to dest.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID, dest string) error
}

// SourceURL returns the canonical watch URL for a source identifier.
func SourceURL(sourceID string) string {
	return "https://www.youtube.com/watch?v=" + sourceID
}

// YtDlpFetcher downloads sources with the yt-dlp command line tool.
type YtDlpFetcher struct {
	binary string
	format string
	runner commandRunner
}

// NewYtDlpFetcher returns a fetcher using the given binary ("yt-dlp" when empty).
func NewYtDlpFetcher(binary string) *YtDlpFetcher {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YtDlpFetcher{
		binary: binary,
		format: "best[ext=mp4]/best",
		runner: &execRunner{},
	}
}

// Fetch downloads one source. Failures are classified into the failure taxonomy.
func (f *YtDlpFetcher) Fetch(ctx context.Context, sourceID, dest string) error {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-part",
		"--quiet",
		"-f", f.format,
		"-o", dest,
		SourceURL(sourceID),
	}
	res, err := f.runner.Run(ctx, f.binary, args, nil)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return core.Timeout("fetch", ctxErr)
		}
		return ctxErr
	}
	if errors.Is(err, exec.ErrNotFound) {
		return core.NewError(core.CategoryInternal, "fetcher is not installed", err)
	}
	return classifyFetchError(res.Stderr, fmt.Errorf("%s exited with %d: %w", f.binary, res.ExitCode, err))
}

type fetchMarker struct {
	needles  []string
	category core.Category
	message  string
}

// Checked in order. Rate limiting and network trouble are transient; the rest
// describe the source itself and will not change on retry.
var fetchMarkers = []fetchMarker{
	{[]string{"http error 429", "too many requests"}, core.CategoryTransient, "source host is rate limiting downloads"},
	{[]string{"private video"}, core.CategorySourceUnavailable, "video is private"},
	{[]string{"has been removed", "account associated with this video has been terminated", "no longer available"}, core.CategorySourceUnavailable, "video has been removed"},
	{[]string{"available in your country", "blocked it in your country", "geo restrict"}, core.CategorySourceUnavailable, "video is not available in this region"},
	{[]string{"sign in to confirm your age", "age-restricted", "inappropriate for some users"}, core.CategorySourceUnavailable, "video is age restricted"},
	{[]string{"sign in to confirm", "members-only", "join this channel"}, core.CategorySourceUnavailable, "video requires sign-in"},
	{[]string{"video unavailable", "is not available", "does not exist"}, core.CategorySourceUnavailable, "video is unavailable"},
	{[]string{"live event will begin", "premieres in"}, core.CategorySourceUnavailable, "video has not been published yet"},
	{[]string{"unable to download webpage", "connection reset", "connection refused", "timed out", "temporary failure in name resolution", "network is unreachable", "http error 5"}, core.CategoryTransient, "network error while downloading the video"},
}

// classifyFetchError maps fetcher diagnostics onto a failure category.
func classifyFetchError(stderr string, err error) error {
	lower := strings.ToLower(stderr)
	for _, m := range fetchMarkers {
		for _, n := range m.needles {
			if strings.Contains(lower, n) {
				return core.NewError(m.category, m.message, err)
			}
		}
	}
	return core.SourceUnavailable("video could not be downloaded", err)
}
