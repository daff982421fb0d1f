package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/clipjobs/pkg/core"
)

// fakeRunner records invocations and replays scripted output.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	lines  []string
	result commandResult
	err    error
	onRun  func(args []string)
}

func (r *fakeRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (commandResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()
	if r.onRun != nil {
		r.onRun(args)
	}
	if onLine != nil {
		for _, l := range r.lines {
			onLine(l)
		}
	}
	return r.result, r.err
}

// ──────────────────────────────────────────────────────────────────────────────
// Fetcher
// ──────────────────────────────────────────────────────────────────────────────

func TestYtDlpFetcher_Args(t *testing.T) {
	runner := &fakeRunner{}
	f := NewYtDlpFetcher("")
	f.runner = runner

	require.NoError(t, f.Fetch(context.Background(), "dQw4w9WgXcQ", "/tmp/x.part"))
	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "yt-dlp", call[0])
	assert.Contains(t, call, "/tmp/x.part")
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", call[len(call)-1])
}

func TestClassifyFetchError(t *testing.T) {
	tests := []struct {
		stderr   string
		category core.Category
		reason   string
	}{
		{"ERROR: [youtube] abc: Private video. Sign in if you've been granted access", core.CategorySourceUnavailable, "video is private"},
		{"ERROR: [youtube] abc: Video unavailable", core.CategorySourceUnavailable, "video is unavailable"},
		{"ERROR: The uploader has not made this video available in your country", core.CategorySourceUnavailable, "video is not available in this region"},
		{"ERROR: Sign in to confirm your age", core.CategorySourceUnavailable, "video is age restricted"},
		{"ERROR: Sign in to confirm you're not a bot", core.CategorySourceUnavailable, "video requires sign-in"},
		{"ERROR: unable to download video data: HTTP Error 429: Too Many Requests", core.CategoryTransient, "source host is rate limiting downloads"},
		{"ERROR: Unable to download webpage: <urlopen error [Errno -3] Temporary failure in name resolution>", core.CategoryTransient, "network error while downloading the video"},
		{"something unexpected", core.CategorySourceUnavailable, "video could not be downloaded"},
	}

	for _, tt := range tests {
		err := classifyFetchError(tt.stderr, errors.New("exit status 1"))
		var ce *core.ClipError
		require.True(t, errors.As(err, &ce), tt.stderr)
		assert.Equal(t, tt.category, ce.Category, tt.stderr)
		assert.Equal(t, tt.reason, ce.Message, tt.stderr)
	}
}

func TestYtDlpFetcher_ClassifiesFailure(t *testing.T) {
	runner := &fakeRunner{
		result: commandResult{Stderr: "ERROR: [youtube] x: Private video", ExitCode: 1},
		err:    errors.New("exit status 1"),
	}
	f := NewYtDlpFetcher("yt-dlp")
	f.runner = runner

	err := f.Fetch(context.Background(), "dQw4w9WgXcQ", "/tmp/x.part")
	assert.Equal(t, core.CategorySourceUnavailable, core.CategoryOf(err))
	assert.Equal(t, "SourceUnavailable: video is private", core.ReasonOf(err))
}

func TestYtDlpFetcher_DeadlineIsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	f := NewYtDlpFetcher("yt-dlp")
	f.runner = &fakeRunner{err: errors.New("signal: killed")}

	err := f.Fetch(ctx, "dQw4w9WgXcQ", "/tmp/x.part")
	assert.Equal(t, core.CategoryTimeout, core.CategoryOf(err))
}

// ──────────────────────────────────────────────────────────────────────────────
// SourceCache
// ──────────────────────────────────────────────────────────────────────────────

type fileFetcher struct {
	calls atomic.Int32
	size  int
	delay time.Duration
	err   error
}

func (f *fileFetcher) Fetch(ctx context.Context, sourceID, dest string) error {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, []byte(strings.Repeat("x", f.size)), 0o644)
}

func TestSourceCache_FetchesOnceThenReuses(t *testing.T) {
	dir := t.TempDir()
	fetcher := &fileFetcher{size: 2048}
	cache := NewSourceCache(dir, fetcher, WithMinSourceBytes(1024))

	path, cached, err := cache.Resolve(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, filepath.Join(dir, "dQw4w9WgXcQ.src"), path)

	path2, cached, err := cache.Resolve(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, path, path2)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestSourceCache_ConcurrentResolveSharesFetch(t *testing.T) {
	fetcher := &fileFetcher{size: 2048, delay: 50 * time.Millisecond}
	cache := NewSourceCache(t.TempDir(), fetcher)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := cache.Resolve(context.Background(), "dQw4w9WgXcQ")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
}

// gatedFetcher blocks until released or until its context ends.
type gatedFetcher struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (f *gatedFetcher) Fetch(ctx context.Context, sourceID, dest string) error {
	f.calls.Add(1)
	close(f.started)
	select {
	case <-f.release:
		return os.WriteFile(dest, make([]byte, 2048), 0o644)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSourceCache_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	fetcher := &gatedFetcher{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewSourceCache(t.TempDir(), fetcher)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, _, err := cache.Resolve(ctxA, "dQw4w9WgXcQ")
		errA <- err
	}()
	<-fetcher.started

	type outcome struct {
		path string
		err  error
	}
	resB := make(chan outcome, 1)
	go func() {
		p, _, err := cache.Resolve(context.Background(), "dQw4w9WgXcQ")
		resB <- outcome{p, err}
	}()

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(fetcher.release)
	select {
	case got := <-resB:
		require.NoError(t, got.err)
		assert.FileExists(t, got.path)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never finished")
	}
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestSourceCache_FetchTimeoutIsCategorised(t *testing.T) {
	fetcher := &gatedFetcher{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewSourceCache(t.TempDir(), fetcher, WithFetchTimeout(20*time.Millisecond))

	_, _, err := cache.Resolve(context.Background(), "dQw4w9WgXcQ")
	assert.Equal(t, core.CategoryTimeout, core.CategoryOf(err))
}

func TestSourceCache_RejectsUndersizedDownload(t *testing.T) {
	dir := t.TempDir()
	cache := NewSourceCache(dir, &fileFetcher{size: 10}, WithMinSourceBytes(1024))

	_, _, err := cache.Resolve(context.Background(), "dQw4w9WgXcQ")
	assert.Equal(t, core.CategorySourceUnavailable, core.CategoryOf(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial or undersized file may remain")
}

func TestSourceCache_RefetchesUndersizedCachedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dQw4w9WgXcQ.src"), []byte("tiny"), 0o644))
	fetcher := &fileFetcher{size: 2048}
	cache := NewSourceCache(dir, fetcher, WithMinSourceBytes(1024))

	_, cached, err := cache.Resolve(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestSourceCache_FetchErrorPropagates(t *testing.T) {
	cache := NewSourceCache(t.TempDir(), &fileFetcher{err: core.SourceUnavailable("video is private", nil)})

	_, _, err := cache.Resolve(context.Background(), "dQw4w9WgXcQ")
	assert.Equal(t, "SourceUnavailable: video is private", core.ReasonOf(err))
}

// ──────────────────────────────────────────────────────────────────────────────
// Probe
// ──────────────────────────────────────────────────────────────────────────────

func TestFFProbe_ParsesDuration(t *testing.T) {
	p := NewFFProbe("")
	p.runner = &fakeRunner{result: commandResult{Stdout: `{"format":{"duration":"120.500000"}}`}}

	d, err := p.Probe(context.Background(), "/tmp/in.src")
	require.NoError(t, err)
	assert.Equal(t, 120500*time.Millisecond, d)
}

func TestFFProbe_Failures(t *testing.T) {
	p := NewFFProbe("")
	p.runner = &fakeRunner{result: commandResult{Stdout: `{"format":{}}`}}
	_, err := p.Probe(context.Background(), "/tmp/in.src")
	assert.Equal(t, core.CategorySourceUnavailable, core.CategoryOf(err))

	p.runner = &fakeRunner{
		result: commandResult{Stderr: "Invalid data found when processing input", ExitCode: 1},
		err:    errors.New("exit status 1"),
	}
	_, err = p.Probe(context.Background(), "/tmp/in.src")
	assert.Equal(t, core.CategorySourceUnavailable, core.CategoryOf(err))
}

// ──────────────────────────────────────────────────────────────────────────────
// Window policy
// ──────────────────────────────────────────────────────────────────────────────

func TestWindowPolicy_Check(t *testing.T) {
	p := DefaultWindowPolicy()

	assert.NoError(t, p.Check(10*time.Second))
	assert.NoError(t, p.Check(30*time.Minute))

	err := p.Check(5 * time.Second)
	assert.Equal(t, core.CategoryPolicyViolation, core.CategoryOf(err))
	assert.Contains(t, err.Error(), "too short")

	err = p.Check(2 * time.Hour)
	assert.Equal(t, core.CategoryPolicyViolation, core.CategoryOf(err))
	assert.Contains(t, err.Error(), "30 minutes")
}

func TestWindowPolicy_SelectWindow(t *testing.T) {
	p := DefaultWindowPolicy()
	tests := []struct {
		total  time.Duration
		offset time.Duration
		length time.Duration
	}{
		{120 * time.Second, 5 * time.Second, 30 * time.Second},
		{30 * time.Minute, 285 * time.Second, 30 * time.Second},
		{60 * time.Second, 0, 20 * time.Second},
		{10 * time.Second, 1666 * time.Millisecond, 5 * time.Second},
		{3 * time.Second, 0, 3 * time.Second},
	}

	for _, tt := range tests {
		w := p.SelectWindow(tt.total)
		assert.Equal(t, tt.length, w.Length, "length for %s", tt.total)
		assert.Equal(t, tt.offset, w.Offset, "offset for %s", tt.total)
		assert.LessOrEqual(t, w.Offset+w.Length, tt.total)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Transcoder
// ──────────────────────────────────────────────────────────────────────────────

func TestParseProgressLine(t *testing.T) {
	length := 30 * time.Second

	pct, ok := parseProgressLine("out_time_us=15000000", length)
	assert.True(t, ok)
	assert.Equal(t, 50, pct)

	pct, ok = parseProgressLine("out_time_ms=45000000", length)
	assert.True(t, ok)
	assert.Equal(t, 100, pct)

	pct, ok = parseProgressLine("progress=end", length)
	assert.True(t, ok)
	assert.Equal(t, 100, pct)

	_, ok = parseProgressLine("progress=continue", length)
	assert.False(t, ok)
	_, ok = parseProgressLine("frame=12", length)
	assert.False(t, ok)
	_, ok = parseProgressLine("out_time_us=N/A", length)
	assert.False(t, ok)
}

func TestFFmpegTranscoder_ArgsUseProfile(t *testing.T) {
	tr := NewFFmpegTranscoder("")
	args := strings.Join(tr.Args("in.src", "out.mp4", Window{Offset: 5 * time.Second, Length: 30 * time.Second}, DefaultProfile()), " ")

	assert.Contains(t, args, "-ss 5.000 -t 30.000 -i in.src")
	assert.Contains(t, args, "-c:v libx264 -preset fast -crf 23 -c:a aac")
	assert.Contains(t, args, "-movflags +faststart")
	assert.Contains(t, args, "scale=1080:1920:force_original_aspect_ratio=increase,crop=1080:1920,format=yuv420p")
	assert.Contains(t, args, "-aspect 9:16")
	assert.True(t, strings.HasSuffix(args, "out.mp4"))
}

func TestFFmpegTranscoder_ReportsMonotonicProgress(t *testing.T) {
	tr := NewFFmpegTranscoder("ffmpeg")
	tr.runner = &fakeRunner{lines: []string{
		"out_time_us=3000000",
		"progress=continue",
		"out_time_us=1000000",
		"out_time_us=15000000",
		"progress=end",
	}}

	var seen []int
	err := tr.Transcode(context.Background(), "in", "out", Window{Length: 30 * time.Second}, DefaultProfile(),
		func(pct int, label string) { seen = append(seen, pct) })
	require.NoError(t, err)
	assert.Equal(t, []int{10, 50, 100}, seen)
}

func TestFFmpegTranscoder_FailureRemovesPartialOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "job.mp4")
	tr := NewFFmpegTranscoder("ffmpeg")
	tr.runner = &fakeRunner{
		onRun:  func([]string) { _ = os.WriteFile(out, []byte("partial"), 0o644) },
		result: commandResult{Stderr: "Conversion failed!", ExitCode: 1},
		err:    errors.New("exit status 1"),
	}

	err := tr.Transcode(context.Background(), "in", out, Window{Length: time.Second}, DefaultProfile(), nil)
	assert.Equal(t, core.CategoryTranscode, core.CategoryOf(err))
	assert.NoFileExists(t, out)
}

// ──────────────────────────────────────────────────────────────────────────────
// Executor / rate limiting
// ──────────────────────────────────────────────────────────────────────────────

func TestExecutor_BoundsParallelism(t *testing.T) {
	e := NewExecutor(2)
	var running, peak atomic.Int32

	futures := make([]*Future, 0, 6)
	for range 6 {
		futures = append(futures, e.Submit(context.Background(), func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	for _, f := range futures {
		require.NoError(t, f.Wait(context.Background()))
	}
	e.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutor_PropagatesErrorsAndPanics(t *testing.T) {
	e := NewExecutor(1)
	boom := errors.New("boom")

	assert.ErrorIs(t, e.Submit(context.Background(), func(context.Context) error { return boom }).Wait(context.Background()), boom)

	err := e.Submit(context.Background(), func(context.Context) error { panic("bad") }).Wait(context.Background())
	assert.ErrorContains(t, err, "panicked")
}

func TestRateLimitedFetcher_DelegatesAndHonoursDeadline(t *testing.T) {
	inner := &fileFetcher{size: 1}
	f := NewRateLimitedFetcher(inner, 0.001, 1)
	dir := t.TempDir()

	require.NoError(t, f.Fetch(context.Background(), "dQw4w9WgXcQ", filepath.Join(dir, "a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.Fetch(ctx, "dQw4w9WgXcQ", filepath.Join(dir, "b"))
	assert.Equal(t, core.CategoryTimeout, core.CategoryOf(err))
	assert.Equal(t, int32(1), inner.calls.Load())
}
