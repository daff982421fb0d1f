package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/media"
	"github.com/jdziat/clipjobs/pkg/queue"
	"github.com/jdziat/clipjobs/pkg/storage"
)

const testSourceID = "dQw4w9WgXcQ"

type fakeFetcher struct {
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, _, dest string) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, make([]byte, 2048), 0o644)
}

type fakeProber struct {
	duration time.Duration
	err      error
}

func (p *fakeProber) Probe(context.Context, string) (time.Duration, error) {
	return p.duration, p.err
}

type fakeTranscoder struct {
	mu       sync.Mutex
	windows  []media.Window
	calls    atomic.Int32
	size     int
	block    bool
	panicMsg string
}

func (t *fakeTranscoder) Transcode(ctx context.Context, _, out string, w media.Window, _ media.Profile, onProgress media.ProgressFunc) error {
	t.calls.Add(1)
	t.mu.Lock()
	t.windows = append(t.windows, w)
	t.mu.Unlock()

	if t.panicMsg != "" {
		panic(t.panicMsg)
	}
	if t.block {
		<-ctx.Done()
		return ctx.Err()
	}
	onProgress(50, "Transcoding clip")
	onProgress(100, "Transcoding clip")
	size := t.size
	if size == 0 {
		size = 4096
	}
	return os.WriteFile(out, make([]byte, size), 0o644)
}

func (t *fakeTranscoder) Windows() []media.Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]media.Window(nil), t.windows...)
}

type fakePublisher struct {
	locator string
	err     error
	calls   atomic.Int32
}

func (p *fakePublisher) Publish(context.Context, string, string) (string, error) {
	p.calls.Add(1)
	return p.locator, p.err
}

type harness struct {
	store      *storage.GormStorage
	queue      *queue.Queue
	pool       *Pool
	fetcher    *fakeFetcher
	prober     *fakeProber
	transcoder *fakeTranscoder
	outputDir  string
}

func newHarness(t *testing.T, h *harness, opts ...WorkerOption) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.DriverSQLite, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if h.fetcher == nil {
		h.fetcher = &fakeFetcher{}
	}
	if h.prober == nil {
		h.prober = &fakeProber{duration: 120 * time.Second}
	}
	if h.transcoder == nil {
		h.transcoder = &fakeTranscoder{}
	}
	h.store = store
	h.queue = queue.New(store, queue.EventBuffer(256))
	h.outputDir = t.TempDir()

	stages := Stages{
		Sources:    media.NewSourceCache(t.TempDir(), h.fetcher),
		Prober:     h.prober,
		Transcoder: h.transcoder,
		Executor:   media.NewExecutor(2),
	}
	base := []WorkerOption{
		Concurrency(2),
		PollInterval(5*time.Millisecond, 20*time.Millisecond),
		StaleLockInterval(0),
		RetryBackoff(10*time.Millisecond, 10*time.Millisecond),
		OutputDir(h.outputDir),
		MinOutputBytes(16),
		DisableRetry(),
	}
	h.pool = NewPool(h.queue, stages, append(base, opts...)...)
	return h
}

func (h *harness) withPublisher(p *fakePublisher) *harness {
	h.pool.stages.Publisher = p
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("pool stopped with %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
}

func (h *harness) submit(t *testing.T) string {
	t.Helper()
	id, err := h.queue.Submit(context.Background(), queue.SubmitRequest{SourceID: testSourceID})
	require.NoError(t, err)
	return id
}

func (h *harness) waitTerminal(t *testing.T, id string) *core.Job {
	t.Helper()
	var job *core.Job
	require.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}
