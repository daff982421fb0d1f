package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jdziat/clipjobs/pkg/core"
)

// SourceExt is the file extension of cached sources.
const SourceExt = ".src"

// PartExt marks files still being written.
const PartExt = ".part"

// DefaultFetchTimeout bounds one shared download.
const DefaultFetchTimeout = 15 * time.Minute

// SourceCache resolves source identifiers to local files, downloading each
// source at most once at a time. Files become visible under their final name
// only once complete.
type SourceCache struct {
	dir      string
	fetcher  Fetcher
	minBytes int64
	timeout  time.Duration
	group    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
}

// CacheOption configures a SourceCache.
type CacheOption func(*SourceCache)

// WithMinSourceBytes sets the smallest file accepted as a usable source.
func WithMinSourceBytes(n int64) CacheOption {
	return func(c *SourceCache) { c.minBytes = n }
}

// WithFetchTimeout bounds each download. Downloads are shared between
// callers, so they run under this limit rather than any caller's context.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *SourceCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *SourceCache) { c.logger = l }
}

// NewSourceCache creates a cache storing sources in dir.
func NewSourceCache(dir string, fetcher Fetcher, opts ...CacheOption) *SourceCache {
	c := &SourceCache{
		dir:      dir,
		fetcher:  fetcher,
		minBytes: 1,
		timeout:  DefaultFetchTimeout,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the scratch directory.
func (c *SourceCache) Dir() string {
	return c.dir
}

// Path returns where the source for sourceID is cached.
func (c *SourceCache) Path(sourceID string) string {
	return filepath.Join(c.dir, sourceID+SourceExt)
}

// Resolve returns a local path for sourceID, fetching it when no usable
// cached copy exists. cached reports whether the fetch was skipped.
// Cancelling ctx abandons the wait but not a download other callers share.
func (c *SourceCache) Resolve(ctx context.Context, sourceID string) (path string, cached bool, err error) {
	path = c.Path(sourceID)
	if c.usable(path) {
		c.touch(path)
		return path, true, nil
	}

	ch := c.group.DoChan(sourceID, func() (any, error) {
		if c.usable(path) {
			return true, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		err := c.fetch(fetchCtx, sourceID, path)
		if err != nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && core.CategoryOf(err) != core.CategoryTimeout {
			err = core.Timeout("fetch", err)
		}
		return false, err
	})

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", false, core.Timeout("fetch", ctx.Err())
		}
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", false, res.Err
		}
		hit, _ := res.Val.(bool)
		return path, hit || res.Shared, nil
	}
}

func (c *SourceCache) fetch(ctx context.Context, sourceID, path string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return core.NewError(core.CategoryInternal, "scratch directory is not writable", err)
	}
	part := filepath.Join(c.dir, fmt.Sprintf("%s.%s%s", sourceID, uuid.NewString()[:8], PartExt))
	defer os.Remove(part)

	start := c.now()
	if err := c.fetcher.Fetch(ctx, sourceID, part); err != nil {
		return err
	}

	info, err := os.Stat(part)
	if err != nil {
		return core.SourceUnavailable("downloaded source is missing", err)
	}
	if info.Size() < c.minBytes {
		return core.SourceUnavailable(
			fmt.Sprintf("downloaded source is too small (%d bytes)", info.Size()), nil)
	}
	if err := os.Rename(part, path); err != nil {
		return core.NewError(core.CategoryInternal, "could not store downloaded source", err)
	}

	c.logger.Info("source fetched",
		zap.String("source_id", sourceID),
		zap.Int64("bytes", info.Size()),
		zap.Duration("elapsed", c.now().Sub(start)),
	)
	return nil
}

func (c *SourceCache) usable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() >= c.minBytes
}

// touch refreshes the modification time so the reaper keeps sources in use.
func (c *SourceCache) touch(path string) {
	now := c.now()
	_ = os.Chtimes(path, now, now)
}
