package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/media"
	"github.com/jdziat/clipjobs/pkg/security"
)

// Stage names used in logs and measurements.
const (
	StageResolve   = "resolve"
	StageProbe     = "probe"
	StageTranscode = "transcode"
	StagePublish   = "publish"
)

// Progress band reserved for the transcode stage.
const (
	transcodeStart = 20
	transcodeEnd   = 90
)

// OutputExt is the extension of finished clips.
const OutputExt = ".mp4"

type result struct {
	locator   string
	localPath string
}

// run carries one attempt of one job through the stages.
type run struct {
	pool  *Pool
	job   *core.Job
	abort context.CancelCauseFunc
	log   *zap.Logger
}

func (r *run) execute(ctx context.Context) (res result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("job panicked", zap.Any("panic", rec), zap.Stack("stack"))
			err = core.NewError(core.CategoryInternal, "unexpected processing error", fmt.Errorf("panic: %v", rec))
		}
	}()

	src, err := r.resolve(ctx)
	if err != nil {
		return res, err
	}
	window, err := r.probe(ctx, src)
	if err != nil {
		return res, err
	}
	out, err := r.transcode(ctx, src, window)
	if err != nil {
		return res, err
	}
	return result{locator: r.publish(ctx, out), localPath: out}, nil
}

func (r *run) resolve(ctx context.Context) (string, error) {
	r.report(ctx, 5, "Downloading source video")

	start := time.Now()
	path, cached, err := r.pool.stages.Sources.Resolve(ctx, r.job.SourceID)
	r.observe(StageResolve, start, err)
	if err != nil {
		return "", stageError(ctx, "fetch", err)
	}

	r.log.Debug("source resolved", zap.String("stage", StageResolve), zap.Bool("cached", cached))
	r.report(ctx, 15, "Source video ready")
	return path, nil
}

func (r *run) probe(ctx context.Context, src string) (media.Window, error) {
	r.report(ctx, 17, "Analysing video")

	start := time.Now()
	total, err := r.pool.stages.Prober.Probe(ctx, src)
	if err == nil {
		err = r.pool.config.Window.Check(total)
	}
	r.observe(StageProbe, start, err)
	if err != nil {
		return media.Window{}, stageError(ctx, "probe", err)
	}

	w := r.pool.config.Window.SelectWindow(total)
	r.log.Debug("clip window selected",
		zap.String("stage", StageProbe),
		zap.Duration("source_duration", total),
		zap.Duration("offset", w.Offset),
		zap.Duration("length", w.Length),
	)
	return w, nil
}

func (r *run) transcode(ctx context.Context, src string, w media.Window) (string, error) {
	out, ok := security.ContainedPath(r.pool.config.OutputDir, r.job.ID+OutputExt)
	if !ok {
		return "", core.NewError(core.CategoryInternal, "invalid output path", nil)
	}
	r.report(ctx, transcodeStart, "Transcoding clip")

	last := transcodeStart
	onProgress := func(percent int, label string) {
		mapped := transcodeStart + security.ClampPercent(percent)*(transcodeEnd-transcodeStart)/100
		if mapped <= last {
			return
		}
		last = mapped
		r.report(ctx, mapped, label)
	}

	start := time.Now()
	task := func(taskCtx context.Context) error {
		return r.pool.stages.Transcoder.Transcode(taskCtx, src, out, w, r.pool.config.Profile, onProgress)
	}
	err := r.pool.stages.Executor.Submit(ctx, task).Wait(ctx)
	if err == nil {
		err = r.checkOutput(out)
	}
	r.observe(StageTranscode, start, err)
	if err != nil {
		_ = os.Remove(out)
		return "", stageError(ctx, "transcode", err)
	}

	r.report(ctx, transcodeEnd, "Finalising clip")
	return out, nil
}

func (r *run) checkOutput(out string) error {
	info, err := os.Stat(out)
	if err != nil {
		return core.TranscodeFailed("transcoder produced no output", err)
	}
	if info.Size() < r.pool.config.MinOutputBytes {
		return core.TranscodeFailed(
			fmt.Sprintf("transcoder output is too small (%d bytes)", info.Size()), nil)
	}
	return nil
}

// publish uploads the clip when a publisher is configured. A failed upload
// leaves the local output as the result.
func (r *run) publish(ctx context.Context, out string) string {
	pub := r.pool.stages.Publisher
	if pub == nil {
		return out
	}
	r.report(ctx, 95, "Uploading clip")

	start := time.Now()
	locator, err := pub.Publish(ctx, out, r.job.ID+OutputExt)
	r.observe(StagePublish, start, err)
	if err != nil {
		r.log.Warn("publish failed, keeping local output",
			zap.String("stage", StagePublish),
			zap.String("category", string(core.CategoryPublish)),
			zap.Error(core.PublishFailed(err)),
		)
		return out
	}
	return locator
}

// report persists progress and emits it. A rejected write means another
// worker or the sweeper owns the job now, so the attempt is aborted.
func (r *run) report(ctx context.Context, percent int, label string) {
	job, err := r.pool.queue.Store().UpdateProgress(ctx, r.job.ID, r.pool.config.WorkerID, percent, label)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !IsRetryableError(err) {
			r.log.Warn("progress update rejected, aborting job", zap.Error(err))
			r.abort(errLockLost)
			return
		}
		r.log.Warn("progress update failed", zap.Int("percent", percent), zap.Error(err))
		return
	}
	r.pool.queue.Emit(&core.JobProgress{Job: job, Timestamp: time.Now()})
}

func (r *run) observe(stage string, start time.Time, err error) {
	r.pool.config.Observer.ObserveStage(stage, time.Since(start), err)
}

// stageError makes sure a failure caused by the job deadline is reported as
// a timeout of the stage that was running.
func stageError(ctx context.Context, stage string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && core.CategoryOf(err) != core.CategoryTimeout {
		return core.Timeout(stage, err)
	}
	return err
}
