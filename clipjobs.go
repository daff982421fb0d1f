// Package clipjobs turns video links into short vertical clips through an
// asynchronous job pipeline.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages and assembles them from a single Config.
//
// Basic usage:
//
//	cfg, _ := config.Load("clipjobs.yaml")
//	app, _ := clipjobs.Open(ctx, cfg)
//	defer app.Close()
//
//	// Serve the HTTP API and run workers in one process
//	app.Run(ctx, clipjobs.ModeAll)
package clipjobs

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/clipjobs/api"
	"github.com/jdziat/clipjobs/pkg/broadcast"
	"github.com/jdziat/clipjobs/pkg/config"
	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/logger"
	"github.com/jdziat/clipjobs/pkg/media"
	"github.com/jdziat/clipjobs/pkg/metrics"
	"github.com/jdziat/clipjobs/pkg/publish"
	"github.com/jdziat/clipjobs/pkg/queue"
	"github.com/jdziat/clipjobs/pkg/reaper"
	"github.com/jdziat/clipjobs/pkg/storage"
	"github.com/jdziat/clipjobs/pkg/worker"
)

// Type aliases for the public surface.
type (
	// Job is one request to produce a clip from one source.
	Job = core.Job

	// Status is the client-facing view of a job.
	Status = core.Status

	// JobState is the lifecycle state of a job.
	JobState = core.JobState

	// Category classifies a failure.
	Category = core.Category

	// Store defines the persistence layer for jobs.
	Store = core.Store

	// Event is the interface for all lifecycle events.
	Event = core.Event

	// Queue is the submission side of the pipeline.
	Queue = queue.Queue

	// SubmitRequest asks for a clip of one source.
	SubmitRequest = queue.SubmitRequest

	// Pool claims and processes jobs.
	Pool = worker.Pool

	// Stages are the collaborators a job passes through.
	Stages = worker.Stages

	// Config is the full service configuration.
	Config = config.Config
)

// Job states.
const (
	StateQueued    = core.StateQueued
	StateActive    = core.StateActive
	StateCompleted = core.StateCompleted
	StateFailed    = core.StateFailed
)

// Mode selects which roles Run starts.
type Mode string

const (
	// ModeServe runs the HTTP API only.
	ModeServe Mode = "serve"
	// ModeWorker runs the worker pool and the reaper.
	ModeWorker Mode = "worker"
	// ModeAll runs everything in one process.
	ModeAll Mode = "all"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeServe, ModeWorker, ModeAll:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want serve, worker or all)", s)
}

// App is a fully wired clip service.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Store       *storage.GormStorage
	Queue       *queue.Queue
	Broadcaster *broadcast.Broadcaster
	Metrics     *metrics.Metrics
	Pool        *worker.Pool
	Reaper      *reaper.Reaper
	Server      *api.Server

	redis        *redis.Client
	relay        *broadcast.RedisRelay
	relayStarted bool
}

// OpenOption customises Open.
type OpenOption func(*openOptions)

type openOptions struct {
	logger *zap.Logger
	stages *worker.Stages
}

// WithLogger uses l instead of building one from the logging config.
func WithLogger(l *zap.Logger) OpenOption {
	return func(o *openOptions) { o.logger = l }
}

// WithStages replaces the external-tool stages. A nil Publisher in s falls
// back to the configured one.
func WithStages(s Stages) OpenOption {
	return func(o *openOptions) { o.stages = &s }
}

// Open connects to every configured dependency and assembles the service.
// Optional dependencies (Redis relay, S3 publishing) are only dialled when
// configured.
func Open(ctx context.Context, cfg *config.Config, opts ...OpenOption) (*App, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		var err error
		if log, err = logger.New(cfg.Logging); err != nil {
			return nil, err
		}
	}
	gin.SetMode(cfg.Server.Mode)

	for _, dir := range []string{cfg.Media.ScratchDir, cfg.Media.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, poolOptions(cfg.Database)...)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  log,
		Store:   store,
		Metrics: metrics.New(nil),
	}

	a.Broadcaster = broadcast.New(
		broadcast.WithBufferSize(cfg.Broadcast.BufferSize),
		broadcast.WithLogger(log.Named("broadcast")),
		broadcast.WithDropHook(a.Metrics.DroppedEvent),
	)

	a.Queue = queue.New(store,
		queue.MaxAttempts(cfg.Worker.MaxAttempts),
		queue.Logger(log.Named("queue")),
	)
	a.Queue.Listen(a.Broadcaster.PublishEvent)
	a.Queue.Listen(a.Metrics.ObserveEvent)

	apiOpts := []api.Option{
		api.WithLogger(log.Named("api")),
		api.WithMetrics(a.Metrics),
		api.WithSSEHeartbeat(cfg.Server.SSEHeartbeat),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	}

	if cfg.RedisEnabled() {
		client, err := broadcast.NewRedisClient(cfg.Redis)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.redis = client
		a.relay = broadcast.NewRedisRelay(client, a.Broadcaster,
			broadcast.WithChannel(cfg.Broadcast.Channel),
			broadcast.WithRelayLogger(log.Named("relay")),
			broadcast.WithRelayDropHook(a.Metrics.DroppedEvent),
		)
		apiOpts = append(apiOpts, api.WithHealthCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}

	stages, err := a.buildStages(ctx, cfg, o.stages)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if p, ok := stages.Publisher.(*publish.S3Publisher); ok {
		apiOpts = append(apiOpts, api.WithHealthCheck("publisher", p.Ping))
	}

	a.Pool = worker.NewPool(a.Queue, stages, workerOptions(cfg, log, a.Metrics)...)

	reaperOpts := []reaper.Option{
		reaper.WithInterval(cfg.Reaper.Interval),
		reaper.WithLogger(log.Named("reaper")),
		reaper.WithSweepHook(a.Metrics.ObserveSweep),
	}
	if cfg.Reaper.Schedule != "" {
		reaperOpts = append(reaperOpts, reaper.WithSchedule(cfg.Reaper.Schedule))
	}
	a.Reaper = reaper.New([]string{cfg.Media.ScratchDir, cfg.Media.OutputDir}, cfg.Reaper.MaxAge, reaperOpts...)

	a.Server = api.New(a.Queue, a.Broadcaster, cfg.Media.OutputDir, apiOpts...)
	return a, nil
}

func (a *App) buildStages(ctx context.Context, cfg *config.Config, override *worker.Stages) (worker.Stages, error) {
	var stages worker.Stages
	if override != nil {
		stages = *override
	} else {
		m := cfg.Media
		fetcher := media.NewRateLimitedFetcher(media.NewYtDlpFetcher(m.FetcherBinary), m.FetchRate, m.FetchBurst)
		stages = worker.Stages{
			Sources: media.NewSourceCache(m.ScratchDir, fetcher,
				media.WithMinSourceBytes(m.MinSourceBytes),
				media.WithFetchTimeout(cfg.Worker.JobTimeout),
				media.WithCacheLogger(a.Logger.Named("cache")),
			),
			Prober:     media.NewFFProbe(m.ProbeBinary),
			Transcoder: media.NewFFmpegTranscoder(m.TranscoderBinary),
		}
	}
	if stages.Executor == nil {
		stages.Executor = media.NewExecutor(cfg.Worker.TranscodeParallelism)
	}
	if stages.Publisher == nil && cfg.PublishEnabled() {
		p, err := publish.NewS3Publisher(ctx, cfg.Publish)
		if err != nil {
			return stages, err
		}
		stages.Publisher = p
	}
	return stages, nil
}

func poolOptions(db config.DatabaseConfig) []storage.PoolOption {
	var opts []storage.PoolOption
	if db.MaxOpenConns > 0 {
		opts = append(opts, storage.MaxOpenConns(db.MaxOpenConns))
	}
	if db.MaxIdleConns > 0 {
		opts = append(opts, storage.MaxIdleConns(db.MaxIdleConns))
	}
	if db.ConnMaxLifetime > 0 {
		opts = append(opts, storage.ConnMaxLifetime(db.ConnMaxLifetime))
	}
	return opts
}

func workerOptions(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) []worker.WorkerOption {
	w, md := cfg.Worker, cfg.Media
	return []worker.WorkerOption{
		worker.Concurrency(w.Concurrency),
		worker.PollInterval(w.PollInterval, w.MaxIdleBackoff),
		worker.JobTimeout(w.JobTimeout),
		worker.LockDuration(w.LockDuration, w.HeartbeatInterval),
		worker.StaleLockInterval(w.StaleLockInterval),
		worker.DrainTimeout(w.DrainTimeout),
		worker.RetryBackoff(w.RetryBase, w.RetryMax),
		worker.OutputDir(md.OutputDir),
		worker.MinOutputBytes(md.MinOutputBytes),
		worker.WithWindowPolicy(media.WindowPolicy{
			MinDuration: md.MinDuration,
			MaxDuration: md.MaxDuration,
			Floor:       md.ClipFloor,
			Ceiling:     md.ClipCeiling,
		}),
		worker.WithLogger(log.Named("worker")),
		worker.WithObserver(m),
	}
}

// Run starts the roles selected by mode and blocks until ctx is cancelled or
// one of them fails. A clean shutdown returns nil.
func (a *App) Run(ctx context.Context, mode Mode) error {
	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return fmt.Errorf("start event relay: %w", err)
		}
		a.relayStarted = true
	}

	g, ctx := errgroup.WithContext(ctx)
	if mode == ModeServe || mode == ModeAll {
		g.Go(func() error {
			return a.Server.ListenAndServe(ctx, a.Config.Server.Addr,
				a.Config.Server.ReadTimeout, a.Config.Server.ShutdownTimeout)
		})
	}
	if mode == ModeWorker || mode == ModeAll {
		g.Go(func() error { return a.Pool.Start(ctx) })
		if !a.Config.Reaper.Disabled {
			g.Go(func() error { return a.Reaper.Start(ctx) })
		}
	}

	a.Logger.Info("clipjobs running",
		zap.String("mode", string(mode)),
		zap.String("worker_id", a.Pool.Config().WorkerID),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every connection held by the app.
func (a *App) Close() error {
	var errs []error
	if a.relayStarted {
		<-a.relay.Done()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
