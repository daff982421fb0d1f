// Package config loads service configuration from a YAML file, .env files,
// and environment variables named by `env` struct tags.
//
// Environment values always win over the file. A missing file is not an
// error; the defaults plus the environment are used instead.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/clipjobs/pkg/broadcast"
	"github.com/jdziat/clipjobs/pkg/logger"
	"github.com/jdziat/clipjobs/pkg/publish"
)

// Config is the complete service configuration.
type Config struct {
	Logging   logger.Config         `yaml:"logging"`
	Database  DatabaseConfig        `yaml:"database"`
	Server    ServerConfig          `yaml:"server"`
	Worker    WorkerConfig          `yaml:"worker"`
	Media     MediaConfig           `yaml:"media"`
	Publish   publish.S3Config      `yaml:"publish"`
	Redis     broadcast.RedisConfig `yaml:"redis"`
	Broadcast BroadcastConfig       `yaml:"broadcast"`
	Reaper    ReaperConfig          `yaml:"reaper"`
}

// DatabaseConfig selects the job store backend.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"CLIPJOBS_DB_DRIVER"`
	DSN             string        `yaml:"dsn" env:"CLIPJOBS_DB_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"CLIPJOBS_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"CLIPJOBS_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CLIPJOBS_DB_CONN_MAX_LIFETIME"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"CLIPJOBS_ADDR"`
	Mode            string        `yaml:"mode" env:"GIN_MODE"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"CLIPJOBS_READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CLIPJOBS_SHUTDOWN_TIMEOUT"`
	SSEHeartbeat    time.Duration `yaml:"sse_heartbeat" env:"CLIPJOBS_SSE_HEARTBEAT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"CLIPJOBS_ALLOWED_ORIGINS"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Concurrency          int           `yaml:"concurrency" env:"CLIPJOBS_WORKER_CONCURRENCY"`
	TranscodeParallelism int           `yaml:"transcode_parallelism" env:"CLIPJOBS_TRANSCODE_PARALLELISM"`
	PollInterval         time.Duration `yaml:"poll_interval" env:"CLIPJOBS_POLL_INTERVAL"`
	MaxIdleBackoff       time.Duration `yaml:"max_idle_backoff" env:"CLIPJOBS_MAX_IDLE_BACKOFF"`
	JobTimeout           time.Duration `yaml:"job_timeout" env:"CLIPJOBS_JOB_TIMEOUT"`
	LockDuration         time.Duration `yaml:"lock_duration" env:"CLIPJOBS_LOCK_DURATION"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" env:"CLIPJOBS_HEARTBEAT_INTERVAL"`
	StaleLockInterval    time.Duration `yaml:"stale_lock_interval" env:"CLIPJOBS_STALE_LOCK_INTERVAL"`
	DrainTimeout         time.Duration `yaml:"drain_timeout" env:"CLIPJOBS_DRAIN_TIMEOUT"`
	MaxAttempts          int           `yaml:"max_attempts" env:"CLIPJOBS_MAX_ATTEMPTS"`
	RetryBase            time.Duration `yaml:"retry_base" env:"CLIPJOBS_RETRY_BASE"`
	RetryMax             time.Duration `yaml:"retry_max" env:"CLIPJOBS_RETRY_MAX"`
}

// MediaConfig configures fetch, probe and transcode.
type MediaConfig struct {
	ScratchDir       string        `yaml:"scratch_dir" env:"CLIPJOBS_SCRATCH_DIR"`
	OutputDir        string        `yaml:"output_dir" env:"CLIPJOBS_OUTPUT_DIR"`
	FetcherBinary    string        `yaml:"fetcher_binary" env:"CLIPJOBS_FETCHER_BINARY"`
	ProbeBinary      string        `yaml:"probe_binary" env:"CLIPJOBS_PROBE_BINARY"`
	TranscoderBinary string        `yaml:"transcoder_binary" env:"CLIPJOBS_TRANSCODER_BINARY"`
	MinSourceBytes   int64         `yaml:"min_source_bytes" env:"CLIPJOBS_MIN_SOURCE_BYTES"`
	MinOutputBytes   int64         `yaml:"min_output_bytes" env:"CLIPJOBS_MIN_OUTPUT_BYTES"`
	FetchRate        float64       `yaml:"fetch_rate" env:"CLIPJOBS_FETCH_RATE"`
	FetchBurst       int           `yaml:"fetch_burst" env:"CLIPJOBS_FETCH_BURST"`
	MinDuration      time.Duration `yaml:"min_duration" env:"CLIPJOBS_MIN_DURATION"`
	MaxDuration      time.Duration `yaml:"max_duration" env:"CLIPJOBS_MAX_DURATION"`
	ClipFloor        time.Duration `yaml:"clip_floor" env:"CLIPJOBS_CLIP_FLOOR"`
	ClipCeiling      time.Duration `yaml:"clip_ceiling" env:"CLIPJOBS_CLIP_CEILING"`
}

// BroadcastConfig configures real-time progress fan-out.
type BroadcastConfig struct {
	BufferSize int    `yaml:"buffer_size" env:"CLIPJOBS_BROADCAST_BUFFER"`
	Channel    string `yaml:"channel" env:"CLIPJOBS_BROADCAST_CHANNEL"`
}

// ReaperConfig configures the scratch-space reaper.
type ReaperConfig struct {
	Interval time.Duration `yaml:"interval" env:"CLIPJOBS_REAPER_INTERVAL"`
	Schedule string        `yaml:"schedule" env:"CLIPJOBS_REAPER_SCHEDULE"`
	MaxAge   time.Duration `yaml:"max_age" env:"CLIPJOBS_REAPER_MAX_AGE"`
	Disabled bool          `yaml:"disabled" env:"CLIPJOBS_REAPER_DISABLED"`
}

// PublishEnabled reports whether finished clips are uploaded.
func (c *Config) PublishEnabled() bool {
	return c.Publish.Bucket != ""
}

// RedisEnabled reports whether progress is relayed between processes.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Address != ""
}

// Load reads path (optional), applies defaults, and applies environment
// overrides. The result is validated.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "clipjobs.db"
	}

	setDefault(&c.Server.Addr, ":8080")
	setDefault(&c.Server.Mode, "release")
	setDefault(&c.Server.ReadTimeout, 15*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 10*time.Second)
	setDefault(&c.Server.SSEHeartbeat, 15*time.Second)

	w := &c.Worker
	setDefault(&w.Concurrency, 2)
	setDefault(&w.TranscodeParallelism, w.Concurrency)
	setDefault(&w.PollInterval, 250*time.Millisecond)
	setDefault(&w.MaxIdleBackoff, 5*time.Second)
	setDefault(&w.JobTimeout, 15*time.Minute)
	setDefault(&w.LockDuration, 5*time.Minute)
	setDefault(&w.HeartbeatInterval, time.Minute)
	setDefault(&w.StaleLockInterval, time.Minute)
	setDefault(&w.DrainTimeout, 30*time.Second)
	setDefault(&w.MaxAttempts, 2)
	setDefault(&w.RetryBase, 30*time.Second)
	setDefault(&w.RetryMax, 5*time.Minute)

	m := &c.Media
	setDefault(&m.ScratchDir, "scratch")
	setDefault(&m.OutputDir, "outputs")
	setDefault(&m.FetcherBinary, "yt-dlp")
	setDefault(&m.ProbeBinary, "ffprobe")
	setDefault(&m.TranscoderBinary, "ffmpeg")
	setDefault(&m.MinSourceBytes, 1024)
	setDefault(&m.MinOutputBytes, 1024)
	setDefault(&m.FetchRate, 1.0)
	setDefault(&m.FetchBurst, 3)
	setDefault(&m.MinDuration, 10*time.Second)
	setDefault(&m.MaxDuration, 30*time.Minute)
	setDefault(&m.ClipFloor, 5*time.Second)
	setDefault(&m.ClipCeiling, 30*time.Second)

	setDefault(&c.Broadcast.BufferSize, broadcast.DefaultBufferSize)
	setDefault(&c.Broadcast.Channel, broadcast.DefaultChannel)

	setDefault(&c.Reaper.Interval, 10*time.Minute)
	setDefault(&c.Reaper.MaxAge, 2*time.Hour)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
