package queue

import (
	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/security"
)

// Options holds configuration for a Queue.
type Options struct {
	MaxAttempts int
	EventBuffer int
	Logger      *zap.Logger
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		MaxAttempts: core.DefaultMaxAttempts,
		EventBuffer: 100,
		Logger:      zap.NewNop(),
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// MaxAttempts sets how many times a job may be claimed in total.
// Values are clamped to [1, security.MaxAttempts].
func MaxAttempts(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxAttempts = security.ClampAttempts(n)
	})
}

// EventBuffer sets the buffer of channels returned by Events.
func EventBuffer(n int) Option {
	return optionFunc(func(o *Options) {
		if n > 0 {
			o.EventBuffer = n
		}
	})
}

// Logger sets the logger.
func Logger(l *zap.Logger) Option {
	return optionFunc(func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	})
}
