package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/security"
)

func TestNewOptions_Defaults(t *testing.T) {
	o := NewOptions()
	assert.Equal(t, core.DefaultMaxAttempts, o.MaxAttempts)
	assert.Equal(t, 100, o.EventBuffer)
	assert.NotNil(t, o.Logger)
}

func TestMaxAttempts_Clamped(t *testing.T) {
	o := NewOptions()
	MaxAttempts(0).Apply(o)
	assert.Equal(t, 1, o.MaxAttempts)

	MaxAttempts(1000).Apply(o)
	assert.Equal(t, security.MaxAttempts, o.MaxAttempts)

	MaxAttempts(3).Apply(o)
	assert.Equal(t, 3, o.MaxAttempts)
}

func TestEventBuffer_IgnoresNonPositive(t *testing.T) {
	o := NewOptions()
	EventBuffer(-1).Apply(o)
	assert.Equal(t, 100, o.EventBuffer)
	EventBuffer(5).Apply(o)
	assert.Equal(t, 5, o.EventBuffer)
}

func TestLogger_IgnoresNil(t *testing.T) {
	o := NewOptions()
	l := zap.NewExample()
	Logger(l).Apply(o)
	assert.Same(t, l, o.Logger)
	Logger(nil).Apply(o)
	assert.Same(t, l, o.Logger)
}
