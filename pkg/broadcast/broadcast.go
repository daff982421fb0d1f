// Package broadcast fans job progress out to real-time subscribers.
package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 16

// Message is one real-time event for a job.
type Message struct {
	Type   string      `json:"type"`
	Status core.Status `json:"status"`
}

// Terminal reports whether the message ends the job's event stream.
func (m Message) Terminal() bool {
	return m.Type == core.EventCompleted || m.Type == core.EventFailed
}

// FromEvent converts a lifecycle event into a client message. Events outside
// the client contract are skipped.
func FromEvent(e core.Event) (Message, bool) {
	typ := core.ClientEventType(e)
	if typ == "" {
		return Message{}, false
	}
	var job *core.Job
	switch ev := e.(type) {
	case *core.JobProgress:
		job = ev.Job
	case *core.JobCompleted:
		job = ev.Job
	case *core.JobFailed:
		job = ev.Job
	}
	if job == nil {
		return Message{}, false
	}
	return Message{Type: typ, Status: core.StatusOf(job)}, true
}

type subscriber struct {
	ch   chan Message
	once sync.Once
}

// Broadcaster delivers messages to the subscribers of each job. It keeps no
// history: a subscriber only sees messages published after it subscribed.
// Publishing never blocks; a subscriber whose buffer is full misses the message.
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[string]map[uint64]*subscriber
	nextID     atomic.Uint64
	bufferSize int
	dropped    atomic.Int64
	logger     *zap.Logger
	onDrop     func()

	tapMu sync.RWMutex
	taps  []func(Message)
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithDropHook is called once for every message dropped for a slow subscriber.
func WithDropHook(fn func()) Option {
	return func(b *Broadcaster) { b.onDrop = fn }
}

// New creates a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:       make(map[string]map[uint64]*subscriber),
		bufferSize: DefaultBufferSize,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a listener for jobID. The returned function removes
// the listener and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(jobID string) (<-chan Message, func()) {
	id := b.nextID.Add(1)
	s := &subscriber{ch: make(chan Message, b.bufferSize)}

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[uint64]*subscriber)
	}
	b.subs[jobID][id] = s
	b.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[jobID], id)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, cancel
}

// Publish delivers msg locally and hands it to every tap.
func (b *Broadcaster) Publish(msg Message) {
	b.Deliver(msg)

	b.tapMu.RLock()
	taps := b.taps
	b.tapMu.RUnlock()
	for _, tap := range taps {
		tap(msg)
	}
}

// PublishEvent converts and publishes a lifecycle event.
func (b *Broadcaster) PublishEvent(e core.Event) {
	if msg, ok := FromEvent(e); ok {
		b.Publish(msg)
	}
}

// Deliver sends msg to local subscribers only.
func (b *Broadcaster) Deliver(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[msg.Status.JobID] {
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			b.logger.Debug("dropped event for slow subscriber",
				zap.String("job_id", msg.Status.JobID),
				zap.String("event", msg.Type),
			)
		}
	}
}

// Tap registers fn to see every locally published message.
func (b *Broadcaster) Tap(fn func(Message)) {
	b.tapMu.Lock()
	defer b.tapMu.Unlock()
	b.taps = append(append([]func(Message){}, b.taps...), fn)
}

// Dropped returns the number of messages dropped for slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of listeners for jobID.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
