package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel shared by all processes.
const DefaultChannel = "clipjobs:events"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address  string `yaml:"address" env:"REDIS_ADDRESS"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// connectionTimeout is the timeout for verifying Redis connection.
const connectionTimeout = 5 * time.Second

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// RedisRelay connects broadcasters in separate processes. Locally published
// messages go out on a pub/sub channel and messages from other processes are
// delivered to local subscribers.
type RedisRelay struct {
	client  *redis.Client
	b       *Broadcaster
	channel string
	origin  string
	logger  *zap.Logger
	outbox  chan Message
	done    chan struct{}
	dropped func()
}

// RelayOption configures a RedisRelay.
type RelayOption func(*RedisRelay)

// WithChannel overrides the pub/sub channel.
func WithChannel(name string) RelayOption {
	return func(r *RedisRelay) { r.channel = name }
}

// WithRelayLogger sets the logger.
func WithRelayLogger(l *zap.Logger) RelayOption {
	return func(r *RedisRelay) { r.logger = l }
}

// WithRelayDropHook is called when the outbound queue is full.
func WithRelayDropHook(fn func()) RelayOption {
	return func(r *RedisRelay) { r.dropped = fn }
}

// NewRedisRelay creates a relay for b.
func NewRedisRelay(client *redis.Client, b *Broadcaster, opts ...RelayOption) *RedisRelay {
	r := &RedisRelay{
		client:  client,
		b:       b,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		logger:  zap.NewNop(),
		outbox:  make(chan Message, 256),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to the channel and begins relaying in both directions.
// It returns once the subscription is confirmed; relaying stops when ctx ends.
func (r *RedisRelay) Start(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.b.Tap(r.enqueue)

	go func() {
		defer close(r.done)
		defer sub.Close()
		incoming := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-incoming:
				if !ok {
					return
				}
				r.receive(m.Payload)
			case msg := <-r.outbox:
				r.send(ctx, msg)
			}
		}
	}()

	r.logger.Info("event relay started", zap.String("channel", r.channel), zap.String("origin", r.origin))
	return nil
}

// Done is closed once the relay has stopped.
func (r *RedisRelay) Done() <-chan struct{} {
	return r.done
}

func (r *RedisRelay) enqueue(msg Message) {
	select {
	case r.outbox <- msg:
	default:
		if r.dropped != nil {
			r.dropped()
		}
		r.logger.Warn("event relay queue full, dropping event", zap.String("job_id", msg.Status.JobID))
	}
}

func (r *RedisRelay) send(ctx context.Context, msg Message) {
	payload, err := json.Marshal(envelope{Origin: r.origin, Message: msg})
	if err != nil {
		r.logger.Error("encode relay event", zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("publish relay event", zap.String("job_id", msg.Status.JobID), zap.Error(err))
	}
}

func (r *RedisRelay) receive(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("decode relay event", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.b.Deliver(env.Message)
}
