// Package api exposes the clip pipeline over HTTP with gin.
//
// Routes:
//
//	POST   /api/v1/clips              submit a job
//	GET    /api/v1/clips              list recent jobs
//	GET    /api/v1/clips/:id          job status
//	GET    /api/v1/clips/:id/events   server-sent progress events
//	GET    /api/v1/clips/:id/file     byte-range download of the clip
//	DELETE /api/v1/clips/:id          cancel a job
//	GET    /api/v1/videos/validate    resolve a reference without submitting
//	GET    /api/v1/stats              job counts by state and failure category
//	GET    /health                    liveness
//	GET    /health/dependencies       dependency checks
//	GET    /metrics                   Prometheus metrics
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/broadcast"
	"github.com/jdziat/clipjobs/pkg/metrics"
	"github.com/jdziat/clipjobs/pkg/queue"
)

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	queue       *queue.Queue
	broadcaster *broadcast.Broadcaster
	outputDir   string

	logger         *zap.Logger
	metrics        *metrics.Metrics
	checks         []namedCheck
	heartbeat      time.Duration
	allowedOrigins []string

	router    *gin.Engine
	closing   chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealthCheck adds a dependency to /health/dependencies.
func WithHealthCheck(name string, fn CheckFunc) Option {
	return func(s *Server) { s.checks = append(s.checks, namedCheck{name: name, fn: fn}) }
}

// WithSSEHeartbeat sets the keep-alive interval of event streams.
func WithSSEHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithAllowedOrigins enables CORS for the given origins. "*" allows any.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// New builds the router. Clips are served from outputDir.
func New(q *queue.Queue, b *broadcast.Broadcaster, outputDir string, opts ...Option) *Server {
	s := &Server{
		queue:       q,
		broadcaster: b,
		outputDir:   outputDir,
		logger:      zap.NewNop(),
		heartbeat:   15 * time.Second,
		closing:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.checks = append([]namedCheck{{name: "database", fn: q.Store().Ping}}, s.checks...)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(
		recoveryMiddleware(s.logger),
		requestIDMiddleware(),
		loggerMiddleware(s.logger),
	)
	if s.metrics != nil {
		r.Use(metricsMiddleware(s.metrics))
	}
	if len(s.allowedOrigins) > 0 {
		r.Use(corsMiddleware(s.allowedOrigins))
	}

	v1 := r.Group("/api/v1")
	{
		clips := v1.Group("/clips")
		clips.POST("", s.submit)
		clips.GET("", s.list)
		clips.GET("/:id", s.status)
		clips.GET("/:id/events", s.events)
		clips.GET("/:id/file", s.file)
		clips.DELETE("/:id", s.cancel)

		v1.GET("/videos/validate", s.validate)
		v1.GET("/stats", s.stats)
	}

	r.GET("/health", s.health)
	r.GET("/health/dependencies", s.dependencies)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Event streams never go idle on their own.
	s.closeOnce.Do(func() { close(s.closing) })
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return <-errCh
}
