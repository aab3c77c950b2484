// Package server coordinates graceful shutdown of the planner daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownManager tracks in-flight requests and closes registered resources
// when the process is asked to stop.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          zerolog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
	inFlight     atomic.Int64
	shuttingDown atomic.Bool
	// idle receives a token whenever the in-flight count drops to zero.
	idle chan struct{}

	mu      sync.Mutex
	closers []namedCloser
	onStart []func()
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// ShutdownConfig holds shutdown timeouts.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown. Default 30s.
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests. Defaults to
	// half of ShutdownTimeout.
	DrainTimeout time.Duration
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig, logger zerolog.Logger) *ShutdownManager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 || cfg.DrainTimeout > cfg.ShutdownTimeout {
		cfg.DrainTimeout = cfg.ShutdownTimeout / 2
	}
	return &ShutdownManager{
		shutdownTimeout: cfg.ShutdownTimeout,
		drainTimeout:    cfg.DrainTimeout,
		logger:          logger.With().Str("component", "shutdown").Logger(),
		shutdownCh:      make(chan struct{}),
		idle:            make(chan struct{}, 1),
	}
}

// RegisterCloser adds a resource to close on shutdown. Closers run in
// reverse registration order.
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, closer: closer})
}

// OnShutdownStart registers fn to run as soon as shutdown begins, before
// draining.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStart = append(sm.onStart, fn)
}

// ListenForSignals blocks until SIGINT/SIGTERM, ctx cancellation, or
// another caller starting shutdown, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	select {
	case <-sigCtx.Done():
		reason := "termination signal"
		if ctx.Err() != nil {
			reason = "context cancelled"
		}
		return sm.Shutdown(context.Background(), reason)
	case <-sm.shutdownCh:
		return sm.Wait()
	}
}

// Shutdown drains in-flight requests and closes every registered resource.
// Only the first call does any work; later calls return its result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.shutdownOnce.Do(func() {
		sm.shuttingDown.Store(true)
		close(sm.shutdownCh)
		sm.logger.Info().Str("reason", reason).Int64("in_flight", sm.inFlight.Load()).Msg("Shutting down")

		sm.mu.Lock()
		start := append([]func(){}, sm.onStart...)
		closers := append([]namedCloser{}, sm.closers...)
		sm.mu.Unlock()

		for _, fn := range start {
			fn()
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := sm.drain(shutdownCtx); err != nil {
			errs = append(errs, err)
		}

		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.closer.Close(); err != nil {
				sm.logger.Error().Err(err).Str("resource", c.name).Msg("Failed to close resource")
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
				continue
			}
			sm.logger.Debug().Str("resource", c.name).Msg("Closed resource")
		}

		sm.shutdownErr = errors.Join(errs...)
		sm.logger.Info().Msg("Shutdown complete")
	})
	return sm.shutdownErr
}

// Wait blocks until a shutdown has been started and returns its result.
func (sm *ShutdownManager) Wait() error {
	<-sm.shutdownCh
	// shutdownOnce.Do blocks until the running shutdown finishes.
	sm.shutdownOnce.Do(func() {})
	return sm.shutdownErr
}

// drain waits for the in-flight count to reach zero.
func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	for sm.inFlight.Load() > 0 {
		select {
		case <-sm.idle:
		case <-ctx.Done():
			if n := sm.inFlight.Load(); n > 0 {
				return fmt.Errorf("server: timed out with %d requests in flight", n)
			}
			return nil
		}
	}
	return nil
}

// TrackRequest counts a new request. It returns false once shutdown has
// begun; the caller must then reject the request.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.shuttingDown.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest marks a tracked request as finished.
func (sm *ShutdownManager) UntrackRequest() {
	if sm.inFlight.Add(-1) == 0 {
		select {
		case sm.idle <- struct{}{}:
		default:
		}
	}
}

func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.shuttingDown.Load()
}

func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownMiddleware tracks in-flight HTTP requests and answers 503 once
// shutdown has begun.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error":"service is shutting down","code":"SHUTTING_DOWN"}` + "\n"))
				return
			}
			defer sm.UntrackRequest()
			next.ServeHTTP(w, r)
		})
	}
}

// GracefulHTTPServer serves an http.Server until the shutdown manager
// closes it.
type GracefulHTTPServer struct {
	server   *http.Server
	shutdown *ShutdownManager
	timeout  time.Duration
}

// NewGracefulHTTPServer registers server with sm under name.
func NewGracefulHTTPServer(name string, server *http.Server, sm *ShutdownManager) *GracefulHTTPServer {
	gs := &GracefulHTTPServer{server: server, shutdown: sm, timeout: 10 * time.Second}
	sm.RegisterCloser(name, CloserFunc(gs.close))
	return gs
}

// Serve accepts connections on ln until shutdown. It returns nil when the
// server was stopped by the shutdown manager.
func (gs *GracefulHTTPServer) Serve(ln net.Listener) error {
	if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (gs *GracefulHTTPServer) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()
	return gs.server.Shutdown(ctx)
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error {
	return f()
}
