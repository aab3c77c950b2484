// Package app wires configuration, storage, the planning service and its
// servers into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	grpcapi "github.com/partplan/partplan/internal/api/grpc"
	httpapi "github.com/partplan/partplan/internal/api/http"
	"github.com/partplan/partplan/internal/catalog"
	"github.com/partplan/partplan/internal/config"
	"github.com/partplan/partplan/internal/logging"
	"github.com/partplan/partplan/internal/observability"
	"github.com/partplan/partplan/internal/server"
	"github.com/partplan/partplan/internal/service"
	"github.com/partplan/partplan/internal/storage"
)

// statsPruneInterval is how often requested-range statistics are pruned.
const statsPruneInterval = 5 * time.Minute

// App owns every long-lived component of the daemon.
type App struct {
	cfg    *config.Config
	base   zerolog.Logger
	logger zerolog.Logger

	registry *prometheus.Registry
	catalog  *catalog.SQLiteCatalog
	objects  storage.ObjectStorage
	service  *service.Service
	shutdown *server.ShutdownManager

	httpListener    net.Listener
	grpcServer      *grpc.Server
	grpcListener    net.Listener
	metricsServer   *observability.MetricsServer
	metricsListener net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and prepares its directories.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{
		cfg:    cfg,
		base:   logger,
		logger: logging.Component(logger, "app"),
	}, nil
}

// OpenSnapshotStorage returns the object storage configured for snapshots,
// or nil when publishing is disabled.
func OpenSnapshotStorage(ctx context.Context, cfg config.SnapshotConfig) (storage.ObjectStorage, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Path)
	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
	}
	return nil, fmt.Errorf("unsupported snapshot storage type: %s", cfg.Type)
}

// Start opens the catalog, bootstraps every table and starts the servers.
// It returns once all listeners are bound.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: a.cfg.Shutdown.Timeout,
	}, a.base)
	a.shutdown.OnShutdownStart(cancel)

	if err := a.initService(ctx); err != nil {
		a.fail()
		return err
	}
	if err := a.startHTTP(); err != nil {
		a.fail()
		return err
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.fail()
			return err
		}
	}
	if a.cfg.Metrics.Enabled {
		if err := a.startMetrics(); err != nil {
			a.fail()
			return err
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.service.Run(ctx, statsPruneInterval)
	}()

	a.logger.Info().
		Str("http", a.HTTPAddr()).
		Str("grpc", a.GRPCAddr()).
		Strs("tables", a.service.Tables(ctx)).
		Msg("partplan started")
	return nil
}

func (a *App) initService(ctx context.Context) error {
	cat, err := catalog.NewCatalog(a.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	a.catalog = cat
	a.shutdown.RegisterCloser("catalog", cat)
	a.logger.Info().Str("path", a.cfg.Catalog.Path).Msg("Catalog opened")

	a.objects, err = OpenSnapshotStorage(ctx, a.cfg.Snapshots)
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot storage: %w", err)
	}
	var snapshots *storage.SnapshotStore
	if a.objects != nil {
		snapshots = storage.NewSnapshotStore(a.objects, a.cfg.Planner.BatchConcurrency)
		a.logger.Info().Str("type", a.cfg.Snapshots.Type).Msg("Snapshot storage initialized")
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.PlanMetrics
	if a.cfg.Metrics.Enabled {
		metrics = observability.NewPlanMetrics(observability.NewPrometheusCollector(a.registry))
	}

	a.service = service.New(cat, snapshots, metrics, a.base, service.Options{
		BinarySearchThreshold: a.cfg.Planner.BinarySearchThreshold,
		BatchConcurrency:      a.cfg.Planner.BatchConcurrency,
		Seeds:                 a.cfg.Tables,
		StatsWindow:           time.Hour,
	})
	if err := a.service.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap service: %w", err)
	}
	return nil
}

func (a *App) startHTTP() error {
	handler := httpapi.NewHandler(a.service, a.base)
	middleware := httpapi.DefaultMiddleware(logging.Component(a.base, "http"), server.ShutdownMiddleware(a.shutdown))

	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      middleware(handler.Routes()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpListener = ln
	gs := server.NewGracefulHTTPServer("http", srv, a.shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		if err := gs.Serve(ln); err != nil {
			a.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	ln, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.grpcListener = ln
	a.grpcServer = grpcapi.NewServer(a.service, a.base)
	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("gRPC server listening")
		if err := a.grpcServer.Serve(ln); err != nil {
			a.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()
	return nil
}

func (a *App) startMetrics() error {
	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address: %w", err)
	}
	a.metricsListener = ln
	a.metricsServer = observability.NewMetricsServer(a.cfg.Metrics.Addr, a.registry)
	a.shutdown.RegisterCloser("metrics", server.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.metricsServer.Stop(ctx)
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
		if err := a.metricsServer.Serve(ln); err != nil {
			a.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// fail releases whatever a partial Start acquired.
func (a *App) fail() {
	a.shutdown.Shutdown(context.Background(), "startup failed")
	for _, ln := range []net.Listener{a.httpListener, a.grpcListener, a.metricsListener} {
		if ln != nil {
			ln.Close()
		}
	}
	a.wg.Wait()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// Stop shuts every server down and closes the catalog.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn().Msg("Shutdown timed out before every server exited")
	}
	return err
}

// WaitForShutdown blocks until SIGINT/SIGTERM or ctx ends, then shuts down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.wg.Wait()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return err
}

// Service returns the planning service. Valid after Start.
func (a *App) Service() *service.Service {
	return a.service
}

// HTTPAddr returns the bound HTTP address.
func (a *App) HTTPAddr() string {
	return listenerAddr(a.httpListener)
}

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (a *App) GRPCAddr() string {
	return listenerAddr(a.grpcListener)
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (a *App) MetricsAddr() string {
	return listenerAddr(a.metricsListener)
}

func listenerAddr(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}
