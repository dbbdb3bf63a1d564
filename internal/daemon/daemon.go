package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/smartpm/internal/config"
	"github.com/harun/smartpm/internal/logger"
	"github.com/harun/smartpm/internal/observability"
	"github.com/harun/smartpm/internal/tracing"
	"github.com/harun/smartpm/pkg/cache"
	"github.com/harun/smartpm/pkg/embedding"
	"github.com/harun/smartpm/pkg/enrichment"
	"github.com/harun/smartpm/pkg/gateway"
	"github.com/harun/smartpm/pkg/importer"
	"github.com/harun/smartpm/pkg/index"
	"github.com/harun/smartpm/pkg/retrieval"
)

// Version is reported to tracing and the CLI.
var Version = "dev"

// Daemon owns every long-lived component of the smartpm service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	embedder embedding.Provider
	index    index.Index
	cache    cache.Cache
	memory   *retrieval.Service
	model    enrichment.Model
	worker   *enrichment.Worker

	// Services
	gatewayServer *gateway.Server
	listener      net.Listener
	importer      *importer.Importer

	// Internal
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
	auditEnabled   bool
}

// Status describes the daemon state
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
}

// New creates a new daemon instance and builds every component once
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, Version, cfg.Tracing.SampleRatio); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		log.Info().Msg("Tracing initialized successfully")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log, using stderr")
		} else {
			d.auditEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCoreModules()
		cancel()
		return nil, err
	}

	if err := d.initializeServices(); err != nil {
		d.closeCoreModules()
		cancel()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the embedder, index, cache, retrieval service
// and the enrichment worker
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	d.embedder = embedder

	switch cfg.Index.Backend {
	case "memory":
		d.index = index.NewMemoryIndex(embedder)
	case "sqlite":
		idx, err := index.NewSQLiteIndex(index.SQLiteConfig{
			DBPath:   cfg.Index.DBPath,
			Logger:   d.logger.Component("index"),
			Embedder: embedder,
		})
		if err != nil {
			return fmt.Errorf("failed to open index: %w", err)
		}
		d.index = idx
	default:
		return fmt.Errorf("unsupported index backend: %s", cfg.Index.Backend)
	}
	d.logger.Info().
		Str("backend", cfg.Index.Backend).
		Str("embedder", embedder.Name()).
		Msg("Similarity index initialized")

	c, err := cache.New(d.ctx, cfg.Cache, d.logger.Component("cache"))
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	d.cache = c

	d.memory, err = retrieval.NewService(retrieval.Config{
		Index:    d.index,
		Cache:    d.cache,
		Logger:   d.logger.Component("retrieval"),
		CacheTTL: cfg.Cache.TTL(),
		Timeout:  cfg.Retrieval.Timeout(),
		Chunking: cfg.Retrieval.Chunking(),
	})
	if err != nil {
		return fmt.Errorf("failed to create retrieval service: %w", err)
	}

	d.model, err = enrichment.NewModel(cfg.Enrichment, d.logger.Component("enrichment"))
	if err != nil {
		return fmt.Errorf("failed to create enrichment model: %w", err)
	}

	d.worker, err = enrichment.NewWorker(enrichment.WorkerConfig{
		Memory:     d.memory,
		Model:      d.model,
		Logger:     d.logger.Component("enrichment"),
		Workers:    cfg.Enrichment.Workers,
		QueueSize:  cfg.Enrichment.QueueSize,
		JobTimeout: time.Duration(cfg.Enrichment.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create enrichment worker: %w", err)
	}

	return nil
}

// initializeServices builds the HTTP gateway and the optional inbox importer
func (d *Daemon) initializeServices() error {
	cfg := d.config

	srv, err := gateway.NewServer(gateway.ServerOptions{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		SharedSecret:       cfg.Server.SharedSecret,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		ShutdownTimeout:    time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
	}, d.memory, d.worker, d.logger.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = srv

	if cfg.Import.Enabled {
		d.importer, err = importer.New(importer.Config{
			Dir:      cfg.Import.Dir,
			Memory:   d.memory,
			Logger:   d.logger.Component("importer"),
			Debounce: time.Duration(cfg.Import.DebounceMs) * time.Millisecond,
			Timeout:  cfg.Retrieval.Timeout(),
		})
		if err != nil {
			return fmt.Errorf("failed to create importer: %w", err)
		}
	}

	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Str("version", Version).Msg("Starting smartpm daemon")

	// Start lifecycle manager
	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Bind before returning so port conflicts surface to the caller
	ln, err := net.Listen("tcp", d.config.Server.Addr())
	if err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to listen on %s: %w", d.config.Server.Addr(), err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	d.worker.Start()
	logger.Info().Msg("Enrichment worker started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.gatewayServer.Serve(ln); err != nil {
			logger.Error().Err(err).Msg("Gateway server failed")
			d.cancel()
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway server started")

	if d.importer != nil {
		if err := d.importer.Start(d.ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to start importer, continuing without it")
		}
	}

	observability.RecordConfigAudit(d.ctx, "daemon.start", "system", map[string]interface{}{
		"index_backend":       d.config.Index.Backend,
		"cache_backend":       d.config.Cache.Backend,
		"enrichment_provider": d.config.Enrichment.Provider,
	})

	logger.Info().Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping smartpm daemon")

	var errs []error

	if d.importer != nil {
		if err := d.importer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop importer")
		}
	}

	// Stop accepting requests first so no new jobs are queued
	if err := d.gatewayServer.Stop(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
		errs = append(errs, err)
	}

	// Drain queued enrichment jobs
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	if err := d.worker.Stop(drainCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to drain enrichment worker")
		errs = append(errs, err)
	}
	cancelDrain()

	d.cancel()

	// Wait for goroutines to finish (with timeout)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	// Stop lifecycle manager
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	observability.RecordConfigAudit(context.Background(), "daemon.stop", "system", nil)

	if err := d.closeCoreModules(); err != nil {
		logger.Error().Err(err).Msg("Failed to close core modules")
		errs = append(errs, err)
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	// Close audit logger
	if d.auditEnabled {
		if err := observability.GetAuditLogger().Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close audit logger")
		}
		d.auditEnabled = false
	}

	logger.Info().Msg("Daemon stopped successfully")

	return errors.Join(errs...)
}

// Close releases the components of a daemon that was never started.
// One-shot CLI commands use it after working with GetMemory directly.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return fmt.Errorf("daemon is running, use Stop")
	}

	d.cancel()
	_ = d.worker.Stop(context.Background())
	err := d.closeCoreModules()
	if d.auditEnabled {
		_ = observability.GetAuditLogger().Close()
		d.auditEnabled = false
	}
	return err
}

// closeCoreModules releases the cache and the index
func (d *Daemon) closeCoreModules() error {
	var errs []error
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
		d.cache = nil
	}
	if d.index != nil {
		if err := d.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
		d.index = nil
	}
	return errors.Join(errs...)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		if d.listener != nil {
			status.Addr = d.listener.Addr().String()
		}
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, or until the gateway fails, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
		d.logger.Warn().Msg("Daemon context canceled")
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetMemory returns the retrieval service
func (d *Daemon) GetMemory() *retrieval.Service {
	return d.memory
}

// GetWorker returns the enrichment worker
func (d *Daemon) GetWorker() *enrichment.Worker {
	return d.worker
}

// GetImporter returns the inbox importer, nil when disabled
func (d *Daemon) GetImporter() *importer.Importer {
	return d.importer
}

// GetGatewayServer returns the HTTP gateway
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
