// Package daemon assembles the appgen service from its configuration and
// runs it until a signal arrives.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/appgen/internal/config"
	"github.com/harun/appgen/internal/credentials"
	"github.com/harun/appgen/internal/logger"
	"github.com/harun/appgen/internal/observability"
	"github.com/harun/appgen/internal/tracing"
	"github.com/harun/appgen/pkg/conversation"
	"github.com/harun/appgen/pkg/dispatch"
	"github.com/harun/appgen/pkg/gateway"
	"github.com/harun/appgen/pkg/generator"
	"github.com/harun/appgen/pkg/janitor"
	"github.com/harun/appgen/pkg/natsbus"
	"github.com/harun/appgen/pkg/postprocess"
	"github.com/harun/appgen/pkg/store"
	"github.com/harun/appgen/pkg/transcript"
	"github.com/harun/appgen/pkg/upstream"
)

const shutdownTimeout = 30 * time.Second

// Status describes a daemon
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Sessions  int           `json:"sessions"`
}

// Daemon owns every long-lived component of the service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store       *store.Store
	transcripts *transcript.Log
	credentials *credentials.Store
	bus         *natsbus.Bus
	generator   *generator.Service

	gatewayServer *gateway.Server
	janitor       *janitor.Janitor
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New builds the components described by cfg. Nothing is served until
// Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}
	if err := tracing.InitOpenTelemetry("appgen"); err != nil {
		zl := log.Zerolog()
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initialize(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
			zl.Warn().Err(err).Msg("Failed to open audit log, using stderr")
		}
	}

	var err error
	if cfg.Storage.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		if d.store, err = store.Open(store.Config{DBPath: cfg.Storage.DBPath, Logger: zl}); err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
	}
	if cfg.Storage.TranscriptDir != "" {
		if d.transcripts, err = transcript.New(cfg.Storage.TranscriptDir, zl); err != nil {
			return fmt.Errorf("failed to open transcripts: %w", err)
		}
	}
	if cfg.Credentials.Dir != "" {
		if d.credentials, err = credentials.New(cfg.Credentials.Dir, zl); err != nil {
			return fmt.Errorf("failed to open credentials: %w", err)
		}
	}

	sinks := []dispatch.Sink{dispatch.NewLogSink(zl)}
	if cfg.Notify.Enabled {
		d.bus, err = natsbus.Connect(context.Background(), natsbus.Config{
			URL:      cfg.Notify.NATSURL,
			Embedded: cfg.Notify.Embedded && cfg.Notify.NATSURL == "",
			StoreDir: filepath.Join(cfg.DataDir, "nats"),
			Prefix:   cfg.Notify.SubjectPrefix,
			Logger:   zl,
		})
		if err != nil {
			return fmt.Errorf("failed to connect notification bus: %w", err)
		}
		sinks = append(sinks, d.bus)
	}

	deps := generator.Deps{
		Providers: &upstream.ProviderFactory{},
		Sinks:     sinks,
		Logger:    zl,
	}
	// Typed nils must not reach the interfaces below.
	if d.credentials != nil {
		deps.Credentials = d.credentials
	}
	if d.store != nil {
		deps.Store = d.store
	}
	if d.transcripts != nil {
		deps.Recorder = d.transcripts
	}
	if cfg.Generation.PostProcess {
		post := postprocess.New(zl)
		post.Bundle = cfg.Generation.Bundle
		deps.Post = post
	}

	driver := conversation.DefaultConfig()
	driver.Model = cfg.Upstream.Model
	driver.MaxTokens = cfg.Upstream.MaxTokens
	driver.Temperature = cfg.Upstream.Temperature
	driver.MaxTurns = cfg.Generation.MaxTurns

	d.generator, err = generator.New(generator.Config{
		Provider:      cfg.Upstream.Provider,
		BaseURL:       cfg.Upstream.BaseURL,
		APIKey:        cfg.Upstream.APIKey,
		Driver:        driver,
		RetryDelay:    cfg.Generation.RetryDelay,
		OutputDir:     cfg.Generation.OutputDir,
		MaxConcurrent: cfg.Generation.MaxConcurrent,
		QueueSize:     cfg.Generation.QueueSize,
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	gwCfg := gateway.Config{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Generator:      d.generator,
		Logger:         zl,
	}
	if d.store != nil {
		gwCfg.Store = d.store
	}
	if d.gatewayServer, err = gateway.NewServer(gwCfg); err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	if cfg.Janitor.Enabled {
		var targets []janitor.Target
		if cfg.Generation.OutputDir != "" {
			targets = append(targets, janitor.OutputTarget(cfg.Generation.OutputDir))
		}
		if d.transcripts != nil {
			targets = append(targets, janitor.Target{Name: "transcripts", Prune: d.transcripts.Prune})
		}
		if len(targets) > 0 {
			d.janitor, err = janitor.New(janitor.Config{
				Schedule:  cfg.Janitor.Schedule,
				Retention: cfg.Janitor.Retention,
				Targets:   targets,
				Logger:    zl,
			})
			if err != nil {
				return fmt.Errorf("failed to create janitor: %w", err)
			}
		}
	}

	d.lifecycle = NewLifecycleManager(d)
	return nil
}

// Start serves the gateway and starts background maintenance
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting appgen daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.credentials != nil && d.config.Credentials.Watch {
		if err := d.credentials.Watch(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch credentials, changes need a restart")
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	if d.janitor != nil {
		if err := d.janitor.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start janitor")
		}
	}

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop aborts running sessions and releases every component
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping appgen daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.generator.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not finish in time")
	}
	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	if d.janitor != nil {
		if err := d.janitor.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop janitor")
		}
	}
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.close()
	logger.Info().Msg("Daemon stopped")
	return nil
}

// close releases resources that New acquired
func (d *Daemon) close() {
	zl := d.logger.Zerolog()
	if d.credentials != nil {
		if err := d.credentials.Close(); err != nil {
			zl.Error().Err(err).Msg("Failed to close credentials watcher")
		}
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			zl.Error().Err(err).Msg("Failed to close notification bus")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			zl.Error().Err(err).Msg("Failed to close store")
		}
	}
	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(context.Background()); err != nil {
			zl.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		zl.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Close releases a daemon that was never started
func (d *Daemon) Close() {
	d.close()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: len(d.generator.Active()),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	zl := d.logger.Zerolog()
	zl.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Generator returns the session service
func (d *Daemon) Generator() *generator.Service {
	return d.generator
}

// Store returns the app store, nil when storage is disabled
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Gateway returns the gateway server
func (d *Daemon) Gateway() *gateway.Server {
	return d.gatewayServer
}
