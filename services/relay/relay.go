// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the image generation relay.
//
// The relay sits between browser clients and a single image generation
// backend. It keeps one event channel open to the backend, fans backend
// events out to every connected client, stores generated images with a
// retention bound, and exposes an HTTP control surface for workflow
// documents, presets, settings, model discovery and execution.
//
// Every component is constructed by New and handed to the handlers that
// need it; nothing is reached through package globals.
//
// # Usage
//
//	cfg := relay.Config{DataDir: "./data", BackendURL: "http://127.0.0.1:8188"}
//	svc, err := relay.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/artifacts"
	"github.com/AleutianAI/AleutianRelay/services/relay/docstore"
	"github.com/AleutianAI/AleutianRelay/services/relay/editor"
	"github.com/AleutianAI/AleutianRelay/services/relay/gateway"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/hub"
	"github.com/AleutianAI/AleutianRelay/services/relay/models"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/relay/settings"
	badgerstore "github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
	"github.com/AleutianAI/AleutianRelay/services/relay/watcher"
)

// ErrDataDirLocked is returned by New when another relay holds the data
// directory lock.
var ErrDataDirLocked = errors.New("data directory is locked by another relay")

// LockFile is the single-instance lock under the data directory.
const LockFile = "relay.lock"

const (
	defaultPort          = 3005
	defaultWSPort        = 3001
	defaultDataDir       = "./data"
	defaultShutdownDrain = 5 * time.Second
	healthCheckTimeout   = 5 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the relay lifecycle.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Close may be called from any
// goroutine and is idempotent.
type Service interface {
	// Run starts the backend gateway, the output watcher and the HTTP
	// listeners, and blocks until ctx is cancelled or a listener fails.
	//
	// # Outputs
	//
	//   - error: nil after a clean shutdown. Non-nil when StrictStartup is
	//     set and the backend is unreachable, or when a listener fails.
	//
	// # Limitations
	//
	//   - All resources are released when Run returns; the Service cannot
	//     be restarted.
	Run(ctx context.Context) error

	// Router returns the control surface router. Used by tests.
	Router() *gin.Engine

	// Close releases every resource without running. Run calls it on exit.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds relay configuration.
//
// # Description
//
// All fields are optional; New applies defaults. The yaml tags match the
// relay.yaml file read by cmd/relay.
//
// # Examples
//
//	// Defaults: control surface on 3005, client sockets also on 3001,
//	// backend at 127.0.0.1:8188, data under ./data
//	cfg := Config{}
//
//	// Remote backend with a local installation for model discovery
//	cfg := Config{
//	    BackendURL:  "http://gpu-box:8188",
//	    BackendPath: "/mnt/gpu-box/ComfyUI",
//	}
type Config struct {
	// Host is the listen address for both ports. Default: all interfaces.
	Host string `yaml:"host"`

	// Port serves the control surface and /ws. Default: 3005
	Port int `yaml:"port"`

	// WSPort additionally serves client sockets on every path.
	// Default: 3001. Negative disables the extra listener.
	WSPort int `yaml:"ws_port"`

	// DataDir holds documents, images, settings, the index and the lock.
	// Default: "./data"
	DataDir string `yaml:"data_dir"`

	// BackendURL is the backend HTTP root. Default: http://127.0.0.1:8188
	BackendURL string `yaml:"backend_url"`

	// BackendPath is the backend installation directory used when the
	// settings document holds none.
	BackendPath string `yaml:"backend_path"`

	// ClientID identifies the relay to the backend. Default: "comfyui-web"
	ClientID string `yaml:"client_id"`

	// ReconnectDelay is the wait between backend connection attempts.
	// Default: 5s
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxSaved bounds the generated image collection. Default: 20
	MaxSaved int `yaml:"max_saved"`

	// StrictStartup makes an unreachable backend fatal at Run.
	StrictStartup bool `yaml:"strict_startup"`

	// GinMode is "debug", "release" or "test". Empty leaves gin's default.
	GinMode string `yaml:"gin_mode"`

	// UIDir serves a static front-end under /ui when set.
	UIDir string `yaml:"ui_dir"`

	// Editor configures the external image editor.
	Editor editor.Config `yaml:"editor"`

	// Telemetry selects trace and metric exporters.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.WSPort == 0 {
		cfg.WSPort = defaultWSPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = gateway.DefaultBaseURL
	}
	if cfg.ClientID == "" {
		cfg.ClientID = gateway.DefaultClientID
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = gateway.DefaultReconnectDelay
	}
	if cfg.MaxSaved <= 0 {
		cfg.MaxSaved = artifacts.MaxSaved
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = telemetry.DefaultConfig().ServiceName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	opts   extensions.ServiceOptions
	logger *slog.Logger

	lock              *flock.Flock
	db                *badgerstore.DB
	telemetryShutdown func(context.Context) error

	registry  *prometheus.Registry
	metrics   *observability.Metrics
	docs      *docstore.Store
	artifacts *artifacts.Store
	settings  *settings.Store
	models    *models.Scanner
	editor    *editor.Launcher
	hub       *hub.Hub
	gateway   *gateway.Gateway
	watcher   *watcher.OutputWatcher
	router    *gin.Engine

	runOnce   sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New constructs every relay component.
//
// # Description
//
// Takes the data directory lock, opens the artifact index, loads settings,
// seeds the document directories, installs telemetry and builds the hub,
// gateway, watcher and router. Nothing listens or dials until Run.
//
// # Inputs
//
//   - cfg: Relay configuration. Zero values take defaults.
//   - opts: Extension points. Nil audits through cfg.Logger.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: ErrDataDirLocked when another relay owns DataDir, or the first
//     initialization failure. Partially built resources are released.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	s := &service{
		config: cfg,
		logger: cfg.Logger.With("component", "relay"),
	}
	if opts != nil {
		s.opts = opts.WithDefaults(cfg.Logger)
	} else {
		s.opts = extensions.ServiceOptions{}.WithDefaults(cfg.Logger)
	}

	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *service) init() error {
	cfg := s.config

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.lock = flock.New(filepath.Join(cfg.DataDir, LockFile))
	locked, err := s.lock.TryLock()
	if err != nil {
		s.lock = nil
		return fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !locked {
		s.lock = nil
		return fmt.Errorf("%w: %s", ErrDataDirLocked, cfg.DataDir)
	}

	shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	dbCfg := badgerstore.DefaultConfig(filepath.Join(cfg.DataDir, "index"))
	dbCfg.Logger = cfg.Logger
	s.db, err = badgerstore.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open artifact index: %w", err)
	}

	s.settings = settings.New(cfg.DataDir, cfg.BackendPath, cfg.Logger)
	if err := s.settings.Load(); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	s.docs = docstore.New(cfg.DataDir, cfg.Logger)
	if err := s.docs.EnsureDefaults(); err != nil {
		return fmt.Errorf("prepare document store: %w", err)
	}

	s.artifacts = artifacts.New(artifacts.Config{
		Root:     cfg.DataDir,
		MaxSaved: cfg.MaxSaved,
		Index:    artifacts.NewBadgerIndex(s.db),
		Metrics:  s.metrics,
		Logger:   cfg.Logger,
	})

	s.models = models.NewScanner(s.settings.BackendPath, cfg.Logger)
	s.editor = editor.New(cfg.Editor, cfg.Logger)

	s.hub = hub.New(hub.Config{
		Saver:   s.artifacts,
		Metrics: s.metrics,
		Logger:  cfg.Logger,
	})

	s.gateway, err = gateway.New(gateway.Config{
		BaseURL:        cfg.BackendURL,
		ClientID:       cfg.ClientID,
		ReconnectDelay: cfg.ReconnectDelay,
		TempDir:        filepath.Join(cfg.DataDir, "temp"),
		Metrics:        s.metrics,
		Logger:         cfg.Logger,
	}, s.hub)
	if err != nil {
		return fmt.Errorf("create backend gateway: %w", err)
	}

	s.watcher = watcher.New(func(files []string) {
		s.hub.BroadcastRefresh(hub.RefreshSourceOutput, files)
	}, watcher.Options{Logger: cfg.Logger})

	s.initRouter()
	return nil
}

// initRouter builds the control surface.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))

	routes.SetupRoutes(s.router, routes.Services{
		Docs:           s.docs,
		Artifacts:      s.artifacts,
		Hub:            s.hub,
		Backend:        s.gateway,
		Settings:       s.settings,
		Models:         s.models,
		Editor:         s.editor,
		MetricsHandler: promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}),
		UIDir:          s.config.UIDir,
	}, s.opts)
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the relay and blocks until ctx is cancelled.
//
// # Description
//
// Probes the backend, starts the gateway reconnect loop, watches the
// backend output directory (following settings changes) and serves the
// control surface on Port and client sockets on WSPort. Cancelling ctx
// drains the listeners for up to 5s and then releases everything.
func (s *service) Run(ctx context.Context) error {
	err := errors.New("relay: Run called twice")
	s.runOnce.Do(func() {
		err = s.run(ctx)
	})
	return err
}

func (s *service) run(ctx context.Context) (err error) {
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.checkBackend(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start backend gateway: %w", err)
	}

	s.watchOutputs(ctx)
	s.settings.OnChange(func(settings.Settings) {
		s.watchOutputs(ctx)
	})

	servers := []*http.Server{{
		Addr:              net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if s.config.WSPort > 0 && s.config.WSPort != s.config.Port {
		servers = append(servers, &http.Server{
			Addr: net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.WSPort)),
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handlers.ServeClient(s.hub, w, r)
			}),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			s.logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), defaultShutdownDrain)
		defer drainCancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(drainCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	s.logger.Info("relay stopped")
	return err
}

// Router returns the control surface router.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases every resource in reverse construction order.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

// =============================================================================
// Private Methods
// =============================================================================

// checkBackend probes backend liveness. Failure is fatal only with
// StrictStartup.
func (s *service) checkBackend(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err := s.gateway.CheckHealth(ctx)
	if err == nil {
		s.logger.Info("backend reachable", "url", s.config.BackendURL)
		return nil
	}
	if s.config.StrictStartup {
		return fmt.Errorf("backend health check: %w", err)
	}
	s.logger.Warn("backend not reachable, will keep retrying",
		"url", s.config.BackendURL, "error", err)
	return nil
}

// watchOutputs points the watcher at the current backend output directory.
func (s *service) watchOutputs(ctx context.Context) {
	root := s.settings.BackendPath()
	if root == "" {
		s.watcher.Stop()
		return
	}
	dir := settings.OutputDir(root)
	if dir == s.watcher.Dir() {
		return
	}
	if err := s.watcher.Watch(ctx, dir); err != nil {
		s.logger.Warn("output directory not watched", "dir", dir, "error", err)
	}
}

// cleanup stops components and releases the lock.
func (s *service) cleanup() error {
	var errs []error

	if s.gateway != nil {
		s.gateway.Stop()
	}
	if s.hub != nil {
		if err := s.hub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close artifact index: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownDrain)
	defer cancel()
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", "error", err)
		}
	}
	if s.opts.AuditLogger != nil {
		if err := s.opts.AuditLogger.Flush(ctx); err != nil {
			s.logger.Warn("audit flush error", "error", err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release data dir lock: %w", err))
		}
	}
	return errors.Join(errs...)
}

var _ Service = (*service)(nil)
