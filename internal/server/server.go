package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/jjshanks/asset-server/internal/assets"
	"github.com/jjshanks/asset-server/internal/config"
	"github.com/jjshanks/asset-server/internal/sampler"
)

const (
	serviceName      = "asset-server"
	serviceNamespace = "assets"
)

// Version is reported to the tracing backend. It is set at build time.
var Version = "dev"

type Server struct {
	logger         zerolog.Logger
	config         *config.Config
	fs             afero.Fs
	registry       *prometheus.Registry
	assets         *assets.FileServer
	health         *healthState
	metrics        *metrics
	metricsHandler http.Handler
	sampler        *sampler.Sampler
	tracer         *tracer
	conns          *connRegistry

	server          *http.Server
	listener        net.Listener
	gracefulTimeout time.Duration
	serverMu        sync.RWMutex // Protects server and listener

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

// Option customizes a Server.
type Option func(*Server)

// WithFs serves assets from fsys instead of the read-only OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(s *Server) {
		if fsys != nil {
			s.fs = fsys
		}
	}
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	// Create base logger with common fields
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	// Configure log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger = logger.Level(level)

	// Configure console output if needed
	if cfg.Console {
		logger = logger.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02T15:04:05.000Z",
		})
	}

	s := &Server{
		logger:          logger,
		config:          cfg,
		fs:              afero.NewReadOnlyFs(afero.NewOsFs()),
		registry:        prometheus.NewRegistry(),
		health:          newHealthState(),
		gracefulTimeout: cfg.GracefulTimeout,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	m, err := initMetrics(s.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	s.metrics = m
	s.metricsHandler = m.handler()
	s.conns = newConnRegistry(m.setOpenConnections)

	fileServer, err := assets.NewFileServer(s.fs, cfg.RootDirectory, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file server: %w", err)
	}
	s.assets = fileServer

	tr, err := initTracer(context.Background(), serviceNamespace, serviceName, Version, cfg.TracingEndpoint, cfg.TracingInsecure)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracer = tr

	return s, nil
}

// Run starts serving and blocks until the server has shut down. It returns
// nil after a clean drain, ErrForcedShutdown when connections had to be cut
// at the grace deadline, or the error that stopped the server.
func (s *Server) Run() error {
	if !s.state.CompareAndSwap(int32(stateStarting), int32(stateRunning)) {
		return fmt.Errorf("server cannot be started from state %s", s.currentState())
	}

	s.logger.Info().
		Str("address", s.config.Address).
		Str("root", s.assets.Root()).
		Bool("tls", s.config.TLSEnabled()).
		Bool("metrics", s.config.Metrics.Enabled).
		Msg("Starting asset server")

	if err := s.validateRoot(); err != nil {
		s.finish()
		return err
	}

	if s.config.TLSEnabled() {
		if err := s.config.ValidateCertPaths(); err != nil {
			s.finish()
			return fmt.Errorf("certificate validation failed: %v", err)
		}
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.finish()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	if s.config.Metrics.Enabled {
		smp, err := sampler.Enable(s.config.Metrics.SamplerConfig(), s.logger, sampler.WithObserver(s.metrics))
		if err != nil {
			_ = ln.Close()
			s.finish()
			return fmt.Errorf("failed to start metrics sampler: %w", err)
		}
		s.sampler = smp
	}

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: s.config.HeadersTimeout,
		IdleTimeout:       s.config.KeepAliveTimeout,
		ConnState:         s.conns.track,
		ErrorLog:          stdlog.New(s.logger.With().Str("component", "http").Logger(), "", 0),
	}
	if s.config.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.X25519,
				tls.CurveP256,
				tls.CurveP384,
			},
			SessionTicketsDisabled: true,
			Renegotiation:          tls.RenegotiateNever,
		}
	}

	s.serverMu.Lock()
	s.server = srv
	s.listener = ln
	s.serverMu.Unlock()

	// Signals are subscribed before reporting ready so none is missed
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	s.health.markReady()
	s.metrics.updateHealthMetrics(true, true)

	// Create error channel for server errors
	serverError := make(chan error, 1)

	go func() {
		var err error
		if s.config.TLSEnabled() {
			err = srv.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serverError <- err
		}
	}()

	s.logger.Info().Str("address", ln.Addr().String()).Msg("Listening")

	select {
	case err := <-serverError:
		s.logger.Error().Err(err).Msg("Server stopped unexpectedly")
		s.health.markNotReady()
		_ = srv.Close()
		s.conns.closeAll()
		s.finish()
		return fmt.Errorf("server error: %w", err)
	case sig := <-signals:
		s.logger.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		return s.shutdown(sig, signals)
	case <-s.stop:
		s.logger.Info().Msg("Shutdown requested")
		return s.shutdown(nil, signals)
	}
}

// Stop asks a running server to shut down as if it had received a
// termination signal. It does not wait; Run returns once shutdown completes.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// GetAddr returns the address the server is listening on in a thread-safe way
func (s *Server) GetAddr() (string, error) {
	s.serverMu.RLock()
	defer s.serverMu.RUnlock()
	if s.listener == nil {
		return "", fmt.Errorf("server not started")
	}
	return s.listener.Addr().String(), nil
}

// validateRoot checks the asset root through the server's filesystem.
func (s *Server) validateRoot() error {
	root := s.assets.Root()
	info, err := s.fs.Stat(root)
	if err != nil {
		return fmt.Errorf("root directory error: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root path %s is not a directory", root)
	}
	if _, err := s.fs.Stat(filepath.Join(root, "index.html")); err != nil {
		s.logger.Warn().Str("root", root).Msg("Root directory has no index.html")
	}
	return nil
}
