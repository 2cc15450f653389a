package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/daemon"
	"github.com/harunnryd/rocker/internal/server"
)

// ServerComponent runs the request server. A broken listener is reported
// to the daemon as fatal.
type ServerComponent struct {
	daemon      *daemon.Daemon
	cfg         *config.Config
	builderComp *BuilderComponent
	regComp     *RegistryComponent
	server      *server.Server
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewServerComponent(d *daemon.Daemon, cfg *config.Config, builderComp *BuilderComponent, regComp *RegistryComponent) *ServerComponent {
	return &ServerComponent{
		daemon:      d,
		cfg:         cfg,
		builderComp: builderComp,
		regComp:     regComp,
	}
}

func (s *ServerComponent) Name() string {
	return "Server"
}

func (s *ServerComponent) Dependencies() []string {
	return []string{"Builder", "Registry", "Reaper"}
}

func (s *ServerComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg == nil || s.builderComp == nil || s.regComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}
	builder, reg := s.builderComp.Builder(), s.regComp.Registry()
	if builder == nil || reg == nil {
		return fmt.Errorf("required dependencies not initialized")
	}

	shutdownTimeout, err := config.DurationOrDefault(s.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}

	opts := server.Options{
		SocketName:      s.cfg.Server.SocketName,
		Workers:         s.cfg.Server.Workers,
		QueueSize:       s.cfg.Server.QueueSize,
		ShutdownTimeout: shutdownTimeout,
	}
	if s.daemon != nil {
		opts.OnFatal = s.daemon.Fatal
	}
	s.server = server.New(builder, reg, opts)

	s.initialized = true
	slog.Info("Server initialized", "component", s.Name(), "socket", s.server.Addr())
	return nil
}

func (s *ServerComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("Server not initialized")
	}

	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("start request server: %w", err)
	}

	s.started = true
	s.startTime = time.Now()
	return nil
}

func (s *ServerComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		slog.Info("Server not started, skipping stop", "component", s.Name())
		return nil
	}

	slog.Info("Stopping Server...", "component", s.Name())
	err := s.server.Stop(ctx)
	s.started = false
	slog.Info("Server stopped", "component", s.Name(), "uptime", time.Since(s.startTime))
	return err
}

func (s *ServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return daemon.Unhealthy(s.Name(), fmt.Errorf("not initialized")), nil
	}
	if !s.started {
		return daemon.Unhealthy(s.Name(), fmt.Errorf("not started")), nil
	}
	if err := s.server.Health(ctx); err != nil {
		return daemon.Unhealthy(s.Name(), err), nil
	}
	return daemon.Healthy(s.Name()), nil
}
