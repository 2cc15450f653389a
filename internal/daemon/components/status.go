package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/rocker/internal/concurrency"
	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/daemon"
	"github.com/harunnryd/rocker/internal/registry"
)

const statusShutdownTimeout = 5 * time.Second

// StatusComponent serves read-only daemon state over HTTP. It is only
// added when server.status_addr is set.
type StatusComponent struct {
	daemon       *daemon.Daemon
	cfg          *config.ServerConfig
	regComp      *RegistryComponent
	dependencies []string
	server       *http.Server
	listener     net.Listener
	initialized  bool
	started      bool
	mu           sync.RWMutex
}

func NewStatusComponent(d *daemon.Daemon, cfg *config.ServerConfig, regComp *RegistryComponent) *StatusComponent {
	return NewStatusComponentWithDependencies(d, cfg, regComp, []string{"Registry"})
}

func NewStatusComponentWithDependencies(d *daemon.Daemon, cfg *config.ServerConfig, regComp *RegistryComponent, deps []string) *StatusComponent {
	return &StatusComponent{
		daemon:       d,
		cfg:          cfg,
		regComp:      regComp,
		dependencies: append([]string(nil), deps...),
	}
}

func (s *StatusComponent) Name() string {
	return "Status"
}

func (s *StatusComponent) Dependencies() []string {
	return append([]string(nil), s.dependencies...)
}

func (s *StatusComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg == nil || s.cfg.StatusAddr == "" {
		return fmt.Errorf("status address not configured")
	}

	s.server = &http.Server{
		Addr:              s.cfg.StatusAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.initialized = true
	slog.Info("Status initialized", "component", s.Name(), "addr", s.cfg.StatusAddr)
	return nil
}

func (s *StatusComponent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sandboxes", s.handleSandboxes)
	return mux
}

func (s *StatusComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("Status not initialized")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	srv := s.server
	concurrency.SafeGo(func() {
		slog.Info("Status server listening", "component", s.Name(), "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Status server failed", "component", s.Name(), "error", err)
		}
	}, nil)

	s.started = true
	return nil
}

func (s *StatusComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, statusShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Status shutdown error", "component", s.Name(), "error", err)
		return err
	}
	s.started = false
	return nil
}

func (s *StatusComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return daemon.Unhealthy(s.Name(), fmt.Errorf("not initialized")), nil
	}
	if !s.started {
		return daemon.Unhealthy(s.Name(), fmt.Errorf("not started")), nil
	}
	return daemon.Healthy(s.Name()), nil
}

// Addr returns the bound address once started.
func (s *StatusComponent) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *StatusComponent) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]interface{}{
		"status": "ok",
	}

	components := make(map[string]interface{})
	if s.daemon != nil {
		resp["state"] = s.daemon.Health()
		resp["uptime"] = s.daemon.Uptime().Round(time.Second).String()
		for name, ch := range s.daemon.ComponentHealth() {
			entry := map[string]interface{}{"healthy": ch.Healthy}
			if ch.Error != nil {
				entry["error"] = ch.Error.Error()
				resp["status"] = "degraded"
			}
			components[name] = entry
		}
	}
	resp["components"] = components

	if reg := s.registry(); reg != nil {
		resp["sandboxes"] = reg.Len()
	}

	writeJSON(w, resp)
}

func (s *StatusComponent) handleSandboxes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reg := s.registry()
	if reg == nil {
		http.Error(w, "registry not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]interface{}{"sandboxes": reg.Snapshot()})
}

func (s *StatusComponent) registry() *registry.Registry {
	if s.regComp == nil {
		return nil
	}
	return s.regComp.Registry()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Status response write failed", "error", err)
	}
}
