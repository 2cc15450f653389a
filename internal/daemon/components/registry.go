package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/daemon"
	"github.com/harunnryd/rocker/internal/journal"
	"github.com/harunnryd/rocker/internal/registry"
)

// RegistryComponent holds the live-sandbox registry and the journal that
// mirrors it to disk.
type RegistryComponent struct {
	cfg         *config.JournalConfig
	registry    *registry.Registry
	journal     *journal.Journal
	initialized bool
	mu          sync.RWMutex
}

func NewRegistryComponent(cfg *config.JournalConfig) *RegistryComponent {
	return &RegistryComponent{cfg: cfg}
}

func (r *RegistryComponent) Name() string {
	return "Registry"
}

func (r *RegistryComponent) Dependencies() []string {
	return []string{}
}

func (r *RegistryComponent) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := config.DefaultJournalPath
	if r.cfg != nil && r.cfg.Path != "" {
		path = r.cfg.Path
	}

	j, err := journal.Open(path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = j
	r.registry = registry.New(j)
	r.initialized = true

	slog.Info("Registry initialized", "component", r.Name(), "journal", path, "journaled", len(j.Entries()))
	return nil
}

func (r *RegistryComponent) Start(ctx context.Context) error {
	return nil
}

func (r *RegistryComponent) Stop(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.registry != nil {
		slog.Info("Registry stopping", "component", r.Name(), "live_sandboxes", r.registry.Len())
	}
	return nil
}

func (r *RegistryComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return daemon.Unhealthy(r.Name(), fmt.Errorf("not initialized")), nil
	}
	return daemon.Healthy(r.Name()), nil
}

func (r *RegistryComponent) Registry() *registry.Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry
}

func (r *RegistryComponent) Journal() *journal.Journal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.journal
}
